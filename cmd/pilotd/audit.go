package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit [name[/branch][@machine]]",
	Short: "Show resolved permission requests",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromFlags(cmd)
		limit, _ := cmd.Flags().GetInt("limit")

		path := "/v1/permissions/log?limit=" + strconv.Itoa(limit)
		if len(args) == 1 {
			path += "&session=" + url.QueryEscape(args[0])
		}
		var entries []struct {
			Session    string    `json:"session"`
			Operation  string    `json:"operation"`
			Resolution string    `json:"resolution"`
			Reason     string    `json:"reason"`
			DecidedBy  string    `json:"decided_by"`
			WaitedMs   int64     `json:"waited_ms"`
			CreatedAt  time.Time `json:"created_at"`
		}
		if err := c.get(path, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No permission decisions recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tSESSION\tOPERATION\tRESOLUTION\tREASON\tBY\tWAITED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Local().Format("Jan 02 15:04:05"),
				e.Session, e.Operation, e.Resolution, e.Reason, e.DecidedBy,
				time.Duration(e.WaitedMs)*time.Millisecond)
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().Int("limit", 50, "Maximum entries to show")
	rootCmd.AddCommand(auditCmd)
}
