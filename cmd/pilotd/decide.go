package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var decideCmd = &cobra.Command{
	Use:   "decide <request-id> <allow|allow_always|deny|custom>",
	Short: "Resolve a pending permission request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromFlags(cmd)
		message, _ := cmd.Flags().GetString("message")

		body := map[string]string{"resolution": args[1], "decided_by": "cli"}
		if message != "" {
			body["message"] = message
		}
		if err := c.post("/v1/permissions/"+args[0]+"/decision", body, nil); err != nil {
			return err
		}
		fmt.Printf("Request %s: %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	decideCmd.Flags().StringP("message", "m", "", "Instruction for custom resolutions, typed into the agent")
	rootCmd.AddCommand(decideCmd)
}
