package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:   "new <name[/branch][@machine]>",
	Short: "Create an agent session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromFlags(cmd)

		kind, _ := cmd.Flags().GetString("kind")
		repo, _ := cmd.Flags().GetString("repo")
		base, _ := cmd.Flags().GetString("base-branch")
		dir, _ := cmd.Flags().GetString("dir")
		command, _ := cmd.Flags().GetString("command")

		body := map[string]string{"target": args[0]}
		if kind != "" {
			body["kind"] = kind
		}
		if repo != "" {
			body["repo"] = repo
		}
		if base != "" {
			body["base_branch"] = base
		}
		if dir != "" {
			body["work_dir"] = dir
		}
		if command != "" {
			body["command"] = command
		}

		var created struct {
			Target     string `json:"target"`
			WorkingDir string `json:"working_dir"`
		}
		if err := c.post("/v1/sessions", body, &created); err != nil {
			return err
		}
		fmt.Printf("Created session %q in %s\n", created.Target, created.WorkingDir)
		return nil
	},
}

func init() {
	newCmd.Flags().String("kind", "", "Permission posture: none, unrestricted, confirm-every-action, voice-only")
	newCmd.Flags().String("repo", "", "Repository for worktree-scoped sessions")
	newCmd.Flags().String("base-branch", "", "Base branch for a new worktree branch")
	newCmd.Flags().StringP("dir", "c", "", "Working directory for plain sessions")
	newCmd.Flags().String("command", "", "Override the configured agent command")
	rootCmd.AddCommand(newCmd)
}
