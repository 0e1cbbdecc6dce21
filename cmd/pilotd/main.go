package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pilotd",
	Short: "Terminal-multiplexer session daemon for coding agents",
	Long: `pilotd runs coding agents inside multiplexer sessions on this machine
and on remote machines, and lets operators monitor, attach, and answer
permission requests from anywhere the daemon is reachable.`,
}

func main() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:7601", "Daemon base URL")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
