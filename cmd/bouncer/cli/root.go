// Package cli implements the bouncer command tree.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "bouncer",
	Short: "Approval gateway between an AI agent and a cloud command surface",
	Long: `Bouncer intercepts every privileged action an agent attempts,
classifies and risk-scores it, and either auto-executes, auto-denies, or
routes it to a human approver. Only the human can authorize mutation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env is the normal case in production.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace|debug|info|warn|error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bouncer version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("bouncer " + Version)
	},
}
