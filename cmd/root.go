// Package cmd is the cobra CLI entrypoint: `serve` runs the dispatcher
// against every configured channel, `cron list`/`sessions list` inspect
// the persistence layer without starting a gateway.
//
// Grounded on goclaw's cmd/root.go (the persistent --config/--verbose
// flags, the version subcommand) — trimmed of the onboarding wizard,
// managed-mode/Postgres bootstrap, doctor, upgrade, and standalone-chat
// commands, none of which SPEC_FULL.md names (see DESIGN.md).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X .../cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "orbiter",
	Short: "Orbiter — multi-channel agent dispatch engine",
	Long:  "Orbiter: a channel-agnostic conversational agent gateway with session continuity, a gated tool executor, and scheduled jobs.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $ORBITER_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(sessionsCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orbiter %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("ORBITER_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
