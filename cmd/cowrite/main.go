// Command cowrite runs a collaborative editing server over a working tree and
// offers a few client commands for inspecting it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cowrite/cowrite/internal/config"
	"github.com/cowrite/cowrite/internal/logging"
)

const (
	exitSuccess = 0
	exitError   = 1
)

var rootCmd = &cobra.Command{
	Use:           "cowrite",
	Short:         "Real-time collaborative editing of a directory tree",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
			return fmt.Errorf("logging init error: %w", err)
		}
		loaded = cfg
		return nil
	},
}

// loaded is the configuration read before any subcommand runs.
var loaded *config.Config

func init() {
	rootCmd.AddCommand(serveCmd, tokenCmd, treeCmd, catCmd, putCmd)
}

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
