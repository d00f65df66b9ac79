package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pasteforge/cfg"
	"pasteforge/svc/util"
)

var rootCmd = &cobra.Command{
	Use:   "pasteforge",
	Short: "PasteForge pastebin API server",
	Long:  "PasteForge serves the pastebin HTTP API and carries the maintenance commands for its SQLite store.",
	// no subcommand runs the server, the container entrypoint relies on it
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadCfg reads and validates the environment, then configures logging.
func loadCfg() (*cfg.Cfg, error) {
	c, err := cfg.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(c); err != nil {
		c.Wipe()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	return c, nil
}
