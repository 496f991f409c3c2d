package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcrtlabs/rcrt/internal/config"
)

// startFlags holds the flag values for the start command. Only flags the
// user actually set are applied, so file and environment values survive.
type startFlags struct {
	config         string
	toolsConfig    string
	workspace      string
	baseURL        string
	logLevel       string
	metricsAddr    string
	journalPath    string
	journalDriver  string
	retentionHours int
	grace          time.Duration
}

func buildStartCmd() *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tool runner",
		Example: `  # Local store, builtin tools only
  rcrt-toolrunner start --workspace tools

  # Tools section in its own file, watched for live reconfiguration
  rcrt-toolrunner start --config runner.yaml --tools-config tools.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.config, "config", "c", "", "Path to a config file (YAML or JSON5)")
	cmd.Flags().StringVar(&flags.toolsConfig, "tools-config", "", "Separate file for the tools section, watched for changes")
	cmd.Flags().StringVar(&flags.workspace, "workspace", "", "Workspace tag to serve (e.g. workspace:tools)")
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "Breadcrumb store base URL")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Diagnostics listen address (empty disables)")
	cmd.Flags().StringVar(&flags.journalPath, "journal-path", "", "Dedup journal path")
	cmd.Flags().StringVar(&flags.journalDriver, "journal-driver", "", "Dedup journal driver: file or sqlite")
	cmd.Flags().IntVar(&flags.retentionHours, "retention-hours", 0, "Journal retention in hours")
	cmd.Flags().DurationVar(&flags.grace, "grace", 0, "Shutdown drain bound (e.g. 10s)")

	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rcrt-toolrunner %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// applyFlags overlays explicitly set flags onto cfg, completing the
// precedence chain flags > env > file > defaults.
func applyFlags(cmd *cobra.Command, flags startFlags, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("workspace") {
		cfg.Identity.Workspace = flags.workspace
	}
	if set("base-url") {
		cfg.Store.BaseURL = flags.baseURL
	}
	if set("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if set("metrics-addr") {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if set("journal-path") {
		cfg.Journal.Path = flags.journalPath
	}
	if set("journal-driver") {
		cfg.Journal.Driver = flags.journalDriver
	}
	if set("retention-hours") {
		cfg.Journal.RetentionHours = flags.retentionHours
	}
	if set("grace") {
		cfg.Grace = flags.grace
	}
	cfg.Normalize()
}
