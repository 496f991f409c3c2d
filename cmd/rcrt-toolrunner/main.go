// Package main provides the CLI entry point for the RCRT tool runner.
//
// The tool runner hosts tool executors against a breadcrumb store: it
// publishes a tool.catalog.v1 for its workspace, subscribes to
// tool.request.v1 events, executes the matching tool, and publishes each
// outcome as a tool.response.v1.
//
// # Basic Usage
//
// Start against a local store:
//
//	rcrt-toolrunner start --base-url http://127.0.0.1:8081 --workspace tools
//
// Start from a config file, with the tools section in its own watched file:
//
//	rcrt-toolrunner start --config runner.yaml --tools-config tools.yaml
//
// # Environment Variables
//
// Configuration can also arrive via environment variables:
//
//   - RCRT_BASE_URL: breadcrumb store address
//   - OWNER_ID, AGENT_ID: identity presented to /auth/token
//   - WORKSPACE: workspace tag to serve
//   - RCRT_JOURNAL_PATH, RCRT_JOURNAL_DRIVER: dedup journal location
//   - RCRT_SECRETS_BOOTSTRAP: allow one-time secret creation from env vars
//
// Flags win over environment variables, which win over the config file.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcrtlabs/rcrt/internal/bus"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// buildRootCmd constructs the root command. Separated from main to
// facilitate testing.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rcrt-toolrunner",
		Short: "Tool runner for a breadcrumb store workspace",
		Long: `rcrt-toolrunner executes tools on behalf of agents.

It publishes its tool catalog to the breadcrumb store, listens for
tool.request.v1 events in one workspace, runs the matching executor, and
publishes tool.response.v1 results keyed by the request id.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	root.AddCommand(buildStartCmd())
	root.AddCommand(buildVersionCmd())
	return root
}

// exitCode maps the failure taxonomy onto process exit codes so supervisors
// can tell operator mistakes from auth and transport failures: 1 config,
// 2 auth, 3 transport or timeout, 4 runner fault.
func exitCode(err error) int {
	var be *bus.Error
	if !errors.As(err, &be) {
		return 1
	}
	switch be.Kind {
	case bus.KindAuth:
		return 2
	case bus.KindTransport, bus.KindTimeout:
		return 3
	case bus.KindValidation, bus.KindConfigMissing, bus.KindNotFound:
		return 1
	default:
		return 4
	}
}
