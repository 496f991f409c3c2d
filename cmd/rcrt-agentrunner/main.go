// Package main provides the CLI entry point for the RCRT agent runner.
//
// The agent runner hosts one LLM-driven agent against a breadcrumb store:
// it loads the agent's definition breadcrumb, subscribes to the definition's
// selectors, and turns each delivered event into an LLM exchange whose reply
// becomes breadcrumb operations (create, update, delete, or tool requests).
//
// # Basic Usage
//
// Host the agent named in an agent.def.v1 breadcrumb:
//
//	rcrt-agentrunner start --base-url http://127.0.0.1:8081 --agent planner
//
// # Environment Variables
//
// Configuration can also arrive via environment variables:
//
//   - RCRT_BASE_URL: breadcrumb store address
//   - OWNER_ID, AGENT_ID: identity presented to /auth/token
//   - WORKSPACE: workspace tag to serve
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider keys,
//     consulted when the config file and the secret store carry none
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
		Use:   "rcrt-agentrunner",
		Short: "Agent runner for a breadcrumb store workspace",
		Long: `rcrt-agentrunner hosts one LLM-driven agent.

It loads the agent's definition breadcrumb, subscribes to the selectors the
definition names, assembles a context window per delivered event, and applies
the model's JSON reply as breadcrumb operations.`,
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
