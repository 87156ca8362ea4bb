// Package cli implements the floe command line interface.
package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/floe-run/floe/internal/backend"
	"github.com/floe-run/floe/internal/workflow"
)

const version = "0.1.0"

// Exit codes. Setup problems exit with a different code than a run that
// executed and did not succeed, so callers can tell them apart.
const (
	exitOK     = 0
	exitFailed = 1
	exitSetup  = 2
)

// newRootCmd builds a fresh command tree. Each invocation gets its own tree;
// subcommands bind their flags to per-command state, so nothing leaks from
// one execution into the next.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "floe",
		Short:        "A workflow execution engine with pluggable task backends",
		Long:         "Floe executes task graphs defined in YAML workflow files. Tasks run on\na configurable backend: local subprocesses, object-storage transfers, or a\nmanaged state machine.",
		Version:      version,
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(newRunCmd(), newServeCmd())
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return execute(os.Args[1:])
}

func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var gbe *workflow.GraphBuildError
		var ube *backend.UnknownBackendError
		if errors.As(err, &gbe) || errors.As(err, &ube) {
			return exitSetup
		}
		return exitFailed
	}
	return exitOK
}
