// Package hostlog provides structured logging for the host-side
// control plane (cmd/kernelctl): build/run/procdump/log subcommands
// all log through a single logr.Logger, the same seam arctir-proctor
// and jra3-system-agent use for their CLI tooling. This is
// intentionally separate from internal/serial, which is the freestanding
// in-kernel boot logger spec.md §9 describes as a ring buffer with no
// hosted OS underneath it; hostlog runs on the operator's machine, not
// inside the kernel.
package hostlog

import (
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// New builds a logr.Logger that writes to stderr with a timestamp
// prefix, matching the plain-text format jra3-system-agent's CLI tools
// use for operator-facing logs (as opposed to the structured-file
// logging a long-running daemon would prefer).
func New(verbose bool) logr.Logger {
	opts := funcr.Options{
		LogCaller:    funcr.None,
		Verbosity:    verbosity(verbose),
		RenderBuiltinsHook: func(kvs []any) []any {
			return append([]any{"ts", time.Now().Format(time.RFC3339)}, kvs...)
		},
	}
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(os.Stderr, "%s %s\n", prefix, args)
			return
		}
		fmt.Fprintln(os.Stderr, args)
	}, opts)
}

func verbosity(verbose bool) int {
	if verbose {
		return 1
	}
	return 0
}
