package exec

import (
	"context"
	"os/exec"
)

// osExecCommandContext is a thin indirection over exec.CommandContext kept
// as its own function so tests can see exactly where the gateway leaves Go
// code and calls into the OS, matching the seam pkg/git draws around
// exec.Command in gitCommand.
func osExecCommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}
