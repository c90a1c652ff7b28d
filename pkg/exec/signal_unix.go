//go:build !windows

package exec

import (
	"os"
	"syscall"
)

// interruptProcess sends the platform's polite shutdown signal: SIGTERM on
// Unix-likes.
func interruptProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
