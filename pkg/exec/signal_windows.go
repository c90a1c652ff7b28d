//go:build windows

package exec

import "os"

// interruptProcess has no polite-signal equivalent on Windows; Terminate's
// grace-period hard-kill path still applies.
func interruptProcess(p *os.Process) error {
	return p.Kill()
}
