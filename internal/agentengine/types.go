// Package agentengine implements the agent side of the jobsync wire
// protocol: accepting one scheduler connection at a time, receiving a job
// spec, running its commands concurrently under per-command and global
// timeouts, and streaming results back.
package agentengine

import "time"

// CommandSpec is one command the agent was told to run, with its resolved
// timeout (0 meaning none).
type CommandSpec struct {
	Command string
	Timeout time.Duration
}

// deriveGlobalTimeout computes the session's global timeout: the max of all
// per-command timeouts, or 0 (none) if any command has none.
func deriveGlobalTimeout(specs []CommandSpec) time.Duration {
	var max time.Duration
	for _, cs := range specs {
		if cs.Timeout == 0 {
			return 0
		}
		if cs.Timeout > max {
			max = cs.Timeout
		}
	}
	return max
}
