// Package schedulerengine implements the scheduler side of the jobsync wire
// protocol: for each test in a plan, it opens a connection to every target,
// pushes the spec, starts all targets behind a barrier, collects results
// under a timeout policy, and tears everything down.
package schedulerengine

import (
	"sync"

	"github.com/deepstorage/jobsync/internal/plan"
	"github.com/deepstorage/jobsync/internal/wire"
)

// CommandResult pairs a command with its outcome for reporting.
type CommandResult struct {
	Command string
	Status  string
	Output  string
}

// TestReport is everything observed while running one Test.
type TestReport struct {
	Label   string
	Results map[string][]CommandResult // target -> results in completion order
	Aborted bool
	Reason  string
}

// sessionHandle is the narrow capability surface a Listener is given back
// into the shared per-test session state. Per spec.md's design notes, the
// scheduler<->listener relationship is a diagnostic back-pointer, not
// ownership, so the Listener never sees the full Session.
type sessionHandle interface {
	recordResult(target string, r wire.Result)
	handleFailure(target, reason string) (aborted bool)
	pingAll()
}

// session holds the mutable state shared across all Listeners for one Test.
// All access is serialized by mu; updates are rare and light so a single
// mutex is sufficient (spec.md §5: "write-rarely and contention-light").
type session struct {
	mu sync.Mutex

	test    plan.Test
	results map[string][]CommandResult

	successesReceived int
	timeoutsRemaining *int // nil: no host-count gating (minHosts unset/0)
	testAborted       bool
	abortReason       string

	listeners map[string]*Listener
}

func newSession(test plan.Test) *session {
	s := &session{
		test:      test,
		results:   make(map[string][]CommandResult, len(test.Targets)),
		listeners: make(map[string]*Listener, len(test.Targets)),
	}
	if n := test.MinHosts.InitialTimeoutsRemaining(); n != nil {
		v := *n
		s.timeoutsRemaining = &v
	}
	return s
}

func (s *session) recordResult(target string, r wire.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[target] = append(s.results[target], CommandResult{
		Command: r.Command,
		Status:  r.Status,
		Output:  r.Output,
	})
	if r.Status == wire.StatusSuccess {
		s.successesReceived++
	}
}

// handleFailure applies the timeout policy from spec.md §4.3 Timeout Policy.
// It returns true if this failure caused (or had already caused) the whole
// test to abort.
func (s *session) handleFailure(target, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.testAborted {
		return true
	}

	abort := false
	if s.test.MinHosts.IsAll() {
		abort = true
	} else if s.timeoutsRemaining != nil {
		*s.timeoutsRemaining--
		// timeoutsRemaining is seeded from minHosts and counts down one
		// per target failure; reaching exactly zero is still the last
		// tolerable failure (e.g. minHosts: 1 with one dead target out of
		// two survives), so abort only once it goes negative.
		if *s.timeoutsRemaining < 0 {
			abort = true
		}
	}

	if abort {
		s.testAborted = true
		s.abortReason = target + ": " + reason
		for name, l := range s.listeners {
			if name == target {
				continue
			}
			l.kill()
		}
	}
	return abort
}

// pingAll broadcasts // STATUS // to every still-running listener once
// successesReceived reaches minHosts. Preserves the original's quirk:
// minHosts == ALL never trips this, since Gating() is false for ALL and the
// numeric threshold is never compared against the sentinel.
func (s *session) pingAll() {
	s.mu.Lock()
	threshold, gated := s.minHostsThreshold()
	if !gated || s.successesReceived < threshold {
		s.mu.Unlock()
		return
	}
	listeners := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		if !l.isDone() {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.ping()
	}
}

func (s *session) minHostsThreshold() (int, bool) {
	if !s.test.MinHosts.Gating() {
		return 0, false
	}
	return int(s.test.MinHosts), true
}

func (s *session) snapshot() (map[string][]CommandResult, bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]CommandResult, len(s.results))
	for k, v := range s.results {
		cp := make([]CommandResult, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, s.testAborted, s.abortReason
}
