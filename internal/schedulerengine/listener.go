package schedulerengine

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/deepstorage/jobsync/internal/wire"
)

// pingGrace bounds how long a Listener waits for OK after sending STATUS,
// and how long it waits for results after sending KILL, before giving up on
// the connection. It is a socket-level timeout, independent of the test's
// own listener-timeout.
const pingGrace = 5 * time.Second

// deadlineSlack is added on top of a test's declared listener-timeout when
// arming the socket deadline. The agent is the authority that actually
// enforces the per-command/global timeout and reports TIMEOUT; this slack
// just covers the network round-trip for that report to arrive rather than
// racing the scheduler's own clock against the agent's.
const deadlineSlack = 3 * time.Second

// Listener is the per-connection scheduler-side task that consumes result
// records for one target during a Test's collect phase.
type Listener struct {
	target   string
	conn     *Connection
	handle   sessionHandle
	deadline time.Duration // listener-timeout; 0 means none
	commands []string      // declared command strings, for teardown fill-in
	emit     func(target string, r wire.Result)
	logger   *slog.Logger

	mu              sync.Mutex
	killed          bool
	failureReported bool
	started         chan struct{} // closed once the listener is actively polling
	done            chan struct{}
}

func newListener(target string, conn *Connection, handle sessionHandle, deadline time.Duration, commands []string, emit func(string, wire.Result), logger *slog.Logger) *Listener {
	return &Listener{
		target:   target,
		conn:     conn,
		handle:   handle,
		deadline: deadline,
		commands: commands,
		emit:     emit,
		logger:   logger,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// kill propagates a remote KILL to this listener's agent and bounds further
// waiting with pingGrace. It does not itself invoke the timeout policy: the
// caller (another listener's failure) already did.
func (l *Listener) kill() {
	l.mu.Lock()
	if l.killed {
		l.mu.Unlock()
		return
	}
	l.killed = true
	l.mu.Unlock()

	l.conn.Kill()
	_ = l.conn.SetDeadline(time.Now().Add(pingGrace))
}

// ping sends // STATUS // and bounds the wait for the OK reply.
func (l *Listener) ping() {
	if err := l.conn.Ping(); err != nil {
		l.logger.Warn("ping failed", "target", l.target, "err", err)
		return
	}
	_ = l.conn.SetDeadline(time.Now().Add(pingGrace))
}

// run drives the collect-phase receive loop until DONE, kill, or deadline
// expiry. It signals `started` as soon as it begins polling, which the
// Engine's barrier waits on before sending any // START //.
func (l *Listener) run() {
	defer close(l.done)

	if l.deadline > 0 {
		_ = l.conn.SetDeadline(time.Now().Add(l.deadline + deadlineSlack))
	}
	close(l.started)

	seen := map[string]bool{}
	normalEnd := false

	for {
		rec, err := l.conn.ReadRecord()
		if err != nil {
			l.onAbnormalEnd(err)
			break
		}

		switch rec {
		case wire.Done:
			normalEnd = true
			goto finished
		case wire.OK:
			// Outstanding ping cleared; extend the listener-timeout again
			// since the connection just proved responsive.
			if l.deadline > 0 {
				_ = l.conn.SetDeadline(time.Now().Add(l.deadline + deadlineSlack))
			} else {
				_ = l.conn.SetDeadline(time.Time{})
			}
		default:
			r := wire.ParseResult(rec)
			seen[r.Command] = true
			l.handle.recordResult(l.target, r)
			if l.emit != nil {
				l.emit(l.target, r)
			}
			if r.Status == wire.StatusSuccess {
				l.handle.pingAll()
			} else {
				// A non-success command outcome is itself a target failure
				// for timeout-policy purposes: under minHosts == ALL every
				// command on every target must succeed, so one ERROR/
				// TIMEOUT/KILLED result aborts the test exactly like a
				// dropped connection would. Only the first such result per
				// target consumes a timeoutsRemaining slot.
				l.mu.Lock()
				already := l.failureReported
				l.failureReported = true
				l.mu.Unlock()
				if !already {
					l.handle.handleFailure(l.target, "command "+r.Command+" "+r.Status)
				}
			}
		}
	}

finished:
	l.fillMissing(seen, normalEnd)
}

func (l *Listener) onAbnormalEnd(err error) {
	l.mu.Lock()
	wasKilled := l.killed
	l.mu.Unlock()

	if wasKilled {
		l.logger.Info("listener ended after kill", "target", l.target, "err", err)
		return
	}

	var netErr net.Error
	reason := "connection error"
	if errors.As(err, &netErr) && netErr.Timeout() {
		reason = "deadline expired"
	}
	l.logger.Warn("listener terminated abnormally", "target", l.target, "reason", reason, "err", err)
	l.handle.handleFailure(l.target, reason)
}

// fillMissing marks every declared command with no recorded result as
// TIMEOUT, per spec.md §4.3: "On termination other than normal, every
// command in that target's spec that still has no result is marked
// (TIMEOUT, "")."
func (l *Listener) fillMissing(seen map[string]bool, normalEnd bool) {
	if normalEnd && len(seen) == len(l.commands) {
		return
	}
	for _, cmd := range l.commands {
		if seen[cmd] {
			continue
		}
		r := wire.Result{Target: l.target, Command: cmd, Status: wire.StatusTimeout}
		l.handle.recordResult(l.target, r)
		if l.emit != nil {
			l.emit(l.target, r)
		}
	}
}

// awaitStarted blocks until this listener is actively polling its socket,
// satisfying the barrier guarantee in spec.md §5.
func (l *Listener) awaitStarted() {
	<-l.started
}

// wait blocks until the listener's run loop has exited.
func (l *Listener) wait() {
	<-l.done
}

// isDone reports whether the listener's run loop has already exited,
// without blocking.
func (l *Listener) isDone() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
