package schedulerengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deepstorage/jobsync/internal/plan"
	"github.com/deepstorage/jobsync/internal/schedlog"
	"github.com/deepstorage/jobsync/internal/wire"
)

// DefaultConnectTimeout bounds Prep's TCP dial per target.
const DefaultConnectTimeout = 10 * time.Second

// Engine drives a Plan's Tests against their targets' agents, one Test at a
// time, per the five-phase lifecycle in spec.md §4.3: prep, start, collect,
// log, cleanup.
type Engine struct {
	Logger         *slog.Logger
	Port           int
	ConnectTimeout time.Duration

	// Emit, if set, receives every per-(target,command) result as it
	// arrives, satisfying spec.md §7's user-visibility requirement.
	Emit func(test string, target string, r wire.Result)

	// Log, if set, receives a row per result (spec.md §4.3 Log phase).
	// Every Test run by this Engine writes to the same writer, and rows do
	// not carry the test label. Opening/closing the file is the caller's
	// responsibility via schedlog.OpenFile.
	Log *schedlog.RowWriter
}

// NewEngine builds an Engine with defaults; logger must not be nil.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		Logger:         logger,
		Port:           wire.DefaultPort,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// RunTest executes one Test's full lifecycle against its targets.
func (e *Engine) RunTest(ctx context.Context, test plan.Test) (*TestReport, error) {
	logger := e.Logger.With("test", test.Label, "test_id", test.ID)
	sess := newSession(test)

	conns := e.prep(logger, sess, test)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	results, aborted, reason := sess.snapshot()
	if len(conns) == 0 {
		logger.Warn("no targets reachable, test has no listeners")
		return buildReport(test.Label, results, aborted, reason), nil
	}
	if aborted {
		logger.Warn("test aborted during prep", "reason", reason)
		return buildReport(test.Label, results, aborted, reason), nil
	}

	listeners := e.makeListeners(logger, sess, test, conns)

	var eg errgroup.Group
	for _, l := range listeners {
		l := l
		eg.Go(func() error {
			l.run()
			return nil
		})
	}

	// Barrier: block until every listener is actively polling before any
	// target is told to start.
	for _, l := range listeners {
		l.awaitStarted()
	}
	logger.Info("barrier satisfied, starting all targets", "targets", len(listeners))

	for target, conn := range conns {
		if err := conn.Start(); err != nil {
			logger.Warn("failed to send start", "target", target, "err", err)
			sess.handleFailure(target, "start failed: "+err.Error())
		}
	}

	_ = eg.Wait()

	results, aborted, reason = sess.snapshot()
	report := buildReport(test.Label, results, aborted, reason)

	e.writeLog(test.Label, report)

	return report, nil
}

// prep opens and handshakes every target sequentially, per spec.md §4.3:
// "Prep (sequential over targets)". A target that fails prep goes through
// the same timeout policy a failed Listener would.
func (e *Engine) prep(logger *slog.Logger, sess *session, test plan.Test) map[string]*Connection {
	conns := make(map[string]*Connection, len(test.Targets))
	for _, target := range test.Targets {
		conn, err := Dial(target, e.Port, e.ConnectTimeout)
		if err == nil {
			err = conn.Handshake(test.Specs[target])
		}
		if err != nil {
			logger.Warn("prep failed", "target", target, "err", err)
			if conn != nil {
				_ = conn.Close()
			}
			if aborted := sess.handleFailure(target, err.Error()); aborted {
				return conns
			}
			continue
		}
		conns[target] = conn
	}
	return conns
}

func (e *Engine) makeListeners(logger *slog.Logger, sess *session, test plan.Test, conns map[string]*Connection) map[string]*Listener {
	listeners := make(map[string]*Listener, len(conns))
	for target, conn := range conns {
		cmds := commandStrings(test.Specs[target])
		emit := func(target string, r wire.Result) {
			if e.Emit != nil {
				e.Emit(test.Label, target, r)
			}
		}
		l := newListener(target, conn, sess, test.ListenerTimeout(target), cmds, emit, logger)
		sess.listeners[target] = l
		listeners[target] = l
	}
	return listeners
}

func (e *Engine) writeLog(testLabel string, report *TestReport) {
	if e.Log == nil {
		return
	}
	for target, results := range report.Results {
		for _, r := range results {
			if err := e.Log.WriteRow(target, r.Command, r.Status, r.Output); err != nil {
				e.Logger.Warn("failed to write log row", "test", testLabel, "target", target, "err", err)
			}
		}
	}
}

func buildReport(label string, results map[string][]CommandResult, aborted bool, reason string) *TestReport {
	return &TestReport{
		Label:   label,
		Results: results,
		Aborted: aborted,
		Reason:  reason,
	}
}

func commandStrings(specs []plan.CommandSpec) []string {
	out := make([]string, len(specs))
	for i, cs := range specs {
		out[i] = cs.Command
	}
	return out
}

// RunPlan runs every Test in p in order, stopping early only on a context
// cancellation; test failures within a Test do not stop subsequent Tests.
func (e *Engine) RunPlan(ctx context.Context, p plan.Plan) ([]*TestReport, error) {
	reports := make([]*TestReport, 0, len(p.Tests))
	for _, test := range p.Tests {
		if err := ctx.Err(); err != nil {
			return reports, fmt.Errorf("schedulerengine: plan cancelled: %w", err)
		}
		report, err := e.RunTest(ctx, test)
		if err != nil {
			return reports, fmt.Errorf("schedulerengine: test %s: %w", test.Label, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}
