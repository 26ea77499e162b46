package agentengine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deepstorage/jobsync/internal/wire"
)

// DefaultGraceDelay is the pause the agent takes between emitting // DONE //
// and closing the socket, giving the scheduler time to read it.
const DefaultGraceDelay = 3 * time.Second

// Session drives one accepted connection through its full lifecycle:
// handshake, spec-load, await-start, execute, drain-and-close.
type Session struct {
	conn       net.Conn
	reader     *wire.Reader
	logger     *slog.Logger
	graceDelay time.Duration

	writeMu sync.Mutex
}

// NewSession wraps conn for a single agent session.
func NewSession(conn net.Conn, logger *slog.Logger, graceDelay time.Duration) *Session {
	if graceDelay <= 0 {
		graceDelay = DefaultGraceDelay
	}
	return &Session{
		conn:       conn,
		reader:     wire.NewReader(conn),
		logger:     logger,
		graceDelay: graceDelay,
	}
}

// Run executes the session to completion: it never returns until the
// connection is done with (drained and ready to close), or a fatal
// protocol/connectivity error occurs.
func (s *Session) Run(ctx context.Context) error {
	name, specs, err := s.handshakeAndLoadSpec()
	if err != nil {
		return fmt.Errorf("agentengine: handshake: %w", err)
	}
	logger := s.logger.With("name", name)

	globalTimeout := deriveGlobalTimeout(specs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group := newWorkerGroup(name, specs, func(r wire.Result) {
		if err := s.writeRecord(r.Encode()); err != nil {
			logger.Warn("failed to send result", "command", r.Command, "err", err)
		}
	}, logger)

	// Await-start: blocks for exactly one of START / KILL / STATUS(repeat).
	for {
		rec, err := s.reader.ReadRecord()
		if err != nil {
			return fmt.Errorf("agentengine: await-start: %w", err)
		}
		switch rec {
		case wire.Start:
			goto started
		case wire.Kill:
			logger.Info("killed before start")
			return nil
		case wire.Status:
			if err := s.writeRecord(wire.Line(wire.OK)); err != nil {
				return fmt.Errorf("agentengine: status reply: %w", err)
			}
		default:
			logger.Warn("unexpected record while awaiting start", "record", rec)
		}
	}

started:
	logger.Info("execution starting", "commands", len(specs), "global_timeout", globalTimeout)

	var globalTimer *time.Timer
	if globalTimeout > 0 {
		globalTimer = time.AfterFunc(globalTimeout, func() {
			logger.Warn("global timeout exceeded, killing all subprocesses")
			group.killAll(wire.StatusTimeout)
		})
		defer globalTimer.Stop()
	}

	done := group.start(runCtx)

	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			rec, err := s.reader.ReadRecord()
			if err != nil {
				return
			}
			switch rec {
			case wire.Kill:
				logger.Info("killed by scheduler")
				group.killAll(wire.StatusKilled)
			case wire.Status:
				_ = s.writeRecord(wire.Line(wire.OK))
			default:
				logger.Warn("unexpected record during execution", "record", rec)
			}
		}
	}()

	<-done

	if err := s.writeRecord(wire.Line(wire.Done)); err != nil {
		logger.Warn("failed to send DONE", "err", err)
	}
	time.Sleep(s.graceDelay)

	return nil
}

// handshakeAndLoadSpec implements the handshake and spec-load phases: the
// agent echoes every received record verbatim before acting on it, and
// aborts on anything malformed or unrecognized.
func (s *Session) handshakeAndLoadSpec() (name string, specs []CommandSpec, err error) {
	first, err := s.reader.ReadRecord()
	if err != nil {
		return "", nil, err
	}
	if err := s.echo(first); err != nil {
		return "", nil, err
	}
	tag, val, ok := splitField(first)
	if !ok || tag != "name" {
		return "", nil, fmt.Errorf("expected name record, got %q", first)
	}
	name = val

	for {
		rec, err := s.reader.ReadRecord()
		if err != nil {
			return "", nil, err
		}
		if err := s.echo(rec); err != nil {
			return "", nil, err
		}

		if rec == wire.Ready {
			return name, specs, nil
		}

		tag, val, ok := splitField(rec)
		if !ok {
			return "", nil, fmt.Errorf("malformed record %q", rec)
		}
		switch tag {
		case "command":
			specs = append(specs, CommandSpec{Command: val})
		case "timeout":
			seconds, convErr := strconv.Atoi(val)
			if convErr != nil || seconds < 0 {
				return "", nil, fmt.Errorf("invalid timeout %q", val)
			}
			if len(specs) == 0 {
				return "", nil, fmt.Errorf("timeout with no preceding command")
			}
			specs[len(specs)-1].Timeout = time.Duration(seconds) * time.Second
		default:
			return "", nil, fmt.Errorf("unknown record tag %q", tag)
		}
	}
}

func splitField(rec string) (tag, value string, ok bool) {
	idx := strings.Index(rec, wire.Delimiter)
	if idx < 0 {
		return "", "", false
	}
	return rec[:idx], rec[idx+1:], true
}

func (s *Session) echo(rec string) error {
	return s.writeRecord(wire.Line(rec))
}

func (s *Session) writeRecord(record string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write([]byte(record))
	return err
}
