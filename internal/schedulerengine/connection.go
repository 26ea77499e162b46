package schedulerengine

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepstorage/jobsync/internal/plan"
	"github.com/deepstorage/jobsync/internal/wire"
)

// Connection owns one TCP stream to an agent for the lifetime of one Test's
// worth of (target, command) specs. It is exclusively owned by one Listener
// once Start is called.
type Connection struct {
	ID     uuid.UUID
	Target string

	conn   net.Conn
	reader *wire.Reader
}

// Dial opens a TCP connection to target:port with connectTimeout, per
// spec.md §4.3 Prep step 1.
func Dial(target string, port int, connectTimeout time.Duration) (*Connection, error) {
	addr := target
	if !strings.Contains(target, ":") {
		addr = fmt.Sprintf("%s:%d", target, port)
	}
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("schedulerengine: dial %s: %w", addr, err)
	}
	return &Connection{
		ID:     uuid.New(),
		Target: target,
		conn:   conn,
		reader: wire.NewReader(conn),
	}, nil
}

// Handshake runs Prep steps 2-4: send name, require echo; send each
// command/timeout pair, require echo; send READY, require echo.
func (c *Connection) Handshake(specs []plan.CommandSpec) error {
	if err := c.sendAndVerify(wire.Field("name", c.Target)); err != nil {
		return err
	}
	for _, cs := range specs {
		if err := c.sendAndVerify(wire.Field("command", cs.Command)); err != nil {
			return err
		}
		seconds := int(cs.Timeout / time.Second)
		if err := c.sendAndVerify(wire.Field("timeout", fmt.Sprintf("%d", seconds))); err != nil {
			return err
		}
	}
	return c.sendAndVerify(wire.Line(wire.Ready))
}

func (c *Connection) sendAndVerify(record string) error {
	if _, err := c.conn.Write([]byte(record)); err != nil {
		return fmt.Errorf("schedulerengine: write to %s: %w", c.Target, err)
	}
	echoed, err := c.reader.ReadRecord()
	if err != nil {
		return fmt.Errorf("schedulerengine: echo from %s: %w", c.Target, err)
	}
	sent := trimNewline(record)
	if echoed != sent {
		return fmt.Errorf("schedulerengine: echo mismatch from %s: sent %q, got %q", c.Target, sent, echoed)
	}
	return nil
}

// Start sends the barrier-release START record. Must only be called after
// every Listener for this Test is active.
func (c *Connection) Start() error {
	_, err := c.conn.Write([]byte(wire.Line(wire.Start)))
	if err != nil {
		return fmt.Errorf("schedulerengine: start %s: %w", c.Target, err)
	}
	return nil
}

// Kill sends a best-effort // KILL // and never returns an error the caller
// needs to act on: cancellation is cooperative per spec.md §5.
func (c *Connection) Kill() {
	_, _ = c.conn.Write([]byte(wire.Line(wire.Kill)))
}

// Ping sends // STATUS //.
func (c *Connection) Ping() error {
	_, err := c.conn.Write([]byte(wire.Line(wire.Status)))
	if err != nil {
		return fmt.Errorf("schedulerengine: ping %s: %w", c.Target, err)
	}
	return nil
}

// ReadRecord blocks for the next record on this connection.
func (c *Connection) ReadRecord() (string, error) {
	return c.reader.ReadRecord()
}

// Close releases the socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// SetDeadline bounds all future reads/writes; deadline.IsZero() clears it.
func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
