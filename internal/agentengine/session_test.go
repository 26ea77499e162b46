package agentengine

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/deepstorage/jobsync/internal/wire"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// driver wraps the client half of a net.Pipe connection with convenience
// helpers for the handshake/spec/result conversation.
type driver struct {
	t    *testing.T
	conn net.Conn
	r    *wire.Reader
}

func newDriver(t *testing.T, conn net.Conn) *driver {
	return &driver{t: t, conn: conn, r: wire.NewReader(conn)}
}

func (d *driver) sendExpectEcho(record string) {
	d.t.Helper()
	_, err := d.conn.Write([]byte(record + "\n"))
	require.NoError(d.t, err)
	got, err := d.r.ReadRecord()
	require.NoError(d.t, err)
	require.Equal(d.t, record, got)
}

func (d *driver) send(record string) {
	d.t.Helper()
	_, err := d.conn.Write([]byte(record + "\n"))
	require.NoError(d.t, err)
}

func (d *driver) readRecord() string {
	d.t.Helper()
	rec, err := d.r.ReadRecord()
	require.NoError(d.t, err)
	return rec
}

func startSession(t *testing.T, graceDelay time.Duration) (client net.Conn, done chan error) {
	server, cli := net.Pipe()
	sess := NewSession(server, testLogger(), graceDelay)
	done = make(chan error, 1)
	go func() {
		done <- sess.Run(context.Background())
	}()
	return cli, done
}

func TestSessionHappyPathTwoCommands(t *testing.T) {
	client, done := startSession(t, time.Millisecond)
	d := newDriver(t, client)

	d.sendExpectEcho("name\tweb1")
	d.sendExpectEcho("command\techo hello")
	d.sendExpectEcho("timeout\t0")
	d.sendExpectEcho("command\techo world")
	d.sendExpectEcho("timeout\t0")
	d.sendExpectEcho(wire.Ready)
	d.send(wire.Start)

	results := map[string]wire.Result{}
	for i := 0; i < 2; i++ {
		rec := d.readRecord()
		r := wire.ParseResult(rec)
		results[r.Command] = r
	}

	require.Equal(t, wire.StatusSuccess, results["echo hello"].Status)
	require.Equal(t, "hello\n", results["echo hello"].Output)
	require.Equal(t, wire.StatusSuccess, results["echo world"].Status)

	require.Equal(t, wire.Done, d.readRecord())
	require.NoError(t, <-done)
}

func TestSessionPerCommandTimeout(t *testing.T) {
	client, done := startSession(t, time.Millisecond)
	d := newDriver(t, client)

	d.sendExpectEcho("name\tweb1")
	d.sendExpectEcho("command\tsleep 5")
	d.sendExpectEcho("timeout\t1")
	d.sendExpectEcho(wire.Ready)
	d.send(wire.Start)

	rec := d.readRecord()
	r := wire.ParseResult(rec)
	require.Equal(t, wire.StatusTimeout, r.Status)

	require.Equal(t, wire.Done, d.readRecord())
	require.NoError(t, <-done)
}

func TestSessionKillPropagation(t *testing.T) {
	client, done := startSession(t, time.Millisecond)
	d := newDriver(t, client)

	d.sendExpectEcho("name\tweb1")
	d.sendExpectEcho("command\tsleep 5")
	d.sendExpectEcho("timeout\t0")
	d.sendExpectEcho("command\tsleep 5")
	d.sendExpectEcho("timeout\t0")
	d.sendExpectEcho(wire.Ready)
	d.send(wire.Start)

	time.Sleep(50 * time.Millisecond)
	d.send(wire.Kill)

	seen := 0
	for seen < 2 {
		rec := d.readRecord()
		if rec == wire.Done {
			break
		}
		r := wire.ParseResult(rec)
		require.Equal(t, wire.StatusKilled, r.Status)
		seen++
	}
	require.NoError(t, <-done)
}

func TestSessionStatusPingDuringExecution(t *testing.T) {
	client, done := startSession(t, time.Millisecond)
	d := newDriver(t, client)

	d.sendExpectEcho("name\tweb1")
	d.sendExpectEcho("command\tsleep 1")
	d.sendExpectEcho("timeout\t0")
	d.sendExpectEcho(wire.Ready)
	d.send(wire.Start)

	d.send(wire.Status)
	require.Equal(t, wire.OK, d.readRecord())

	rec := d.readRecord()
	r := wire.ParseResult(rec)
	require.Equal(t, wire.StatusSuccess, r.Status)

	require.Equal(t, wire.Done, d.readRecord())
	require.NoError(t, <-done)
}

func TestSessionMalformedHandshakeAborts(t *testing.T) {
	client, done := startSession(t, time.Millisecond)
	d := newDriver(t, client)

	d.sendExpectEcho("name\tweb1")
	d.sendExpectEcho("bogus")

	err := <-done
	require.Error(t, err)
}

func TestSessionErrorStatusOnNonZeroExit(t *testing.T) {
	client, done := startSession(t, time.Millisecond)
	d := newDriver(t, client)

	d.sendExpectEcho("name\tweb1")
	d.sendExpectEcho("command\tsh -c 'echo boom 1>&2; exit 1'")
	d.sendExpectEcho("timeout\t0")
	d.sendExpectEcho(wire.Ready)
	d.send(wire.Start)

	rec := d.readRecord()
	r := wire.ParseResult(rec)
	require.Equal(t, wire.StatusError, r.Status)
	require.Contains(t, r.Output, "boom")

	require.Equal(t, wire.Done, d.readRecord())
	require.NoError(t, <-done)
}
