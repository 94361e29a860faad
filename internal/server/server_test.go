package server

import (
	"encoding/binary"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnmxhq/mnmx/internal/client"
	"github.com/mnmxhq/mnmx/internal/config"
	"github.com/mnmxhq/mnmx/internal/proto"
)

// newTestServer starts a Server and drives its reactor from a background
// goroutine, using reactor.Terminate (rather than installSignals, which
// would register process-wide OS signal handlers the test binary doesn't
// own) to stop it at cleanup.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "mnmx.sock")

	cfg := config.Default()
	cfg.DefaultShell = "/bin/sh"
	logger := log.New(io.Discard, "", 0)

	srv, err := New(logger, sockPath, cfg, os.Environ())
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			events, err := srv.reactor.Wait()
			if err != nil {
				return
			}
			for _, ev := range events {
				srv.dispatch(ev)
			}
			if srv.reactor.Terminated() || srv.terminate {
				return
			}
		}
	}()
	t.Cleanup(func() {
		srv.reactor.Terminate()
		<-stopped
		srv.shutdown()
	})
	return srv
}

func dial(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	c, err := client.Connect(srv.socketPath)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// S1: handshake + create + attach + echo + detach-by-exit.
//
// The child's exit is observed here purely through the PTY master
// returning EOF, which the background dispatch goroutine sees as an
// ordinary epoll readiness event (onPTYReady) — no SIGCHLD delivery is
// needed for this path, per spec.md §4.4's "EOF, or a SIGCHLD-driven
// synthetic event" either-or wording.
func TestScenario_HandshakeCreateAttachEchoExit(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	actualName, ok, err := c.RequestMakeSession("t", proto.SpawnOptions{Program: "/bin/echo", Args: []string{"hi"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t", actualName)

	session, ok, err := c.RequestAttach(actualName)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t", session.Name)

	buf := make([]byte, 16)
	deadline := time.Now().Add(2 * time.Second)
	c.DataConn().SetReadDeadline(deadline)
	n, err := c.DataConn().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(buf[:n]))

	c.ControlConn().SetReadDeadline(time.Now().Add(2 * time.Second))
	notice, err := c.NextNotification()
	require.NoError(t, err)
	assert.Equal(t, proto.ReasonExit, notice.Reason)
	assert.Equal(t, 0, notice.ExitCode)
}

// S2: attach to a session that doesn't exist, then keep using the
// connection for a further request.
func TestScenario_AttachToMissing(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	_, ok, err := c.RequestAttach("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	sessions, err := c.RequestSessionList()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

// S3: two attached clients; DetachRequest{Latest} detaches only the one
// that touched the connection most recently.
func TestScenario_DetachLatestTargetsMostRecentClient(t *testing.T) {
	srv := newTestServer(t)

	_, ok, err := dial(t, srv).RequestMakeSession("s", proto.SpawnOptions{Program: "/bin/cat"})
	require.NoError(t, err)
	require.True(t, ok)

	a := dial(t, srv)
	_, ok, err = a.RequestAttach("s")
	require.NoError(t, err)
	require.True(t, ok)

	b := dial(t, srv)
	_, ok, err = b.RequestAttach("s")
	require.NoError(t, err)
	require.True(t, ok)

	// B is the most recently active (its AttachRequest landed after A's).
	require.NoError(t, a.RequestDetach(proto.DetachLatest))

	notice, err := b.NextNotification()
	require.NoError(t, err)
	assert.Equal(t, proto.ReasonDetach, notice.Reason)

	// A is still attached: StatisticsRequest should not error, confirming
	// its control channel is alive.
	_, err = a.RequestStatistics()
	require.NoError(t, err)
}

// rawWrite/rawRead perform a single control-protocol round trip directly
// against a net.Conn, bypassing internal/client's always-fresh-nonce
// promotion so the test can replay a stale nonce on purpose.
func rawWrite(t *testing.T, conn net.Conn, msg proto.Message) {
	t.Helper()
	_, err := conn.Write(proto.Encode(msg))
	require.NoError(t, err)
}

func rawRead[T proto.Message](t *testing.T, conn net.Conn) T {
	t.Helper()
	var sizeBuf [8]byte
	_, err := io.ReadFull(conn, sizeBuf[:])
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint64(sizeBuf[:]))
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	msg, err := proto.DecodeAs[T](body)
	require.NoError(t, err)
	return msg
}

func rawHandshake(t *testing.T, sockPath string) (net.Conn, proto.ClientID) {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	rawRead[proto.ConnectionNotification](t, conn)
	rawWrite(t, conn, proto.ClientIDRequest{})
	return conn, rawRead[proto.ClientIDResponse](t, conn).Client
}

// S4: a nonce cannot be replayed for a second promotion once consumed.
func TestScenario_NonceReplayRejected(t *testing.T) {
	srv := newTestServer(t)

	control, id := rawHandshake(t, srv.socketPath)
	defer control.Close()

	data, _ := rawHandshake(t, srv.socketPath)
	rawWrite(t, data, proto.DataSocketRequest{Client: id})
	promo := rawRead[proto.DataSocketResponse](t, data)
	require.True(t, promo.Success)
	defer data.Close()

	// Third connection attempts to replay the now-consumed nonce.
	third, _ := rawHandshake(t, srv.socketPath)
	rawWrite(t, third, proto.DataSocketRequest{Client: id})
	replay := rawRead[proto.DataSocketResponse](t, third)
	assert.False(t, replay.Success)
	third.Close()

	// The original client's two channels are unaffected.
	rawWrite(t, control, proto.StatisticsRequest{})
	rawRead[proto.StatisticsResponse](t, control)
}

// S6: window-size propagation reaches the PTY before the child reads it.
func TestScenario_WindowSizePropagation(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	actualName, ok, err := c.RequestMakeSession("sz", proto.SpawnOptions{
		Program: "/bin/sh",
		Args:    []string{"-c", "sleep 0.2; stty size"},
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.RequestAttach(actualName)
	require.NoError(t, err)
	require.True(t, ok)

	// Sessions start at 24x80 (defaultRows/defaultCols), so a different
	// size is sent to tell a propagated resize from the initial one.
	require.NoError(t, c.NotifyWindowSize(30, 100))

	buf := make([]byte, 64)
	c.DataConn().SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.DataConn().Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "30 100")
}
