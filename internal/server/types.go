// Package server implements the mnmxd server-side state machine: the
// listening socket, the per-connection Client records, the named Session
// table, and the attach/detach/kick protocol driven off internal/reactor.
//
// Grounded on internal/daemon/daemon.go's Daemon (map of live records
// behind a single owner, log.Printf-style logging) and instance.go's
// Instance (PTY-backed session, destroy()/Attach() lifecycle), adapted
// from goroutine-per-connection to the single-threaded reactor dispatch
// the design calls for.
package server

import (
	"log"
	"time"

	"github.com/mnmxhq/mnmx/internal/channel"
	"github.com/mnmxhq/mnmx/internal/config"
	"github.com/mnmxhq/mnmx/internal/handle"
	"github.com/mnmxhq/mnmx/internal/proto"
	"github.com/mnmxhq/mnmx/internal/pty"
	"github.com/mnmxhq/mnmx/internal/reactor"
)

// Client is the server-side record for one connected mnmx process. Every
// accepted connection starts life as its own ephemeral Client; the second
// connection a process opens is folded into the first Client's data slot
// during promotion and its own Client record is discarded.
type Client struct {
	id uint64

	control *channel.BufferedChannel
	data    *channel.BufferedChannel // nil until promoted

	createdAt    time.Time
	lastActiveAt time.Time

	session *Session // attached-session back-reference; nil if unattached

	pendingNonce    uint64
	hasPendingNonce bool
	gotClientID     bool

	frames proto.FrameReader
}

// touch bumps last-activity, used to pick the "latest" client on
// DetachRequest{Latest}.
func (c *Client) touch() { c.lastActiveAt = time.Now() }

// Session is a named, long-lived PTY-backed record with an ordered list
// of attached clients.
type Session struct {
	name         string
	createdAt    time.Time
	lastActiveAt time.Time

	proc *pty.Process

	attached []*Client

	bytesIn  uint64
	bytesOut uint64

	// unattachedSince is the moment attached last became empty; zero while
	// at least one client is attached. checkIdleSessions compares it
	// against config.Config.IdleLogThresholdSeconds (SPEC_FULL.md §10.3).
	unattachedSince time.Time
	idleLogged      bool
}

func (s *Session) info() proto.SessionInfo {
	return proto.SessionInfo{
		Name:      s.name,
		CreatedAt: s.createdAt.Unix(),
		PID:       s.proc.PID(),
		Attached:  len(s.attached),
	}
}

func (s *Session) detachClient(c *Client) {
	for i, ac := range s.attached {
		if ac == c {
			s.attached = append(s.attached[:i], s.attached[i+1:]...)
			if len(s.attached) == 0 {
				s.unattachedSince = time.Now()
			}
			return
		}
	}
}

func (s *Session) latestAttached() *Client {
	var latest *Client
	for _, c := range s.attached {
		if latest == nil || c.lastActiveAt.After(latest.lastActiveAt) {
			latest = c
		}
	}
	return latest
}

// Server owns the listening socket, every live Client and Session, the
// reactor driving all of them, and the policy bits spec.md §3 assigns to
// it.
type Server struct {
	Log *log.Logger

	reactor    *reactor.Reactor
	listenH    handle.Handle
	socketPath string

	cfg     config.Config
	baseEnv []string

	clients  map[uint64]*Client
	sessions map[string]*Session

	// dataIndex maps a data-channel fd to its owning Client in O(1), per
	// spec.md §3's "secondary index data-fd → Client".
	dataIndex map[int]*Client
	// controlIndex maps a control-channel fd (pre- or post-promotion) to
	// its Client.
	controlIndex map[int]*Client
	// ptyIndex maps a session's PTY master read fd to its Session.
	ptyIndex map[int]*Session

	nextClientID uint64

	terminate                  bool
	exitOnLastSessionTerminate bool

	reapHandle      handle.Handle
	terminateHandle handle.Handle
	idleCheckHandle handle.Handle
}
