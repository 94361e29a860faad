package server

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mnmxhq/mnmx/internal/channel"
	"github.com/mnmxhq/mnmx/internal/config"
	"github.com/mnmxhq/mnmx/internal/handle"
	"github.com/mnmxhq/mnmx/internal/reactor"
)

// New builds a Server listening on socketPath. cfg supplies the default
// shell and exit_on_last_session_terminate policy (internal/config,
// §10.3); baseEnv is the environment every spawned Session's process
// starts from (typically os.Environ(), with MONOMUX_SOCKET/
// MONOMUX_SESSION added per-session in MakeSession).
func New(logger *log.Logger, socketPath string, cfg config.Config, baseEnv []string) (*Server, error) {
	r, err := reactor.New(64)
	if err != nil {
		return nil, fmt.Errorf("server: new reactor: %w", err)
	}

	listenH, err := listenUnix(socketPath)
	if err != nil {
		r.Close()
		return nil, err
	}

	s := &Server{
		Log:                        logger,
		reactor:                    r,
		listenH:                    listenH,
		socketPath:                 socketPath,
		cfg:                        cfg,
		baseEnv:                    baseEnv,
		clients:                    map[uint64]*Client{},
		sessions:                   map[string]*Session{},
		dataIndex:                  map[int]*Client{},
		controlIndex:               map[int]*Client{},
		ptyIndex:                   map[int]*Session{},
		exitOnLastSessionTerminate: cfg.ExitOnLastSessionTerminate,
		reapHandle:                 handle.New(-2),
		terminateHandle:            handle.New(-3),
		idleCheckHandle:            handle.New(-4),
	}

	if err := r.Listen(listenH, true, false); err != nil {
		r.Close()
		listenH.Close()
		return nil, fmt.Errorf("server: register listener: %w", err)
	}

	return s, nil
}

// installSignals bridges SIGCHLD (a session's child may have exited) and
// SIGINT/SIGTERM (shutdown request) into the reactor's synthetic-event
// queue, per spec.md §9's "OS-signal-to-synthetic-reactor-event bridge".
// Go's runtime already delivers signals to a channel off a dedicated
// goroutine; that goroutine's only job is to call Schedule, which is
// the thread-safe injection point the reactor promises.
func (s *Server) installSignals() chan<- struct{} {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, unix.SIGCHLD, unix.SIGINT, unix.SIGTERM)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case unix.SIGCHLD:
					s.reactor.Schedule(s.reapHandle, true, false)
				case unix.SIGINT, unix.SIGTERM:
					s.reactor.Schedule(s.terminateHandle, true, false)
				}
			case <-stop:
				signal.Stop(sigCh)
				return
			}
		}
	}()
	return stop
}

// installIdleTicker bridges a periodic timer into the reactor the same
// way installSignals bridges SIGCHLD/SIGINT/SIGTERM: a dedicated goroutine
// whose only job is to call the thread-safe Schedule. Returns nil if idle
// logging is disabled (config.Config.IdleLogThresholdSeconds == 0).
func (s *Server) installIdleTicker() chan<- struct{} {
	if s.cfg.IdleLogThresholdSeconds <= 0 {
		return nil
	}
	interval := time.Duration(s.cfg.IdleLogThresholdSeconds) * time.Second
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.reactor.Schedule(s.idleCheckHandle, true, false)
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}()
	return stop
}

// Run drives the reactor dispatch loop until terminate is requested.
func (s *Server) Run() error {
	stopSignals := s.installSignals()
	defer close(stopSignals)

	if stopIdle := s.installIdleTicker(); stopIdle != nil {
		defer close(stopIdle)
	}

	s.Log.Printf("mnmxd listening on %s", s.socketPath)

	for !s.terminate {
		events, err := s.reactor.Wait()
		if err != nil {
			s.shutdown()
			return fmt.Errorf("server: reactor wait: %w", err)
		}
		for _, ev := range events {
			s.dispatch(ev)
		}
	}

	s.shutdown()
	return nil
}

func (s *Server) dispatch(ev reactor.Event) {
	fd := ev.Handle.FD()

	switch fd {
	case s.reapHandle.FD():
		s.reapSessions()
		return
	case s.terminateHandle.FD():
		s.terminate = true
		return
	case s.idleCheckHandle.FD():
		s.checkIdleSessions()
		return
	case s.listenH.FD():
		if err := s.acceptLoop(); err != nil {
			s.Log.Printf("server: fatal accept error: %v", err)
			s.terminate = true
		}
		return
	}

	if c, ok := s.dataIndex[fd]; ok {
		s.onDataReady(c, ev)
		return
	}
	if c, ok := s.controlIndex[fd]; ok {
		s.onControlReady(c, ev)
		return
	}
	if sess, ok := s.ptyIndex[fd]; ok {
		s.onPTYReady(sess, ev)
		return
	}
}

// onAccept registers a freshly accepted connection as a pre-handshake
// Client and sends ConnectionNotification{true}, per spec.md §4.4.
func (s *Server) onAccept(fd int) {
	h := handle.New(fd)
	s.nextClientID++
	id := s.nextClientID

	c := &Client{
		id:           id,
		control:      channel.New(fmt.Sprintf("client-%d-control", id), channel.KindDomainSocket, h),
		createdAt:    time.Now(),
		lastActiveAt: time.Now(),
	}
	s.clients[id] = c
	s.controlIndex[fd] = c

	if err := s.reactor.Listen(h, true, false); err != nil {
		s.Log.Printf("server: register client %d: %v", id, err)
		s.destroyClient(c)
		return
	}

	s.sendControl(c.control, connectionNotification(true, ""))
}

// shutdown tears down every Session with ServerShutdown notifications to
// their attached Clients, closes every channel, and unlinks the socket.
func (s *Server) shutdown() {
	for _, sess := range s.sessions {
		s.teardownSession(sess, detachedServerShutdown())
	}
	for _, c := range s.clients {
		if c.control != nil {
			c.control.Destroy()
		}
		if c.data != nil {
			c.data.Destroy()
		}
	}
	s.listenH.Close()
	os.Remove(s.socketPath)
	s.reactor.Close()
	s.Log.Printf("mnmxd shutdown complete")
}

// Statistics renders a human-readable snapshot, per spec.md §4.4. The
// format is frozen as non-machine-readable (SPEC_FULL.md §13.3).
func (s *Server) Statistics() string {
	out := fmt.Sprintf("mnmxd on %s\nsessions: %d\nclients: %d\n", s.socketPath, len(s.sessions), len(s.clients))
	for name, sess := range s.sessions {
		out += fmt.Sprintf("  %s pid=%d attached=%d bytes_in=%d bytes_out=%d age=%s\n",
			name, sess.proc.PID(), len(sess.attached), sess.bytesIn, sess.bytesOut, time.Since(sess.createdAt).Round(time.Second))
	}
	return out
}
