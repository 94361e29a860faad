package server

import (
	"fmt"
	"time"

	"github.com/mnmxhq/mnmx/internal/proto"
	"github.com/mnmxhq/mnmx/internal/pty"
	"github.com/mnmxhq/mnmx/internal/reactor"
)

const defaultRows, defaultCols = 24, 80

// handleMakeSession spawns a PTY-backed process and registers a new
// Session, disambiguating a colliding name by appending "-2", "-3", …
// rather than failing outright (SPEC_FULL.md §12's MakeSessionResponse
// supplement).
func (s *Server) handleMakeSession(c *Client, m proto.MakeSessionRequest) {
	opts := m.Spawn
	if opts.Program == "" {
		// A bare name doubles as a profile key (internal/config.Profile,
		// SPEC_FULL.md §10.3): no new wire field needed to pick a profile,
		// since MakeSessionRequest without an explicit Program already
		// means "use the server's defaults for this name".
		if profile, ok := s.cfg.Profiles[m.Name]; ok {
			opts.Program = profile.Program
			if len(opts.Args) == 0 {
				opts.Args = profile.Args
			}
			for k, v := range profile.Env {
				opts.EnvSet = append(opts.EnvSet, [2]string{k, v})
			}
		} else {
			opts.Program = s.cfg.DefaultShell
		}
	}

	name := m.Name
	for n, suffix := 2, 2; ; n, suffix = n+1, suffix+1 {
		if _, taken := s.sessions[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s-%d", m.Name, suffix)
	}

	env := append([]string(nil), s.baseEnv...)
	env = append(env, "MONOMUX_SOCKET="+s.socketPath, "MONOMUX_SESSION="+name)

	proc, err := pty.Spawn(opts, "", env, defaultRows, defaultCols)
	if err != nil {
		s.Log.Printf("make-session %q: %v", name, err)
		s.sendControl(c.control, proto.MakeSessionResponse{Success: false})
		return
	}

	sess := &Session{
		name:            name,
		createdAt:       time.Now(),
		lastActiveAt:    time.Now(),
		proc:            proc,
		unattachedSince: time.Now(),
	}
	s.sessions[name] = sess
	s.ptyIndex[sess.proc.Read.Handle().FD()] = sess
	s.reactor.Listen(sess.proc.Read.Handle(), true, false)

	s.sendControl(c.control, proto.MakeSessionResponse{Success: true, ActualName: name})
}

// handleAttach resolves name to a Session and, on success, appends c to
// its attached list. A client already attached elsewhere is kicked
// rather than silently re-attached (spec.md §4.4).
func (s *Server) handleAttach(c *Client, m proto.AttachRequest) {
	if c.session != nil {
		s.kick(c, "already attached")
		return
	}

	sess, ok := s.sessions[m.Name]
	if !ok {
		s.sendControl(c.control, proto.AttachResponse{Success: false})
		return
	}

	sess.attached = append(sess.attached, c)
	sess.unattachedSince = time.Time{}
	sess.idleLogged = false
	c.session = sess
	s.sendControl(c.control, proto.AttachResponse{Success: true, Session: sess.info()})

	// Push any output already sitting in the PTY's read-overflow buffer
	// through to the newly attached data socket without waiting for the
	// next real readiness event.
	if sess.proc.Read.HasBufferedRead() {
		s.reactor.Schedule(sess.proc.Read.Handle(), true, false)
	}
}

func (s *Server) handleDetach(c *Client, m proto.DetachRequest) {
	switch m.Mode {
	case proto.DetachAll:
		if c.session == nil {
			s.kick(c, "detach-all from unattached client")
			return
		}
		sess := c.session
		for _, ac := range append([]*Client(nil), sess.attached...) {
			s.detachOne(ac, detachedDetach())
		}
	case proto.DetachLatest:
		if c.session == nil {
			s.kick(c, "detach-latest from unattached client")
			return
		}
		target := c.session.latestAttached()
		if target != nil {
			s.detachOne(target, detachedDetach())
		}
	}
	s.sendControl(c.control, proto.DetachResponse{})
}

// detachOne removes c from its Session, notifies it, and closes its data
// channel cleanly before the notification's effects are visible, per
// spec.md §4.4 "no lost bytes can arrive after the notification".
func (s *Server) detachOne(c *Client, notice proto.DetachedNotification) {
	if c.session != nil {
		c.session.detachClient(c)
		c.session = nil
	}
	if c.data != nil {
		s.reactor.Stop(c.data.Handle())
		delete(s.dataIndex, c.data.Handle().FD())
		c.data.Destroy()
		c.data = nil
	}
	s.sendControl(c.control, notice)
}

// checkIdleSessions is invoked off the idle-ticker bridge (installIdleTicker);
// it logs once per session that has gone unattached longer than
// config.Config.IdleLogThresholdSeconds (SPEC_FULL.md §10.3), resetting the
// moment a client reattaches so the notice doesn't repeat every tick.
func (s *Server) checkIdleSessions() {
	threshold := time.Duration(s.cfg.IdleLogThresholdSeconds) * time.Second
	if threshold <= 0 {
		return
	}
	now := time.Now()
	for _, sess := range s.sessions {
		if len(sess.attached) > 0 || sess.unattachedSince.IsZero() || sess.idleLogged {
			continue
		}
		if idle := now.Sub(sess.unattachedSince); idle >= threshold {
			s.Log.Printf("session %q idle (unattached) for %s", sess.name, idle.Round(time.Second))
			sess.idleLogged = true
		}
	}
}

// reapSessions is invoked off the SIGCHLD bridge; it non-blockingly
// checks every live session's process and tears down any that have
// exited.
func (s *Server) reapSessions() {
	for _, sess := range s.sessions {
		if r := sess.proc.ReapIfDead(); r.Dead {
			s.onSessionExit(sess, r.ExitCode)
		}
	}
}

func (s *Server) onPTYReady(sess *Session, ev reactor.Event) {
	if ev.Readable {
		s.drainSessionOutput(sess)
	}
	if sess.proc.Read.Failed() {
		r := sess.proc.ReapIfDead()
		s.onSessionExit(sess, r.ExitCode)
		return
	}
	if ev.Writable {
		sess.proc.Write.Flush()
	}
	s.reactor.Listen(sess.proc.Read.Handle(), true, sess.proc.Write.HasBufferedWrite())
}

func (s *Server) drainSessionOutput(sess *Session) {
	for {
		chunk, err := sess.proc.Read.Read(16 * 1024)
		if len(chunk) == 0 {
			return
		}
		sess.bytesOut += uint64(len(chunk))
		sess.lastActiveAt = time.Now()
		for _, c := range sess.attached {
			if c.data == nil || c.data.Failed() {
				continue
			}
			if _, werr := c.data.Write(chunk); werr != nil {
				s.Log.Printf("client %d: data write: %v", c.id, werr)
			}
			s.refreshInterest(c.data)
		}
		if err != nil || len(chunk) < 16*1024 {
			return
		}
	}
}

// onDataReady relays raw bytes between a client's data socket and its
// attached session's PTY master.
func (s *Server) onDataReady(c *Client, ev reactor.Event) {
	if ev.Readable {
		for {
			chunk, err := c.data.Read(16 * 1024)
			if len(chunk) == 0 {
				break
			}
			if c.session != nil {
				if _, werr := c.session.proc.Write.Write(chunk); werr == nil {
					c.session.bytesIn += uint64(len(chunk))
					c.session.lastActiveAt = time.Now()
				}
				s.reactor.Listen(c.session.proc.Write.Handle(), true, c.session.proc.Write.HasBufferedWrite())
			}
			if err != nil || len(chunk) < 16*1024 {
				break
			}
		}
	}
	if c.data != nil && c.data.Failed() {
		s.destroyClient(c)
		return
	}
	if ev.Writable && c.data != nil {
		c.data.Flush()
		s.refreshInterest(c.data)
	}
}

// onSessionExit implements spec.md §4.4 "Session process exit": drain,
// notify, close, remove.
func (s *Server) onSessionExit(sess *Session, exitCode int) {
	s.teardownSession(sess, detachedExit(exitCode))
	if s.exitOnLastSessionTerminate && len(s.sessions) == 0 {
		s.terminate = true
	}
}

func (s *Server) teardownSession(sess *Session, notice proto.DetachedNotification) {
	s.drainSessionOutput(sess)
	for _, c := range append([]*Client(nil), sess.attached...) {
		s.sendControl(c.control, notice)
		c.session = nil
		if c.data != nil {
			s.reactor.Stop(c.data.Handle())
			delete(s.dataIndex, c.data.Handle().FD())
			c.data.Destroy()
			c.data = nil
		}
	}
	sess.attached = nil

	s.reactor.Stop(sess.proc.Read.Handle())
	delete(s.ptyIndex, sess.proc.Read.Handle().FD())
	sess.proc.Close()

	delete(s.sessions, sess.name)
}
