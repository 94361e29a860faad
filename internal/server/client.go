package server

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/mnmxhq/mnmx/internal/channel"
	"github.com/mnmxhq/mnmx/internal/proto"
	"github.com/mnmxhq/mnmx/internal/reactor"
)

// sendControl encodes and writes msg to ch. A write failure marks the
// channel failed; the next dispatch on that fd will observe it and
// destroy the owning Client, matching spec.md §7's "peer-gone" handling.
func (s *Server) sendControl(ch *channel.BufferedChannel, msg proto.Message) {
	if ch == nil || ch.Failed() {
		return
	}
	if _, err := ch.Write(proto.Encode(msg)); err != nil {
		s.Log.Printf("control write on %s failed: %v", ch.Ident(), err)
	}
	s.refreshInterest(ch)
}

func (s *Server) refreshInterest(ch *channel.BufferedChannel) {
	if ch == nil || ch.Failed() {
		return
	}
	s.reactor.Listen(ch.Handle(), true, ch.HasBufferedWrite())
}

// kick sends DetachedNotification{Kicked(reason)} and destroys the
// Client, per spec.md §7 "protocol violation".
func (s *Server) kick(c *Client, reason string) {
	s.sendControl(c.control, detachedKicked(reason))
	s.destroyClient(c)
}

func (s *Server) destroyClient(c *Client) {
	if c.session != nil {
		c.session.detachClient(c)
		c.session = nil
	}
	if c.control != nil {
		s.reactor.Stop(c.control.Handle())
		delete(s.controlIndex, c.control.Handle().FD())
		c.control.Destroy()
	}
	if c.data != nil {
		s.reactor.Stop(c.data.Handle())
		delete(s.dataIndex, c.data.Handle().FD())
		c.data.Destroy()
	}
	delete(s.clients, c.id)
}

func newNonce(avoid uint64, hasAvoid bool) uint64 {
	for {
		var b [8]byte
		rand.Read(b[:])
		n := binary.BigEndian.Uint64(b[:])
		if !hasAvoid || n != avoid {
			return n
		}
	}
}

// onControlReady drains readable bytes from c's control channel, extracts
// complete frames, and dispatches each as a control-protocol message.
func (s *Server) onControlReady(c *Client, ev reactor.Event) {
	if ev.Readable {
		s.pumpControlReads(c)
	}
	if c.control != nil && c.control.Failed() {
		s.destroyClient(c)
		return
	}
	if ev.Writable && c.control != nil {
		c.control.Flush()
		s.refreshInterest(c.control)
	}
}

func (s *Server) pumpControlReads(c *Client) {
	for {
		chunk, err := c.control.Read(4096)
		if err != nil || c.control.Failed() {
			return
		}
		if len(chunk) == 0 {
			break
		}
		c.frames.Feed(chunk)
		if len(chunk) < 4096 {
			break
		}
	}
	for {
		body, ok, err := c.frames.Next()
		if err != nil {
			s.kick(c, "malformed frame")
			return
		}
		if !ok {
			return
		}
		msg, err := proto.Decode(body)
		if err != nil {
			s.kick(c, "undecodable message")
			return
		}
		// A DetachRequest is not activity: its issuer must not become the
		// "latest" client that its own DetachRequest{Latest} selects.
		if _, isDetach := msg.(proto.DetachRequest); !isDetach {
			c.touch()
		}
		s.handleControlMessage(c, msg)
		if _, dead := s.clients[c.id]; !dead {
			return
		}
	}
}

func (s *Server) handleControlMessage(c *Client, msg proto.Message) {
	switch m := msg.(type) {
	case proto.ClientIDRequest:
		s.handleClientIDRequest(c)
	case proto.DataSocketRequest:
		s.handlePromotion(c, m)
	case proto.SessionListRequest:
		s.handleSessionList(c)
	case proto.MakeSessionRequest:
		s.handleMakeSession(c, m)
	case proto.AttachRequest:
		s.handleAttach(c, m)
	case proto.DetachRequest:
		s.handleDetach(c, m)
	case proto.SignalRequest:
		s.handleSignal(c, m)
	case proto.RedrawNotification:
		s.handleRedraw(c, m)
	case proto.StatisticsRequest:
		s.sendControl(c.control, proto.StatisticsResponse{Contents: s.Statistics()})
	default:
		s.kick(c, "unexpected message kind")
	}
}

func (s *Server) handleClientIDRequest(c *Client) {
	if c.gotClientID {
		s.kick(c, "duplicate ClientIDRequest")
		return
	}
	c.gotClientID = true
	c.pendingNonce = newNonce(0, false)
	c.hasPendingNonce = true
	s.sendControl(c.control, proto.ClientIDResponse{Client: proto.ClientID{ID: c.id, Nonce: c.pendingNonce}})
}

// handlePromotion implements spec.md §4.4's data-socket promotion: c is
// the ephemeral Client owning the just-handshaken second connection; m
// names the *original* Client's id/nonce. On match, c.control becomes
// the original Client's data channel and c itself is discarded.
func (s *Server) handlePromotion(c *Client, m proto.DataSocketRequest) {
	original, ok := s.clients[m.Client.ID]
	if !ok || !original.hasPendingNonce || original.pendingNonce != m.Client.Nonce || original == c {
		s.sendControl(c.control, proto.DataSocketResponse{Success: false})
		s.destroyClient(c)
		return
	}

	dataCh := c.control
	c.control = nil
	delete(s.controlIndex, dataCh.Handle().FD())
	delete(s.clients, c.id)

	original.hasPendingNonce = false
	original.data = dataCh
	s.dataIndex[dataCh.Handle().FD()] = original

	s.reactor.Stop(dataCh.Handle())
	s.reactor.Listen(dataCh.Handle(), true, false)

	s.sendControl(dataCh, proto.DataSocketResponse{Success: true})
}

func (s *Server) handleSessionList(c *Client) {
	infos := make([]proto.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.info())
	}
	s.sendControl(c.control, proto.SessionListResponse{Sessions: infos})
}

func (s *Server) handleSignal(c *Client, m proto.SignalRequest) {
	if c.session == nil {
		return
	}
	if err := c.session.proc.Signal(m.SigNum); err != nil {
		s.Log.Printf("session %s: signal %d: %v", c.session.name, m.SigNum, err)
	}
}

func (s *Server) handleRedraw(c *Client, m proto.RedrawNotification) {
	if c.session == nil {
		// Open Question decision (SPEC_FULL.md §13.1): no-op on an
		// unattached client.
		return
	}
	if err := c.session.proc.Setsize(m.Rows, m.Cols); err != nil {
		s.Log.Printf("session %s: setsize: %v", c.session.name, err)
	}
}
