// Package client implements the mirror-side half of spec.md §4.6: the
// two-socket connect/promote handshake, the synchronous request/response
// RPCs, and the interactive attach loop.
//
// Unlike internal/server, which drives everything off a single epoll
// reactor, the client stays with the teacher's cmd/grove/main.go shape:
// one goroutine per direction of traffic plus plain blocking reads. But
// spec.md §4.6's "control-response inhibit" still applies once attached:
// the control socket itself has exactly one reader, a dedicated
// controlReader goroutine that dispatches each frame by kind — RPC
// responses to whichever call is waiting, DetachedNotification to the
// watcher — so an in-flight RPC and the notification watcher never race
// to read the same bytes off the wire (DESIGN.md, internal/client).
package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mnmxhq/mnmx/internal/proto"
)

// Client owns the two sockets of a promoted connection: control (framed
// messages) and data (raw PTY bytes), plus the id/nonce pair the server
// assigned during the handshake.
type Client struct {
	control net.Conn
	data    net.Conn
	id      proto.ClientID

	writeMu sync.Mutex
	rpcMu   sync.Mutex

	pending       chan proto.Message
	notifications chan proto.DetachedNotification
	done          chan struct{}
	doneOnce      sync.Once

	readErrMu sync.Mutex
	readErr   error
}

// Connect dials socketPath twice and performs the control handshake plus
// data-socket promotion described in spec.md §4.4.
func Connect(socketPath string) (*Client, error) {
	control, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("client: dial control: %w", err)
	}

	if _, err := readExpect[proto.ConnectionNotification](control); err != nil {
		control.Close()
		return nil, err
	}
	if err := writeTo(control, proto.ClientIDRequest{}); err != nil {
		control.Close()
		return nil, err
	}
	idResp, err := readExpect[proto.ClientIDResponse](control)
	if err != nil {
		control.Close()
		return nil, err
	}

	data, err := net.Dial("unix", socketPath)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("client: dial data: %w", err)
	}
	if _, err := readExpect[proto.ConnectionNotification](data); err != nil {
		control.Close()
		data.Close()
		return nil, err
	}
	if err := writeTo(data, proto.ClientIDRequest{}); err != nil {
		control.Close()
		data.Close()
		return nil, err
	}
	if _, err := readExpect[proto.ClientIDResponse](data); err != nil {
		control.Close()
		data.Close()
		return nil, err
	}
	if err := writeTo(data, proto.DataSocketRequest{Client: idResp.Client}); err != nil {
		control.Close()
		data.Close()
		return nil, err
	}
	promo, err := readExpect[proto.DataSocketResponse](data)
	if err != nil {
		control.Close()
		data.Close()
		return nil, err
	}
	if !promo.Success {
		control.Close()
		data.Close()
		return nil, fmt.Errorf("client: data socket promotion rejected")
	}

	c := &Client{
		control:       control,
		data:          data,
		id:            idResp.Client,
		pending:       make(chan proto.Message),
		notifications: make(chan proto.DetachedNotification, 4),
		done:          make(chan struct{}),
	}
	go c.controlReader()
	return c, nil
}

// Close tears down both sockets and unblocks any goroutine waiting on an
// RPC response or a notification.
func (c *Client) Close() {
	c.control.Close()
	c.data.Close()
	c.fail(net.ErrClosed)
}

// DataConn exposes the raw byte pipe for the attach loop's stdout/stdin
// relay goroutines (package cmd/mnmx owns the terminal handling).
func (c *Client) DataConn() net.Conn { return c.data }

// ControlConn exposes the framed control connection for tests that need
// to drive the wire protocol directly. Application code should use the
// Request*/NextNotification methods instead, which go through
// controlReader's dispatch and so don't race it.
func (c *Client) ControlConn() net.Conn { return c.control }

// controlReader is the control socket's single reader. It runs for the
// lifetime of the Client, reading one frame at a time and routing it by
// kind: a DetachedNotification goes to the notification watcher, anything
// else is assumed to be the response to whichever RPC is currently
// waiting in rpc(). This is what lets an RPC call (e.g. RequestDetach,
// issued from a stdin-reading goroutine) and the notification watcher
// (NextNotification, on its own goroutine) share one net.Conn safely.
func (c *Client) controlReader() {
	for {
		body, err := readFrame(c.control)
		if err != nil {
			c.fail(err)
			return
		}
		msg, err := proto.Decode(body)
		if err != nil {
			c.fail(err)
			return
		}
		if notice, ok := msg.(proto.DetachedNotification); ok {
			select {
			case c.notifications <- notice:
			case <-c.done:
				return
			}
			continue
		}
		select {
		case c.pending <- msg:
		case <-c.done:
			return
		}
	}
}

// fail records the first error that ended controlReader (or an explicit
// Close) and wakes every goroutine blocked in rpc() or NextNotification.
func (c *Client) fail(err error) {
	c.readErrMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.readErrMu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) readError() error {
	c.readErrMu.Lock()
	defer c.readErrMu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return io.ErrClosedPipe
}

// rpc writes req on the control socket and waits for controlReader to
// deliver the next non-notification frame. rpcMu serializes concurrent
// RPC callers so "the next pending frame" is unambiguous; writeMu (taken
// inside write) additionally guards against interleaving with
// fire-and-forget writes like NotifyWindowSize/SendSignal.
func (c *Client) rpc(req proto.Message) (proto.Message, error) {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()

	if err := c.write(req); err != nil {
		return nil, err
	}
	select {
	case msg := <-c.pending:
		return msg, nil
	case <-c.done:
		return nil, c.readError()
	}
}

func rpcAs[T proto.Message](c *Client, req proto.Message) (T, error) {
	var zero T
	msg, err := c.rpc(req)
	if err != nil {
		return zero, err
	}
	typed, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("client: expected kind %s, got %s", zero.Kind(), msg.Kind())
	}
	return typed, nil
}

func (c *Client) write(msg proto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeTo(c.control, msg)
}

// RequestSessionList performs the synchronous SessionListRequest RPC.
func (c *Client) RequestSessionList() ([]proto.SessionInfo, error) {
	resp, err := rpcAs[proto.SessionListResponse](c, proto.SessionListRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// RequestMakeSession performs the synchronous MakeSessionRequest RPC,
// returning the server-disambiguated session name (SPEC_FULL.md §12).
func (c *Client) RequestMakeSession(name string, spawn proto.SpawnOptions) (string, bool, error) {
	resp, err := rpcAs[proto.MakeSessionResponse](c, proto.MakeSessionRequest{Name: name, Spawn: spawn})
	if err != nil {
		return "", false, err
	}
	return resp.ActualName, resp.Success, nil
}

// RequestAttach performs the synchronous AttachRequest RPC.
func (c *Client) RequestAttach(name string) (proto.SessionInfo, bool, error) {
	resp, err := rpcAs[proto.AttachResponse](c, proto.AttachRequest{Name: name})
	if err != nil {
		return proto.SessionInfo{}, false, err
	}
	return resp.Session, resp.Success, nil
}

// RequestDetach performs the synchronous DetachRequest RPC. Safe to call
// concurrently with NextNotification running on another goroutine: the
// DetachedNotification the server sends the detaching client before its
// DetachResponse (internal/server/session.go) is routed to the
// notification watcher by controlReader, not consumed here.
func (c *Client) RequestDetach(mode proto.DetachMode) error {
	_, err := rpcAs[proto.DetachResponse](c, proto.DetachRequest{Mode: mode})
	return err
}

// RequestStatistics performs the synchronous StatisticsRequest RPC.
func (c *Client) RequestStatistics() (string, error) {
	resp, err := rpcAs[proto.StatisticsResponse](c, proto.StatisticsRequest{})
	if err != nil {
		return "", err
	}
	return resp.Contents, nil
}

// NotifyWindowSize sends a RedrawNotification; it is fire-and-forget, no
// response is expected (spec.md §4.6).
func (c *Client) NotifyWindowSize(rows, cols uint16) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeTo(c.control, proto.RedrawNotification{Rows: rows, Cols: cols})
}

// SendSignal sends a SignalRequest; fire-and-forget.
func (c *Client) SendSignal(signum int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeTo(c.control, proto.SignalRequest{SigNum: signum})
}

// SendData writes raw bytes to the data channel.
func (c *Client) SendData(b []byte) error {
	_, err := c.data.Write(b)
	return err
}

// NextNotification blocks for the next DetachedNotification routed by
// controlReader. Used by the attach loop's watcher goroutine; it never
// touches the control socket directly, so it cannot steal a frame meant
// for an RPC in flight on another goroutine.
func (c *Client) NextNotification() (proto.DetachedNotification, error) {
	select {
	case n := <-c.notifications:
		return n, nil
	case <-c.done:
		return proto.DetachedNotification{}, c.readError()
	}
}

func writeTo(w io.Writer, msg proto.Message) error {
	_, err := w.Write(proto.Encode(msg))
	return err
}

// readFrame blocks for exactly one size-prefixed frame and returns its
// undecoded kind+payload body.
func readFrame(r io.Reader) ([]byte, error) {
	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("client: read frame size: %w", err)
	}
	size := binary.BigEndian.Uint64(sizeBuf[:])
	const maxFrame = 16 * 1024 * 1024
	if size > maxFrame {
		return nil, fmt.Errorf("client: frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("client: read frame body: %w", err)
	}
	return body, nil
}

// readExpect blocks for exactly one framed message and type-asserts it to
// T. Used only during Connect's handshake, before controlReader starts —
// at that point Connect is still the sole reader of both sockets, so a
// plain sequential read is safe.
func readExpect[T proto.Message](r io.Reader) (T, error) {
	var zero T
	body, err := readFrame(r)
	if err != nil {
		return zero, err
	}
	return proto.DecodeAs[T](body)
}
