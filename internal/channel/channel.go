// Package channel implements BufferedChannel, the non-blocking framed I/O
// abstraction from spec.md §4.2: a Handle plus growable read-overflow and
// write-deferred back-buffers, so the reactor dispatch loop never stalls
// on a partial read or an EAGAIN write.
//
// The read/write chunking and back-buffer draining here are the Go
// translation of internal/daemon/instance.go's ptyReader loop (buffer,
// forward-if-attached, trim-on-overflow) generalized from "one fixed
// consumer" to "drain until EAGAIN, buffer the remainder".
package channel

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mnmxhq/mnmx/internal/handle"
)

// ErrChannelFailed is returned by any operation on a channel whose failed
// flag is set. Modeled on smux's dedicated sentinel-error style
// (ErrInvalidProtocol, ErrTimeout) rather than ad-hoc string wrapping,
// since callers must branch on this programmatically to evict the
// channel from the reactor.
var ErrChannelFailed = errors.New("channel: failed")

// ErrWouldBlock is returned internally to signal a soft EAGAIN; callers of
// the exported Read, Write and Flush never see it directly.
var ErrWouldBlock = errors.New("channel: would block")

// optimalReadSize bounds how much is pulled from the OS in a single
// non-blocking read call.
const optimalReadSize = 16 * 1024

// Kind distinguishes the channel variants named in spec.md §3.
type Kind int

const (
	// KindDomainSocket is a stream, accept-capable Unix domain socket.
	KindDomainSocket Kind = iota
	// KindPipe is read-xor-write.
	KindPipe
	// KindPtyChannel is a read+write view over a PTY master fd, shared
	// with a sibling view of the same underlying Handle.
	KindPtyChannel
)

// BufferedChannel owns a Handle plus its read/write back-buffers. See
// spec.md §3/§4.2 for the invariants it must uphold.
type BufferedChannel struct {
	ident string
	kind  Kind
	h     handle.Handle

	readOverflow  []byte
	writeDeferred []byte

	failed bool

	// cleanup, if set, is called once on Destroy (e.g. unlink a socket path).
	cleanup func()

	// refs lets two BufferedChannel views share one underlying Handle (the
	// PTY master's read view and write view); the fd only closes once both
	// views have been destroyed. Nil for non-shared channels.
	refs *sharedHandle
}

type sharedHandle struct {
	count int
	h     *handle.Handle
}

// New wraps h as a BufferedChannel identified by ident (used only in logs
// and error messages).
func New(ident string, kind Kind, h handle.Handle) *BufferedChannel {
	return &BufferedChannel{ident: ident, kind: kind, h: h}
}

// NewShared creates two BufferedChannel views (read-labelled and
// write-labelled) over one Handle, per spec.md §9: "two BufferedChannels
// over one PTY master fd". The fd closes when both views have been
// destroyed, implemented with a small reference count rather than the
// source's non-owning weak-wrap pointers.
func NewShared(identRead, identWrite string, h handle.Handle) (read, write *BufferedChannel) {
	shared := &sharedHandle{count: 2, h: &h}
	read = &BufferedChannel{ident: identRead, kind: KindPtyChannel, h: h, refs: shared}
	write = &BufferedChannel{ident: identWrite, kind: KindPtyChannel, h: h, refs: shared}
	return read, write
}

// Handle returns the underlying Handle (for reactor registration).
func (c *BufferedChannel) Handle() handle.Handle { return c.h }

// Ident returns the channel's human identifier.
func (c *BufferedChannel) Ident() string { return c.ident }

// Failed reports whether the channel has been poisoned.
func (c *BufferedChannel) Failed() bool { return c.failed }

// SetFailed poisons the channel: all further reads/writes fail.
func (c *BufferedChannel) SetFailed() { c.failed = true }

// HasBufferedRead reports whether Read has overflow bytes queued.
func (c *BufferedChannel) HasBufferedRead() bool { return len(c.readOverflow) > 0 }

// HasBufferedWrite reports whether Write has deferred bytes queued.
func (c *BufferedChannel) HasBufferedWrite() bool { return len(c.writeDeferred) > 0 }

// Read returns up to n bytes: first from the read-overflow buffer, then
// from one or more non-blocking reads from the OS, stopping at n bytes,
// at a short read, or at EAGAIN. A soft zero-byte read is EOF and sets
// failed.
func (c *BufferedChannel) Read(n int) ([]byte, error) {
	if c.failed {
		return nil, ErrChannelFailed
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]byte, 0, n)
	if len(c.readOverflow) > 0 {
		take := min(n, len(c.readOverflow))
		out = append(out, c.readOverflow[:take]...)
		c.readOverflow = c.readOverflow[take:]
	}

	for len(out) < n {
		want := n - len(out)
		// Each syscall reads a fixed-size chunk capped at optimalReadSize
		// (spec.md §4.2), regardless of want: a small want still reads a
		// full chunk opportunistically, stashing the excess in
		// readOverflow, rather than growing the buffer past the cap when
		// want is larger.
		buf := make([]byte, optimalReadSize)

		r, err := unix.Read(c.h.FD(), buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			c.failed = true
			return out, fmt.Errorf("channel %s: read: %w", c.ident, err)
		}
		if r == 0 {
			c.failed = true
			break
		}

		got := buf[:r]
		if len(got) > want {
			out = append(out, got[:want]...)
			c.readOverflow = append(c.readOverflow, got[want:]...)
		} else {
			out = append(out, got...)
		}
		if r < optimalReadSize {
			// OS returned fewer bytes than asked for: queue empty for now.
			break
		}
	}

	if c.failed && len(out) == 0 {
		return out, ErrChannelFailed
	}
	return out, nil
}

// Write flushes the write-deferred buffer first, then writes b. Returns
// the number of bytes of b accepted by the OS (bytes that landed in the
// deferred buffer instead are not counted, matching spec.md §4.2). EAGAIN
// on any remainder defers it for a future Write or Flush.
func (c *BufferedChannel) Write(b []byte) (int, error) {
	if c.failed {
		return 0, ErrChannelFailed
	}

	if err := c.flush(); err != nil && err != ErrWouldBlock {
		return 0, err
	}
	if len(c.writeDeferred) > 0 {
		// Peer is still backed up; the new bytes queue entirely.
		c.writeDeferred = append(c.writeDeferred, b...)
		return 0, nil
	}

	accepted := 0
	remaining := b
	for len(remaining) > 0 {
		n, err := unix.Write(c.h.FD(), remaining)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				c.writeDeferred = append(c.writeDeferred, remaining...)
				return accepted, nil
			}
			c.failed = true
			return accepted, fmt.Errorf("channel %s: write: %w", c.ident, err)
		}
		accepted += n
		remaining = remaining[n:]
	}
	return accepted, nil
}

// Flush attempts to drain the write-deferred buffer once, non-blockingly.
// Bytes the OS refuses with EAGAIN stay deferred for a later Flush or
// Write; that is not reported as an error.
func (c *BufferedChannel) Flush() error {
	if err := c.flush(); err != ErrWouldBlock {
		return err
	}
	return nil
}

// flush is Flush, but returns ErrWouldBlock while bytes remain deferred.
func (c *BufferedChannel) flush() error {
	if c.failed {
		return ErrChannelFailed
	}
	if len(c.writeDeferred) == 0 {
		return nil
	}

	remaining := c.writeDeferred
	for len(remaining) > 0 {
		n, err := unix.Write(c.h.FD(), remaining)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				c.writeDeferred = remaining
				return ErrWouldBlock
			}
			c.failed = true
			c.writeDeferred = nil
			return fmt.Errorf("channel %s: flush: %w", c.ident, err)
		}
		remaining = remaining[n:]
	}
	c.writeDeferred = nil
	return nil
}

// TryFreeResources is a hint that the peer is idle; shrinks buffers that
// have grown but are now empty, so a long-idle channel doesn't pin large
// backing arrays.
func (c *BufferedChannel) TryFreeResources() {
	if len(c.readOverflow) == 0 && cap(c.readOverflow) > optimalReadSize {
		c.readOverflow = nil
	}
	if len(c.writeDeferred) == 0 && cap(c.writeDeferred) > optimalReadSize {
		c.writeDeferred = nil
	}
}

// Destroy closes the underlying Handle (respecting shared ownership) and
// runs the cleanup hook, if any, exactly once across both views of a
// shared Handle.
func (c *BufferedChannel) Destroy() {
	if c.cleanup != nil {
		cleanup := c.cleanup
		c.cleanup = nil
		cleanup()
	}

	if c.refs != nil {
		c.refs.count--
		if c.refs.count > 0 {
			c.h = handle.InvalidHandle()
			return
		}
		c.refs.h.Close()
		c.h = handle.InvalidHandle()
		return
	}

	c.h.Close()
}

// SetCleanup installs a hook run once when Destroy is called (e.g. unlink
// a listening socket's filesystem path).
func (c *BufferedChannel) SetCleanup(fn func()) { c.cleanup = fn }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
