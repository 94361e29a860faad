// Package handle provides Handle, an owning wrapper around an OS file
// descriptor used throughout the reactor, channel, and PTY layers.
package handle

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Invalid is the sentinel value distinguishing "no handle" from any
// valid, owned file descriptor.
const Invalid = -1

// Handle is an owning wrapper around a raw OS file descriptor. Exactly one
// Handle owns a given fd at a time; moving ownership is done with Take,
// never by copying the struct and using both.
type Handle struct {
	fd int
}

// New wraps an already-open fd. The returned Handle owns it.
func New(fd int) Handle {
	return Handle{fd: fd}
}

// InvalidHandle returns the distinguished invalid Handle.
func InvalidHandle() Handle {
	return Handle{fd: Invalid}
}

// Valid reports whether h refers to an open descriptor.
func (h Handle) Valid() bool {
	return h.fd != Invalid
}

// FD returns the raw descriptor. Callers must not close it directly;
// use Close so the Handle's bookkeeping stays consistent.
func (h Handle) FD() int {
	return h.fd
}

// Take moves ownership out of h, leaving h invalidated, for relocating a
// Handle into a new owner.
func (h *Handle) Take() Handle {
	out := *h
	h.fd = Invalid
	return out
}

// Close releases the descriptor, if any, and invalidates h. Safe to call
// on an already-invalid Handle.
func (h *Handle) Close() error {
	if !h.Valid() {
		return nil
	}
	fd := h.fd
	h.fd = Invalid
	return unix.Close(fd)
}

// SetNonblock puts the descriptor into non-blocking mode, required before
// any Handle is registered with the reactor.
func (h Handle) SetNonblock() error {
	if !h.Valid() {
		return fmt.Errorf("handle: SetNonblock on invalid handle")
	}
	return unix.SetNonblock(h.fd, true)
}

func (h Handle) String() string {
	if !h.Valid() {
		return "handle(invalid)"
	}
	return fmt.Sprintf("handle(%d)", h.fd)
}
