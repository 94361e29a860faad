//go:build linux

// Package reactor implements the single-threaded event loop described in
// spec.md §4.1: one epoll(7) instance multiplexing readiness across every
// registered handle, plus an eventfd(2)-backed mechanism for injecting
// synthetic ("scheduled") events ahead of whatever the kernel reports.
//
// Grounded on original_source/include/core/monomux/system/Event.hpp, the
// only component in this repo with no goroutine-based teacher analogue:
// grove and mhist are both goroutine-per-connection designs, but the spec's
// ordering guarantees (scheduled-before-system, §8 invariant 5) require an
// actual batched-readiness primitive, not a channel select.
package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mnmxhq/mnmx/internal/handle"
)

// Event describes one readiness notification for a registered Handle.
type Event struct {
	Handle   handle.Handle
	Readable bool
	Writable bool
}

// Reactor multiplexes readiness across registered handles. It is not safe
// for concurrent use: the whole point of the design is that exactly one
// goroutine drives it.
type Reactor struct {
	epfd int

	// wake is the eventfd used to inject synthetic events; reading it
	// never blocks once schedule() has bumped it, and its readiness is
	// always hidden from the returned event batch.
	wake     int
	wakeFD   handle.Handle
	watchSet map[int]watched // keyed by raw fd
	maxEvents int

	mu        sync.Mutex // guards scheduled, since schedule() may be called from a signal-safe context
	scheduled []Event

	terminate bool
}

type watched struct {
	h             handle.Handle
	read, write   bool
}

// New creates a Reactor able to report up to maxEvents per Wait() call.
func New(maxEvents int) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	r := &Reactor{
		epfd:     epfd,
		wake:     wake,
		wakeFD:   handle.New(wake),
		watchSet: make(map[int]watched),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wake, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wake),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wake)
		return nil, fmt.Errorf("reactor: register eventfd: %w", err)
	}
	r.maxEvents = maxEvents
	return r, nil
}

// Listen begins watching h for read and/or write readiness. Idempotent:
// calling it again with the same arguments for an already-registered
// handle is a no-op; calling it with different flags rewrites them.
func (r *Reactor) Listen(h handle.Handle, read, write bool) error {
	if !h.Valid() {
		return fmt.Errorf("reactor: Listen on invalid handle")
	}
	fd := h.FD()
	events := epollMask(read, write)

	if _, ok := r.watchSet[fd]; ok {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
			Events: events,
			Fd:     int32(fd),
		}); err != nil {
			return fmt.Errorf("reactor: epoll_ctl mod: %w", err)
		}
	} else {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: events,
			Fd:     int32(fd),
		}); err != nil {
			return fmt.Errorf("reactor: epoll_ctl add: %w", err)
		}
	}
	r.watchSet[fd] = watched{h: h, read: read, write: write}
	return nil
}

// Stop ceases watching h. A no-op if h was not registered.
func (r *Reactor) Stop(h handle.Handle) {
	if !h.Valid() {
		return
	}
	fd := h.FD()
	if _, ok := r.watchSet[fd]; !ok {
		return
	}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.watchSet, fd)
}

// Schedule injects a synthetic readiness event for h, to be returned by
// the very next Wait() ahead of any system-reported events. Used so
// internal state transitions (a reaped child, a queued detach) enter the
// same dispatch pipeline as real I/O.
func (r *Reactor) Schedule(h handle.Handle, read, write bool) {
	r.mu.Lock()
	r.scheduled = append(r.scheduled, Event{Handle: h, Readable: read, Writable: write})
	r.mu.Unlock()

	var one [8]byte
	one[7] = 1
	unix.Write(r.wake, one[:])
}

// Terminate requests that the next Wait() return promptly with whatever
// it has, so the dispatch loop can observe the flag and stop.
func (r *Reactor) Terminate() {
	r.terminate = true
	r.Schedule(handle.InvalidHandle(), false, false)
}

// Terminated reports whether Terminate has been called.
func (r *Reactor) Terminated() bool {
	return r.terminate
}

// Wait blocks until at least one registered handle is ready or a
// scheduled event is pending, then returns the batch: scheduled events
// first, system-reported events after. Returning zero events is legal
// (EINTR) and the caller should simply call Wait again.
func (r *Reactor) Wait() ([]Event, error) {
	raw := make([]unix.EpollEvent, max(1, r.maxEvents))
	n, err := unix.EpollWait(r.epfd, raw, -1)
	if err != nil {
		if err != unix.EINTR {
			return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		n = 0
	}

	// Taken after the wakeup, so an event scheduled while epoll_wait was
	// blocked is returned by this call rather than left for a later one.
	r.mu.Lock()
	scheduled := r.scheduled
	r.scheduled = nil
	r.mu.Unlock()

	out := make([]Event, 0, len(scheduled)+n)
	out = append(out, scheduled...)

	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == r.wake {
			// Drain the eventfd counter; its own readiness never surfaces
			// as an Event, only as the scheduled events it unblocked.
			var buf [8]byte
			unix.Read(r.wake, buf[:])
			continue
		}
		w, ok := r.watchSet[fd]
		if !ok {
			continue
		}
		out = append(out, Event{
			Handle:   w.h,
			Readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: raw[i].Events&unix.EPOLLOUT != 0,
		})
	}
	return out, nil
}

// Close tears down the epoll and eventfd descriptors.
func (r *Reactor) Close() error {
	unix.Close(r.wake)
	return unix.Close(r.epfd)
}

func epollMask(read, write bool) uint32 {
	var m uint32
	if read {
		m |= unix.EPOLLIN
	}
	if write {
		m |= unix.EPOLLOUT
	}
	return m
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
