package server

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mnmxhq/mnmx/internal/handle"
)

// listenUnix creates a non-blocking Unix domain stream socket bound to
// path, removing any stale socket file first (a prior unclean shutdown
// leaves one behind, same as Daemon.Run's os.Remove(socketPath)).
func listenUnix(path string) (handle.Handle, error) {
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return handle.InvalidHandle(), fmt.Errorf("server: socket: %w", err)
	}
	h := handle.New(fd)

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		h.Close()
		return handle.InvalidHandle(), fmt.Errorf("server: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		h.Close()
		return handle.InvalidHandle(), fmt.Errorf("server: listen %s: %w", path, err)
	}
	if err := h.SetNonblock(); err != nil {
		h.Close()
		return handle.InvalidHandle(), fmt.Errorf("server: set nonblocking: %w", err)
	}
	return h, nil
}

// acceptLoop accepts connections until it would block, per spec.md §4.4
// "accept() is called in a loop until it would block". Transient errors
// are logged and do not kill the server; anything else is returned so
// the caller can treat it as fatal.
func (s *Server) acceptLoop() error {
	for {
		fd, _, err := unix.Accept4(s.listenH.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return nil
			case unix.EINTR:
				continue
			case unix.EMFILE, unix.ENFILE, unix.ECONNABORTED:
				s.Log.Printf("server: accept: %v (continuing)", err)
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		s.onAccept(fd)
	}
}
