// Command mnmx is the session-multiplexer CLI: it resolves the server
// socket, auto-spawns mnmxd if nothing is listening, and either lists
// sessions, creates/attaches one, or sends a detach control message —
// grounded on cmd/grove/main.go's daemon-dial helpers and doAttach's
// raw-mode terminal relay loop (SPEC_FULL.md §10.1).
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/mnmxhq/mnmx/internal/client"
	"github.com/mnmxhq/mnmx/internal/config"
	"github.com/mnmxhq/mnmx/internal/proto"
)

const (
	exitOK     = 0
	exitSystem = 1
	exitInvoke = 2
)

func main() {
	fs := flag.NewFlagSet("mnmx", flag.ContinueOnError)
	socketFlag := fs.String("socket", "", "override the server socket path")
	name := fs.String("name", "", "session name for attach/create")
	list := fs.Bool("list", false, "list sessions and exit")
	detach := fs.Bool("detach", false, "detach the latest client of the ambient session and exit")
	detachAll := fs.Bool("detach-all", false, "detach every client of the ambient session and exit")
	keepalive := fs.Bool("keepalive", false, "tell an auto-spawned daemon to keep running with no sessions attached")
	noDaemon := fs.Bool("no-daemon", false, "fail instead of auto-spawning mnmxd")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: mnmx [--socket PATH] [--name NAME] [--list] [--detach|--detach-all] [--no-daemon] [--keepalive] [-- PROGRAM [ARGS...]]")
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(exitInvoke)
	}
	positional := fs.Args()

	socketPath, err := config.SocketPath(*socketFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnmx: %v\n", err)
		os.Exit(exitSystem)
	}

	if !*noDaemon {
		ensureDaemon(socketPath, *keepalive)
	} else if !pingDaemon(socketPath) {
		fmt.Fprintln(os.Stderr, "mnmx: no daemon listening and --no-daemon was given")
		os.Exit(exitSystem)
	}

	c, err := client.Connect(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnmx: %v\n", err)
		os.Exit(exitSystem)
	}
	defer c.Close()

	switch {
	case *list:
		os.Exit(cmdList(c))
	case *detach || *detachAll:
		os.Exit(cmdDetach(c, *name, *detachAll))
	default:
		os.Exit(cmdAttachOrCreate(c, *name, positional))
	}
}

func cmdList(c *client.Client) int {
	sessions, err := c.RequestSessionList()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnmx: %v\n", err)
		return exitSystem
	}
	if len(sessions) == 0 {
		fmt.Println("(no sessions)")
		return exitOK
	}
	for _, s := range sessions {
		fmt.Printf("%-20s pid=%-8d attached=%d\n", s.Name, s.PID, s.Attached)
	}
	return exitOK
}

// cmdDetach resolves the ambient session name (--name, else
// $MONOMUX_SESSION) and issues a DetachRequest against it. Per the Open
// Question decision recorded in SPEC_FULL.md §13 #2, the protocol
// requires the issuing client to be attached first — there is no
// standalone "detach this named session without attaching" wire
// operation, so this command attaches transiently before detaching.
func cmdDetach(c *client.Client, name string, all bool) int {
	if name == "" {
		name = os.Getenv("MONOMUX_SESSION")
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "mnmx: --detach needs --name or $MONOMUX_SESSION")
		return exitInvoke
	}
	if _, ok, err := c.RequestAttach(name); err != nil {
		fmt.Fprintf(os.Stderr, "mnmx: %v\n", err)
		return exitSystem
	} else if !ok {
		fmt.Fprintf(os.Stderr, "mnmx: no such session %q\n", name)
		return exitInvoke
	}
	mode := proto.DetachLatest
	if all {
		mode = proto.DetachAll
	}
	if err := c.RequestDetach(mode); err != nil {
		fmt.Fprintf(os.Stderr, "mnmx: %v\n", err)
		return exitSystem
	}
	return exitOK
}

// cmdAttachOrCreate attaches to an existing session named name, or
// creates one (spawning positional[0]/positional[1:] if given, else the
// server's configured default shell) when it doesn't exist yet.
func cmdAttachOrCreate(c *client.Client, name string, positional []string) int {
	if name == "" {
		name = "main"
	}

	session, ok, err := c.RequestAttach(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnmx: %v\n", err)
		return exitSystem
	}
	if !ok {
		var spawn proto.SpawnOptions
		if len(positional) > 0 {
			spawn.Program = positional[0]
			spawn.Args = positional[1:]
		}
		actualName, success, err := c.RequestMakeSession(name, spawn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mnmx: %v\n", err)
			return exitSystem
		}
		if !success {
			fmt.Fprintf(os.Stderr, "mnmx: could not create session %q\n", name)
			return exitSystem
		}
		session, ok, err = c.RequestAttach(actualName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mnmx: %v\n", err)
			return exitSystem
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "mnmx: session %q vanished before attach\n", actualName)
			return exitSystem
		}
	}

	return doAttach(c, session)
}

// doAttach puts the local TTY into raw mode and relays bytes between the
// terminal and the data channel until a DetachedNotification or stream
// failure ends the session, mirroring cmd/grove/main.go's doAttach.
func doAttach(c *client.Client, session proto.SessionInfo) int {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnmx: cannot set raw mode: %v\n", err)
		return exitSystem
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintf(os.Stdout, "\r\n[mnmx] attached to %s (detach: Ctrl-])\r\n", session.Name)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	// data → stdout: the channel is a raw byte pipe from the moment
	// promotion completes (spec.md §4.4), so a plain io.Copy suffices.
	go func() {
		io.Copy(os.Stdout, c.DataConn())
		signalDone()
	}()

	// stdin → data, watching for the Ctrl-] detach keystroke.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == 0x1D {
						if derr := c.RequestDetach(proto.DetachLatest); derr != nil {
							fmt.Fprintf(os.Stderr, "mnmx: detach request: %v\n", derr)
						}
						signalDone()
						return
					}
				}
				if werr := c.SendData(buf[:n]); werr != nil {
					signalDone()
					return
				}
			}
			if err != nil {
				signalDone()
				return
			}
		}
	}()

	// control channel → DetachedNotification (exit, kick, shutdown).
	go func() {
		if _, err := c.NextNotification(); err != nil && err != net.ErrClosed {
			fmt.Fprintf(os.Stderr, "mnmx: control channel: %v\n", err)
		}
		signalDone()
	}()

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	sendSize := func() {
		if cols, rows, err := term.GetSize(fd); err == nil {
			c.NotifyWindowSize(uint16(rows), uint16(cols))
		}
	}
	sendSize()
	go func() {
		for range winchCh {
			sendSize()
		}
	}()

	<-done
	fmt.Fprintf(os.Stdout, "\n[mnmx] detached from %s\n", session.Name)
	return exitOK
}

// ensureDaemon starts mnmxd in the background if the socket isn't
// responding, waiting up to 3 seconds for it to come up.
func ensureDaemon(socketPath string, keepalive bool) {
	if pingDaemon(socketPath) {
		return
	}

	exe, _ := os.Executable()
	daemonBin := filepath.Join(filepath.Dir(exe), "mnmxd")
	if _, err := os.Stat(daemonBin); err != nil {
		daemonBin = "mnmxd"
	}

	args := []string{"--socket", socketPath}
	if keepalive {
		args = append(args, "--keepalive")
	}
	cmd := exec.Command(daemonBin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "mnmx: could not start daemon: %v\n", err)
		os.Exit(exitSystem)
	}

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if pingDaemon(socketPath) {
			return
		}
	}
	fmt.Fprintln(os.Stderr, "mnmx: daemon did not start in time")
	os.Exit(exitSystem)
}

// pingDaemon reports whether a connection attempt to socketPath reaches a
// live mnmxd, without running the full handshake.
func pingDaemon(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
	var sizeBuf [8]byte
	_, err = io.ReadFull(conn, sizeBuf[:])
	return err == nil && binary.BigEndian.Uint64(sizeBuf[:]) > 0
}
