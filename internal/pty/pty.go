// Package pty implements the PTY + process lifecycle from spec.md §4.5:
// fork a child attached to a pseudoterminal, propagate window-resize
// events to the PTY master, and reap the child non-blockingly once the
// reactor observes it has died.
//
// Grounded on internal/daemon/instance.go's startAgent/destroy (PTY
// allocation via creack/pty, process-group kill via Getpgid+Kill) and
// jaigner-hub-mhist/session.go's NewSession, generalized from "one fixed
// shell command" to spec.md's SpawnOptions (program, args, env set/unset).
package pty

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/mnmxhq/mnmx/internal/channel"
	"github.com/mnmxhq/mnmx/internal/handle"
	"github.com/mnmxhq/mnmx/internal/proto"
)

// Process owns a PTY master fd (exposed as two BufferedChannel views, per
// spec.md §9's shared-handle design) and the child it is connected to.
type Process struct {
	Read  *channel.BufferedChannel
	Write *channel.BufferedChannel

	cmd  *exec.Cmd
	pid  int
	pgid int
}

// Spawn opens a PTY, forks, and execs program+args in the child with the
// slave as its controlling terminal. dir is the child's working directory;
// baseEnv is the environment to start from (typically os.Environ() plus
// MONOMUX_SOCKET/MONOMUX_SESSION, per spec.md §6) before SpawnOptions'
// EnvSet/EnvUnset are applied.
func Spawn(opts proto.SpawnOptions, dir string, baseEnv []string, rows, cols uint16) (*Process, error) {
	cmd := exec.Command(opts.Program, opts.Args...)
	cmd.Dir = dir
	cmd.Env = applyEnv(baseEnv, opts.EnvSet, opts.EnvUnset)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("pty: start %s: %w", opts.Program, err)
	}
	// The Handle below becomes the sole owner of this fd; detach os.File's
	// finalizer so it doesn't close the fd out from under us once master
	// (the *os.File wrapper) is garbage collected.
	rawFD := int(master.Fd())
	runtime.SetFinalizer(master, nil)

	h := handle.New(rawFD)
	if err := h.SetNonblock(); err != nil {
		master.Close()
		cmd.Process.Kill()
		return nil, fmt.Errorf("pty: set nonblocking: %w", err)
	}

	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}

	read, write := channel.NewShared("pty-master-read", "pty-master-write", h)
	return &Process{
		Read:  read,
		Write: write,
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		pgid:  pgid,
	}, nil
}

// applyEnv starts from base, applies each (k, v) in sets in order (later
// entries win), then drops every key named in unsets. Matches
// ProcessSpawnOptions' "always a pair of lists, never a nullable map"
// design so unsetting is expressible without a sentinel value.
func applyEnv(base []string, sets [][2]string, unsets []string) []string {
	index := map[string]int{}
	out := append([]string(nil), base...)
	for i, kv := range out {
		if k, _, ok := splitEnv(kv); ok {
			index[k] = i
		}
	}
	for _, kv := range sets {
		entry := kv[0] + "=" + kv[1]
		if i, ok := index[kv[0]]; ok {
			out[i] = entry
		} else {
			index[kv[0]] = len(out)
			out = append(out, entry)
		}
	}
	if len(unsets) == 0 {
		return out
	}
	drop := map[string]bool{}
	for _, k := range unsets {
		drop[k] = true
	}
	filtered := out[:0:0]
	for _, kv := range out {
		if k, _, ok := splitEnv(kv); ok && drop[k] {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}

func splitEnv(kv string) (key, val string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// PID returns the child's process ID.
func (p *Process) PID() int { return p.pid }

// Setsize propagates a window-resize to the PTY master.
func (p *Process) Setsize(rows, cols uint16) error {
	return unix.IoctlSetWinsize(p.Read.Handle().FD(), unix.TIOCSWINSZ, &unix.Winsize{
		Row: rows,
		Col: cols,
	})
}

// Signal delivers signum to the child's process group (negative PID),
// per spec.md §4.4 "Signal delivery".
func (p *Process) Signal(signum int) error {
	return unix.Kill(-p.pgid, unix.Signal(signum))
}

// Kill forcibly terminates the child's process group.
func (p *Process) Kill() {
	unix.Kill(-p.pgid, unix.SIGKILL)
}

// ReapResult reports the outcome of a non-blocking wait.
type ReapResult struct {
	Dead     bool
	ExitCode int
}

// ReapIfDead performs a non-blocking wait4 for the child. If it has
// exited, ExitCode is derived from the wait status: normal exit yields
// the exit code, death by signal yields -signum (spec.md §4.5).
func (p *Process) ReapIfDead() ReapResult {
	var status unix.WaitStatus
	pid, err := unix.Wait4(p.pid, &status, unix.WNOHANG, nil)
	if err != nil || pid == 0 {
		return ReapResult{}
	}
	if status.Exited() {
		return ReapResult{Dead: true, ExitCode: status.ExitStatus()}
	}
	if status.Signaled() {
		return ReapResult{Dead: true, ExitCode: -int(status.Signal())}
	}
	return ReapResult{}
}

// Close tears down both BufferedChannel views over the PTY master.
func (p *Process) Close() {
	p.Read.Destroy()
	p.Write.Destroy()
}
