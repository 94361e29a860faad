// Command mnmxd is the session-multiplexer daemon: it resolves its
// data root, listening socket, and config, then hands off to
// internal/server's reactor loop until terminated — grounded on
// cmd/groved/main.go's flag parsing and startup sequencing, including its
// --root/$MNMX_ROOT data-directory convention (SPEC_FULL.md §10.1/§10.2).
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/mnmxhq/mnmx/internal/config"
	"github.com/mnmxhq/mnmx/internal/server"
)

func main() {
	rootFlag := flag.String("root", defaultRoot(), "daemon data directory, for logs (env: MNMX_ROOT)")
	socketFlag := flag.String("socket", "", "listening socket path (default: derived per spec.md §6)")
	configFlag := flag.String("config", "", "config file path (default: ~/.config/mnmx/config.yaml)")
	keepalive := flag.Bool("keepalive", false, "keep running with zero sessions instead of exiting")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: mnmxd [--root DIR] [--socket PATH] [--config PATH] [--keepalive]")
	}
	flag.Parse()

	logger, closeLog, err := newLogger(*rootFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnmxd: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	socketPath, err := config.SocketPath(*socketFlag)
	if err != nil {
		logger.Fatalf("resolve socket path: %v", err)
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath, err = config.Path()
		if err != nil {
			logger.Fatalf("resolve config path: %v", err)
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *keepalive {
		cfg.ExitOnLastSessionTerminate = false
	}

	srv, err := server.New(logger, socketPath, cfg, os.Environ())
	if err != nil {
		logger.Fatalf("start: %v", err)
	}

	if err := srv.Run(); err != nil {
		logger.Fatalf("run: %v", err)
	}
}

// defaultRoot mirrors cmd/groved/main.go's GROVE_ROOT/~/.grove convention.
func defaultRoot() string {
	if env := os.Getenv("MNMX_ROOT"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mnmx")
	}
	return filepath.Join(home, ".mnmx")
}

// newLogger creates root/logs if needed and returns a logger that tees to
// both stderr and root/logs/mnmxd.log, the daemon-process analogue of
// internal/daemon/instance.go's per-instance rolling log file. The
// returned closer flushes and closes the log file.
func newLogger(root string) (*log.Logger, func(), error) {
	logsDir := filepath.Join(root, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	logPath := filepath.Join(logsDir, "mnmxd.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.New(io.MultiWriter(os.Stderr, f), "mnmxd: ", log.LstdFlags)
	return logger, func() { f.Close() }, nil
}
