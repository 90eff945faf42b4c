package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agenticmem/membridge/internal/auth"
	"github.com/agenticmem/membridge/internal/config"
	"github.com/agenticmem/membridge/internal/fabric"
)

// RunServer starts the relay daemon: restores the session, listens for
// fabric connections, and shuts down on signal.
func RunServer(cfg config.Config, pages []string, logger *slog.Logger) error {
	store := auth.NewFileStore(cfg.DataDir)
	authorizer := &auth.BrowserAuthorizer{Port: cfg.Auth.RedirectPort}
	sessions := auth.NewManager(cfg.Auth, cfg.API.BaseURL, store, authorizer, logger)
	if err := sessions.Init(); err != nil {
		logger.Warn("session restore failed", "error", err)
	}

	spawner := &AgentSpawner{
		Bin:       cfg.Relay.AgentBin,
		RelayAddr: cfg.Relay.Bind,
		LogDir:    filepath.Join(cfg.DataDir, "logs"),
		Logger:    logger,
	}

	hub := NewHub(sessions, spawner, logger)
	if cfg.Debug.LogEnvelopes {
		hub.SetEnvelopeLog(fabric.NewEnvelopeLog(cfg.Debug.LogDirectory, logger))
	}

	for _, page := range pages {
		hub.RegisterPage(page)
	}

	listener, err := net.Listen("tcp", cfg.Relay.Bind)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", cfg.Relay.Bind, err)
	}

	pidFile := filepath.Join(cfg.DataDir, "relayd.pid")
	if err := writePIDFile(pidFile); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var wg sync.WaitGroup

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				hub.ServeConn(conn)
			}()
		}
	}()

	logger.Info("relay listening", "address", cfg.Relay.Bind)

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	listener.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("drain timeout, forcing shutdown")
	}

	os.Remove(pidFile)
	return nil
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write pid file: mkdir: %w", err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPID reads a PID file and returns the PID if that process is alive.
func ReadPID(pidFile string) int {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}

	if process.Signal(syscall.Signal(0)) != nil {
		return 0
	}

	return pid
}
