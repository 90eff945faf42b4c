package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agenticmem/membridge/internal/agent"
	"github.com/agenticmem/membridge/internal/config"
	"github.com/agenticmem/membridge/internal/core"
	"github.com/agenticmem/membridge/internal/fabric"
	"github.com/agenticmem/membridge/internal/retrieval"
	"github.com/agenticmem/membridge/internal/site"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var (
		configPathFlag = flag.String("config", "", "path to config file (default ~/.membridge/config.toml)")
		relayFlag      = flag.String("relay", "", "relay address")
		pageFlag       = flag.String("page", "", "page URL to attach to")
		tabFlag        = flag.String("tab", "", "tab id assigned by the relay")
	)
	flag.Parse()

	configPath := *configPathFlag
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	cfg, err := config.LoadOrCreate(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.Debug = config.LoadDebugConfigFromEnv(cfg.Debug)

	relayAddr := *relayFlag
	if relayAddr == "" {
		relayAddr = cfg.Relay.Bind
	}

	pageURL := *pageFlag
	if pageURL == "" {
		logger.Error("--page is required")
		os.Exit(1)
	}

	if !site.IsSupported(pageURL) {
		logger.Error("unsupported page", "url", pageURL)
		os.Exit(1)
	}

	adapter, err := site.NewFilePage(pageURL, time.Duration(cfg.Agent.PollIntervalMillis)*time.Millisecond, logger)
	if err != nil {
		logger.Error("failed to attach to page", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	netConn, err := net.Dial("tcp", relayAddr)
	if err != nil {
		logger.Error("failed to dial relay", "address", relayAddr, "error", err)
		os.Exit(1)
	}

	conn := fabric.NewIdleConn(netConn, netConn)
	if cfg.Debug.LogEnvelopes {
		conn.SetLog(fabric.NewEnvelopeLog(cfg.Debug.LogDirectory, logger))
	}

	captureClient := retrieval.NewClient(cfg.API.BaseURL, nil)
	notifier := agent.NewNotifier(captureClient, logger)
	defer notifier.Close()

	identity := func(ctx context.Context) (string, error) {
		payload, err := conn.Request(ctx, fabric.Request{Type: fabric.TypeGetUserID})
		if err != nil {
			return "", err
		}
		var result fabric.UserIDResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return "", err
		}
		return result.UserID, nil
	}

	contentAgent := agent.New(adapter, notifier, identity, logger)
	conn.SetHandler(contentAgent.Handle)
	conn.Start()

	if err := hello(conn, *tabFlag, pageURL); err != nil {
		logger.Error("relay handshake failed", "error", err)
		os.Exit(1)
	}

	logger.Info("content agent attached", "page", pageURL, "relay", relayAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		<-conn.Done()
		stop()
	}()

	if err := contentAgent.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("agent loop failed", "error", err)
	}

	_ = conn.Notify(fabric.Request{Type: fabric.TypeAgentGone})
	conn.Close()
}

func hello(conn *fabric.Conn, tabID, pageURL string) error {
	payload, err := json.Marshal(fabric.HelloPayload{
		Role: fabric.RoleAgent,
		Tab:  core.Tab{ID: core.TabID(tabID), URL: pageURL},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = conn.Request(ctx, fabric.Request{Type: fabric.TypeHello, Payload: payload})
	return err
}
