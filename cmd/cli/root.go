package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenticmem/membridge/internal/auth"
	"github.com/agenticmem/membridge/internal/config"
	"github.com/agenticmem/membridge/internal/fabric"
)

func execute() {
	rootCmd := &cobra.Command{
		Use:           "membridge",
		Short:         "membridge CLI: session management and memory retrieval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.PersistentFlags().String("relay", "", "relay address override")

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRetrieveCmd())
	rootCmd.AddCommand(newTabsCmd())
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(styleError.Render(err.Error()))
		os.Exit(1)
	}
}

// app bundles what every command needs.
type app struct {
	Config     config.Config
	ConfigPath string
	RelayAddr  string
	Logger     *slog.Logger
	Sessions   *auth.Manager
}

func newApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	cfg, err := config.LoadOrCreate(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Debug = config.LoadDebugConfigFromEnv(cfg.Debug)

	relayAddr, _ := cmd.Flags().GetString("relay")
	if relayAddr == "" {
		relayAddr = cfg.Relay.Bind
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store := auth.NewFileStore(cfg.DataDir)
	authorizer := &auth.BrowserAuthorizer{Port: cfg.Auth.RedirectPort}
	sessions := auth.NewManager(cfg.Auth, cfg.API.BaseURL, store, authorizer, logger)
	if err := sessions.Init(); err != nil {
		return nil, err
	}

	return &app{
		Config:     cfg,
		ConfigPath: configPath,
		RelayAddr:  relayAddr,
		Logger:     logger,
		Sessions:   sessions,
	}, nil
}

// dialRelay connects to the relay and completes the popup handshake.
func (a *app) dialRelay() (*fabric.Conn, error) {
	netConn, err := net.DialTimeout("tcp", a.RelayAddr, 3*time.Second)
	if err != nil {
		fmt.Println(styleWarning.Render("relay is not running at " + a.RelayAddr))
		fmt.Println(styleDim.Render("start with: membridge start"))
		return nil, fmt.Errorf("dial relay at %s: %w", a.RelayAddr, err)
	}

	conn := fabric.NewIdleConn(netConn, netConn)
	if a.Config.Debug.LogEnvelopes {
		conn.SetLog(fabric.NewEnvelopeLog(a.Config.Debug.LogDirectory, a.Logger))
	}
	conn.Start()

	payload, err := json.Marshal(fabric.HelloPayload{Role: fabric.RolePopup})
	if err != nil {
		conn.Close()
		return nil, err
	}

	ctx, cancel := contextWithTimeout(3 * time.Second)
	defer cancel()

	if _, err := conn.Request(ctx, fabric.Request{Type: fabric.TypeHello, Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay handshake: %w", err)
	}

	return conn, nil
}
