package main

import (
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/agenticmem/membridge/internal/config"
	"github.com/agenticmem/membridge/internal/relay"
)

type pageList []string

func (p *pageList) String() string     { return strings.Join(*p, ",") }
func (p *pageList) Set(v string) error { *p = append(*p, v); return nil }

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var (
		configPathFlag = flag.String("config", "", "path to config file (default ~/.membridge/config.toml)")
		bindFlag       = flag.String("bind", "", "relay bind address")
		dataDirFlag    = flag.String("data-dir", "", "base data dir (default ~/.membridge)")
		pages          pageList
	)
	flag.Var(&pages, "page", "page URL to pre-register (repeatable)")
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

	if *bindFlag != "" {
		cfg.Relay.Bind = *bindFlag
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	cfg.Debug = config.LoadDebugConfigFromEnv(cfg.Debug)

	if err := relay.RunServer(cfg, pages, logger); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
}
