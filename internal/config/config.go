package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type AuthConfig struct {
	ClientID      string `toml:"client_id"`
	Authority     string `toml:"authority"`
	Scope         string `toml:"scope"`
	RedirectPort  int    `toml:"redirect_port"`
	GraphEndpoint string `toml:"graph_endpoint"`
}

type APIConfig struct {
	BaseURL       string `toml:"base_url"`
	RetrieveLimit int    `toml:"retrieve_limit"`
}

type RelayConfig struct {
	Bind     string `toml:"bind"`
	AgentBin string `toml:"agent_bin"`
}

type AgentConfig struct {
	PollIntervalMillis int `toml:"poll_interval_millis"`
}

type DebugConfig struct {
	LogEnvelopes bool   `toml:"log_envelopes"`
	LogDirectory string `toml:"log_directory"`
}

type Config struct {
	DataDir string      `toml:"data_dir"`
	Auth    AuthConfig  `toml:"auth"`
	API     APIConfig   `toml:"api"`
	Relay   RelayConfig `toml:"relay"`
	Agent   AgentConfig `toml:"agent"`
	Debug   DebugConfig `toml:"debug"`
}

func Default() Config {
	defaultDataDir := defaultDataDir()
	return Config{
		DataDir: defaultDataDir,
		Auth: AuthConfig{
			ClientID:      "",
			Authority:     "https://login.microsoftonline.com/common/oauth2/v2.0",
			Scope:         "openid profile email User.Read",
			RedirectPort:  48391,
			GraphEndpoint: "https://graph.microsoft.com/v1.0/me",
		},
		API: APIConfig{
			BaseURL:       "http://localhost:8000",
			RetrieveLimit: 5,
		},
		Relay: RelayConfig{
			Bind:     "127.0.0.1:49152",
			AgentBin: "",
		},
		Agent: AgentConfig{
			PollIntervalMillis: 250,
		},
		Debug: DebugConfig{
			LogEnvelopes: false,
			LogDirectory: filepath.Join(defaultDataDir, "debug"),
		},
	}
}

func LoadOrCreate(path string) (Config, error) {
	config := Default()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return config, err
			}

			configData, err := toml.Marshal(config)
			if err != nil {
				return config, err
			}

			if err := os.WriteFile(path, configData, 0o644); err != nil {
				return config, err
			}

			return config, nil
		}

		return config, err
	}

	configData, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := toml.Unmarshal(configData, &config); err != nil {
		return config, err
	}

	config.DataDir = expandPath(config.DataDir)
	config.API.BaseURL = strings.TrimSpace(config.API.BaseURL)
	config.Relay.Bind = strings.TrimSpace(config.Relay.Bind)

	if config.API.BaseURL == "" {
		return config, errors.New("api base_url is required")
	}

	if config.Relay.Bind == "" {
		config.Relay.Bind = Default().Relay.Bind
	}

	if config.API.RetrieveLimit <= 0 {
		config.API.RetrieveLimit = Default().API.RetrieveLimit
	}

	return config, nil
}

// DefaultPath returns the config file location under the default data dir.
func DefaultPath() string {
	return filepath.Join(Default().DataDir, "config.toml")
}

func defaultDataDir() string {
	homeDir, _ := os.UserHomeDir()

	if homeDir == "" {
		return ".membridge"
	}

	return filepath.Join(homeDir, ".membridge")
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()

		if homeDir != "" {
			trimmed := strings.TrimPrefix(path, "~")
			trimmed = strings.TrimPrefix(trimmed, string(os.PathSeparator))

			return filepath.Join(homeDir, trimmed)
		}
	}

	return path
}
