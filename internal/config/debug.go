package config

import "os"

func LoadDebugConfigFromEnv(cfg DebugConfig) DebugConfig {
	if os.Getenv("MEMBRIDGE_DEBUG_LOG_ENVELOPES") == "1" {
		cfg.LogEnvelopes = true
	}
	if dir := os.Getenv("MEMBRIDGE_DEBUG_LOG_DIR"); dir != "" {
		cfg.LogDirectory = dir
	}
	return cfg
}
