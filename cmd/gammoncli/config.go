package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the participant client configuration, loaded from a TOML file
// with flag overrides.
type Config struct {
	RelayURL  string `toml:"relay_url"`
	LedgerURL string `toml:"ledger_url"`

	// SeedHex is the 32-byte signing key seed. Wallet integration is out
	// of scope; the seed lives in the config file.
	SeedHex string `toml:"seed_hex"`

	SessionID string `toml:"session_id"`
	ProgramID string `toml:"program_id"`

	DebugLevel         string `toml:"debug_level"`
	LogFile            string `toml:"log_file"`
	InactivityMinutes  int    `toml:"inactivity_minutes"`
	PollIntervalMillis int    `toml:"poll_interval_millis"`
}

func defaultClientConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		RelayURL:           "http://127.0.0.1:7870",
		LedgerURL:          "http://127.0.0.1:8899",
		DebugLevel:         "info",
		LogFile:            filepath.Join(home, ".gammonrelay", "logs", "gammoncli.log"),
		InactivityMinutes:  5,
		PollIntervalMillis: 2000,
	}
}

const defaultClientConfigText = `# gammoncli configuration.

# relay_url = "http://127.0.0.1:7870"
# ledger_url = "http://127.0.0.1:8899"

# 32-byte signing key seed, 64 hex chars.
# seed_hex = ""

# Escrow session account and program, 64 hex chars each.
# session_id = ""
# program_id = ""

# debug_level = "info"
# inactivity_minutes = 5
# poll_interval_millis = 2000
`

func loadClientConfig(path string) (Config, error) {
	cfg := defaultClientConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return cfg, fmt.Errorf("create config dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultClientConfigText), 0600); err != nil {
			return cfg, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	} else if err != nil {
		return cfg, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
