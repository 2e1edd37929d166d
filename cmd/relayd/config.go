package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config is the relay daemon configuration. Precedence, lowest first:
// built-in defaults, the TOML config file, RELAYD_* environment variables,
// command-line flags.
type Config struct {
	DataDir    string `toml:"data_dir" env:"RELAYD_DATA_DIR"`
	ListenAddr string `toml:"listen_addr" env:"RELAYD_LISTEN_ADDR"`
	DebugLevel string `toml:"debug_level" env:"RELAYD_DEBUG_LEVEL"`

	LogFile       string `toml:"log_file" env:"RELAYD_LOG_FILE"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb" env:"RELAYD_LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `toml:"log_max_backups" env:"RELAYD_LOG_MAX_BACKUPS"`
}

func defaultConfig() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".gammonrelay")
	return Config{
		DataDir:       dataDir,
		ListenAddr:    "0.0.0.0:7870",
		DebugLevel:    "info",
		LogFile:       filepath.Join(dataDir, "logs", "relayd.log"),
		LogMaxSizeMB:  10,
		LogMaxBackups: 5,
	}
}

const defaultConfigText = `# gammonrelay relay daemon configuration.

# data_dir = "~/.gammonrelay"
# listen_addr = "0.0.0.0:7870"
# debug_level = "info"

# log_file = "~/.gammonrelay/logs/relayd.log"
# log_max_size_mb = 10
# log_max_backups = 5
`

// loadConfig reads path (writing a commented default on first run), then
// applies environment overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return cfg, fmt.Errorf("create config dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultConfigText), 0600); err != nil {
			return cfg, fmt.Errorf("write default config: %w", err)
		}
	} else if err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		return cfg, err
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("environment overrides: %w", err)
	}
	return cfg, nil
}
