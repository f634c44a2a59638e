// Package config loads the supervisor's settings document (manager.yaml),
// grounded on the teacher's internal/config viper SetConfigFile+Unmarshal
// idiom, trimmed to the one document this supervisor needs: the program
// declarations themselves live in progs.yaml and are owned by
// internal/registry, which parses that document directly.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// WebUI is the embedded dashboard's bind address and display title.
type WebUI struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Title string `mapstructure:"title"`
}

// Restart carries the failure-counted backoff policy (§4.2).
type Restart struct {
	DelaySeconds           int `mapstructure:"delay_seconds"`
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	FailureResetSeconds    int `mapstructure:"failure_reset_seconds"`
}

// Logging carries the per-program log rotation size limit (§4.4).
type Logging struct {
	MaxSizeMB int `mapstructure:"max_size_mb"`
}

// Store optionally names a SQLite DSN for the additive history ledger (§4.7).
type Store struct {
	DSN string `mapstructure:"dsn"`
}

// Settings is the manager.yaml document (§6.1).
type Settings struct {
	WebUI   WebUI   `mapstructure:"web_ui"`
	Venv    string  `mapstructure:"venv"`
	Node    string  `mapstructure:"node"`
	Cwd     string  `mapstructure:"cwd"`
	Restart Restart `mapstructure:"restart"`
	Logging Logging `mapstructure:"logging"`
	Store   Store   `mapstructure:"store"`
}

func (s Settings) withDefaults() Settings {
	if s.WebUI.Host == "" {
		s.WebUI.Host = "0.0.0.0"
	}
	if s.WebUI.Port == 0 {
		s.WebUI.Port = 9001
	}
	if s.WebUI.Title == "" {
		s.WebUI.Title = "procwatch"
	}
	if s.Restart.DelaySeconds <= 0 {
		s.Restart.DelaySeconds = 1
	}
	if s.Restart.MaxConsecutiveFailures <= 0 {
		s.Restart.MaxConsecutiveFailures = 10
	}
	if s.Restart.FailureResetSeconds <= 0 {
		s.Restart.FailureResetSeconds = 60
	}
	if s.Logging.MaxSizeMB <= 0 {
		s.Logging.MaxSizeMB = 10
	}
	return s
}

// FailureResetWindow is Restart.FailureResetSeconds as a time.Duration.
func (s Settings) FailureResetWindow() time.Duration {
	return time.Duration(s.Restart.FailureResetSeconds) * time.Second
}

// RestartDelay is Restart.DelaySeconds as a time.Duration.
func (s Settings) RestartDelay() time.Duration {
	return time.Duration(s.Restart.DelaySeconds) * time.Second
}

// Load reads and decodes the settings document at path via viper, applying
// defaults for any field left zero. A missing file is not an error — a
// freshly initialized data directory gets an all-defaults Settings, matching
// the teacher's convention of treating configuration as optional overlay, not
// mandatory ceremony.
func Load(path string) (Settings, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Settings{}.withDefaults(), nil
		}
		return Settings{}, fmt.Errorf("config: stat %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return s.withDefaults(), nil
}
