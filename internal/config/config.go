// Package config loads CLI configuration from a dealsync.yaml file,
// DEALSYNC_* environment variables, and built-in defaults, in
// ascending precedence. Component packages keep their own Config
// structs; this package only feeds them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is everything the CLI reads from the outside world.
type Config struct {
	// ClientID overrides the generated client identity. Mostly useful
	// for debugging; leave empty in normal use.
	ClientID string `mapstructure:"client_id"`

	// RelayURL is the websocket endpoint sessions dial.
	RelayURL string `mapstructure:"relay_url"`

	// APIURL is the record-store base URL.
	APIURL string `mapstructure:"api_url"`

	// QueuePath is the offline queue database file. A leading ~
	// expands to the home directory.
	QueuePath string `mapstructure:"queue_path"`

	// EntityTypes is the record-type allow-list for sessions and
	// creates.
	EntityTypes []string `mapstructure:"entity_types"`

	// Strategy is the default conflict strategy: client-wins,
	// server-wins, merge, or prompt.
	Strategy string `mapstructure:"strategy"`

	// DrainInterval is how often the offline queue replays in the
	// absence of reconnect triggers.
	DrainInterval time.Duration `mapstructure:"drain_interval"`

	Reconnect Reconnect `mapstructure:"reconnect"`
	Awareness Awareness `mapstructure:"awareness"`
	Relay     Relay     `mapstructure:"relay"`
}

// Reconnect tunes the per-session reconnect loop.
type Reconnect struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// Awareness tunes presence coalescing and peer liveness eviction.
type Awareness struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Relay configures the relay command.
type Relay struct {
	Port      int    `mapstructure:"port"`
	Policy    string `mapstructure:"policy"`
	History   string `mapstructure:"history"`
	Advertise bool   `mapstructure:"advertise"`
	LogFile   string `mapstructure:"log_file"`
}

// Load reads configuration. With an explicit path the file must exist
// and parse; with an empty path the standard locations are searched
// (working directory, ~/.config/dealsync, /etc/dealsync) and a missing
// file just means defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dealsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dealsync"))
		}
		v.AddConfigPath("/etc/dealsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.QueuePath = expandHome(cfg.QueuePath)
	cfg.Relay.Policy = expandHome(cfg.Relay.Policy)
	cfg.Relay.History = expandHome(cfg.Relay.History)
	return &cfg, nil
}

// setDefaults registers a default for every key. Keys without defaults
// are invisible to Unmarshal, so an env-only override would be lost.
func setDefaults(v *viper.Viper) {
	v.SetDefault("client_id", "")
	v.SetDefault("relay_url", "ws://127.0.0.1:8737/sync")
	v.SetDefault("api_url", "http://127.0.0.1:8780")
	v.SetDefault("queue_path", defaultQueuePath())
	v.SetDefault("entity_types", []string{"deal", "contact", "company"})
	v.SetDefault("strategy", "merge")
	v.SetDefault("drain_interval", 30*time.Second)
	v.SetDefault("reconnect.base_delay", time.Second)
	v.SetDefault("reconnect.max_delay", 30*time.Second)
	v.SetDefault("reconnect.max_attempts", 10)
	v.SetDefault("awareness.interval", 5*time.Second)
	v.SetDefault("awareness.timeout", 30*time.Second)
	v.SetDefault("relay.port", 8737)
	v.SetDefault("relay.policy", "")
	v.SetDefault("relay.history", "")
	v.SetDefault("relay.advertise", false)
	v.SetDefault("relay.log_file", "")
}

func defaultQueuePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".dealsync", "queue.db")
	}
	return filepath.Join(home, ".dealsync", "queue.db")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
