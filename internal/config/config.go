package config

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is loaded from an optional YAML file, then overridden from the
// environment (BASSET_* variables via envconfig).
type Config struct {
	// ControllerURL is the WebSocket endpoint of the remote controller.
	ControllerURL string `yaml:"controllerURL" envconfig:"CONTROLLER_URL"`
	// DevToolsURL is the browser DevTools HTTP endpoint.
	DevToolsURL string `yaml:"devToolsURL" envconfig:"DEVTOOLS_URL"`

	AgentID string `yaml:"agentID" envconfig:"AGENT_ID"`

	Connection struct {
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval" envconfig:"HEARTBEAT_INTERVAL"`
		BackoffMin        time.Duration `yaml:"backoffMin" envconfig:"BACKOFF_MIN"`
		BackoffMax        time.Duration `yaml:"backoffMax" envconfig:"BACKOFF_MAX"`
		// Jitter is the fraction of the backoff delay randomized in either
		// direction, e.g. 0.2 for ±20%.
		Jitter float64 `yaml:"jitter" envconfig:"JITTER"`
		// MaxAttempts caps consecutive reconnect attempts; 0 means unbounded.
		MaxAttempts int `yaml:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
		// ReplayPolicy decides what happens to traffic buffered during an
		// outage: "replay" flushes it after reconnect, "fail" drops it.
		ReplayPolicy string `yaml:"replayPolicy" envconfig:"REPLAY_POLICY"`
	} `yaml:"connection"`

	Dispatch struct {
		CommandDeadline time.Duration `yaml:"commandDeadline" envconfig:"COMMAND_DEADLINE"`
		QueueCapacity   int           `yaml:"queueCapacity" envconfig:"QUEUE_CAPACITY"`
		// QueueRetention bounds how long commands wait for an unseen target.
		QueueRetention time.Duration `yaml:"queueRetention" envconfig:"QUEUE_RETENTION"`
	} `yaml:"dispatch"`

	Sqlite struct {
		Dsn string `yaml:"dsn" envconfig:"SQLITE_DSN"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level" envconfig:"LOG_LEVEL"`
		Writer []string `yaml:"writer" envconfig:"LOG_WRITER"`
		File   string   `yaml:"file" envconfig:"LOG_FILE"`
	} `yaml:"log"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	c := &Config{
		ControllerURL: "ws://localhost:8765/browser",
		DevToolsURL:   "http://localhost:9222",
		AgentID:       "basset-agent",
	}
	c.Connection.HeartbeatInterval = 20 * time.Second
	c.Connection.BackoffMin = 1 * time.Second
	c.Connection.BackoffMax = 30 * time.Second
	c.Connection.Jitter = 0.2
	c.Connection.ReplayPolicy = "replay"
	c.Dispatch.CommandDeadline = 30 * time.Second
	c.Dispatch.QueueCapacity = 64
	c.Dispatch.QueueRetention = 60 * time.Second
	c.Sqlite.Dsn = "traffic.sqlite3"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File = "basset.log"
	return c
}

// Load reads the YAML file at path (skipped when empty or missing) and
// applies BASSET_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("basset", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
