package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tabdriver/internal/browser"
	"tabdriver/internal/channel"
	"tabdriver/internal/dispatcher"
)

// Config holds all tabdriver configuration.
type Config struct {
	// Live browser connection
	Browser browser.Config `yaml:"browser"`

	// Request correlation
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Extension websocket endpoint
	Channel ChannelConfig `yaml:"channel"`

	// Step recording
	Recorder RecorderConfig `yaml:"recorder"`

	// SQLite step store
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DispatcherConfig configures the dispatcher.
type DispatcherConfig struct {
	RequestTimeout string `yaml:"request_timeout"`
}

// ChannelConfig configures the websocket endpoint extensions connect to.
type ChannelConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
	// OriginPatterns are host patterns the handshake Origin must match.
	OriginPatterns []string `yaml:"origin_patterns"`
	// ExpectedSender, when set, must equal the connecting Origin.
	ExpectedSender string `yaml:"expected_sender"`
	WriteTimeout   string `yaml:"write_timeout"`
	PingInterval   string `yaml:"ping_interval"`
	ReadLimit      int64  `yaml:"read_limit"`
}

// RecorderConfig configures recording.
type RecorderConfig struct {
	// Session names the recording; empty generates one per run.
	Session string `yaml:"session"`
	// ForwardURL, when set, is a websocket channel every step is also
	// posted to as a record message.
	ForwardURL string `yaml:"forward_url"`
}

// StoreConfig configures the step store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	b := browser.DefaultConfig()
	b.Headless = true
	b.SessionStore = ".tabdriver/sessions.json"

	return &Config{
		Browser: b,

		Dispatcher: DispatcherConfig{
			RequestTimeout: dispatcher.DefaultTimeout.String(),
		},

		Channel: ChannelConfig{
			Listen:         "127.0.0.1:9333",
			Path:           "/channel",
			OriginPatterns: []string{"chrome-extension://*"},
			WriteTimeout:   "5s",
			PingInterval:   "30s",
			ReadLimit:      4 * 1024 * 1024,
		},

		Store: StoreConfig{
			DatabasePath: ".tabdriver/steps.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("TABDRIVER_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if path := os.Getenv("TABDRIVER_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if addr := os.Getenv("TABDRIVER_LISTEN"); addr != "" {
		c.Channel.Listen = addr
	}
}

// Resolve makes relative store paths absolute under workspace.
func (c *Config) Resolve(workspace string) {
	if workspace == "" {
		return
	}
	if c.Store.DatabasePath != "" && c.Store.DatabasePath != ":memory:" && !filepath.IsAbs(c.Store.DatabasePath) {
		c.Store.DatabasePath = filepath.Join(workspace, c.Store.DatabasePath)
	}
	if c.Browser.SessionStore != "" && !filepath.IsAbs(c.Browser.SessionStore) {
		c.Browser.SessionStore = filepath.Join(workspace, c.Browser.SessionStore)
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetRequestTimeout returns the dispatcher request timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Dispatcher.RequestTimeout, dispatcher.DefaultTimeout)
}

// GetWriteTimeout returns the websocket write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.Channel.WriteTimeout, 5*time.Second)
}

// GetPingInterval returns the websocket keepalive interval.
func (c *Config) GetPingInterval() time.Duration {
	return parseDuration(c.Channel.PingInterval, 30*time.Second)
}

// WebSocketOptions builds the channel options for an accepted extension.
func (c *Config) WebSocketOptions(id string) channel.WebSocketOptions {
	return channel.WebSocketOptions{
		ID:             id,
		ExpectedSender: c.Channel.ExpectedSender,
		OriginPatterns: c.Channel.OriginPatterns,
		WriteTimeout:   c.GetWriteTimeout(),
		PingInterval:   c.GetPingInterval(),
		ReadLimit:      c.Channel.ReadLimit,
	}
}

// ValidLogLevels lists the accepted logging levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"dispatcher.request_timeout": c.Dispatcher.RequestTimeout,
		"channel.write_timeout":      c.Channel.WriteTimeout,
		"channel.ping_interval":      c.Channel.PingInterval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}

	if c.Channel.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Channel.Listen); err != nil {
			return fmt.Errorf("invalid channel.listen %q: %w", c.Channel.Listen, err)
		}
	}
	if c.Channel.ReadLimit < 0 {
		return fmt.Errorf("channel.read_limit must not be negative")
	}
	if c.Browser.ViewportWidth < 0 || c.Browser.ViewportHeight < 0 {
		return fmt.Errorf("browser viewport must not be negative")
	}
	if _, _, err := c.Browser.LaunchCommand(); err != nil {
		return fmt.Errorf("invalid browser.launch: %w", err)
	}

	if c.Logging.Level != "" {
		valid := false
		for _, l := range ValidLogLevels {
			if c.Logging.Level == l {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid logging level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
		}
	}
	return nil
}
