package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.GetRequestTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetWriteTimeout())
	assert.Equal(t, "127.0.0.1:9333", cfg.Channel.Listen)
	assert.True(t, cfg.Browser.Headless)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabdriver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
browser:
  debugger_url: ws://127.0.0.1:9222/devtools/browser/abc
  viewport_width: 800
dispatcher:
  request_timeout: 2s
logging:
  debug_mode: true
  categories:
    store: false
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Browser.DebuggerURL)
	assert.Equal(t, 800, cfg.Browser.ViewportWidth)
	assert.Equal(t, 1080, cfg.Browser.ViewportHeight, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.GetRequestTimeout())
	assert.False(t, cfg.Logging.IsCategoryEnabled("store"))
	assert.True(t, cfg.Logging.IsCategoryEnabled("dispatch"))
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("browser: [1, 2"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tabdriver.yaml")
	cfg := DefaultConfig()
	cfg.Recorder.Session = "checkout"
	cfg.Channel.OriginPatterns = []string{"chrome-extension://abc"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TABDRIVER_DEBUGGER_URL", "ws://remote:9222")
	t.Setenv("TABDRIVER_DB", "/var/lib/tabdriver/steps.db")
	t.Setenv("TABDRIVER_LISTEN", "0.0.0.0:7000")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ws://remote:9222", cfg.Browser.DebuggerURL)
	assert.Equal(t, "/var/lib/tabdriver/steps.db", cfg.Store.DatabasePath)
	assert.Equal(t, "0.0.0.0:7000", cfg.Channel.Listen)
}

func TestDurationFallbacks(t *testing.T) {
	cfg := &Config{}
	cfg.Dispatcher.RequestTimeout = "soon"
	cfg.Channel.PingInterval = "-1s"
	assert.Equal(t, 30*time.Second, cfg.GetRequestTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetPingInterval())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad timeout", func(c *Config) { c.Dispatcher.RequestTimeout = "forever" }},
		{"bad listen", func(c *Config) { c.Channel.Listen = "9333" }},
		{"negative read limit", func(c *Config) { c.Channel.ReadLimit = -1 }},
		{"unbalanced launch quote", func(c *Config) { c.Browser.Launch = `chrome "--x` }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveAnchorsRelativePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve("/work")
	assert.Equal(t, filepath.Join("/work", ".tabdriver", "steps.db"), cfg.Store.DatabasePath)
	assert.Equal(t, filepath.Join("/work", ".tabdriver", "sessions.json"), cfg.Browser.SessionStore)

	cfg.Store.DatabasePath = ":memory:"
	cfg.Resolve("/work")
	assert.Equal(t, ":memory:", cfg.Store.DatabasePath)
}

func TestLoggingOptions(t *testing.T) {
	o := LoggingConfig{Level: "debug", Format: "json", DebugMode: true}.Options()
	assert.True(t, o.DebugMode)
	assert.True(t, o.JSONFormat)
	assert.Equal(t, "debug", o.Level)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabdriver.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { got <- c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	cfg := DefaultConfig()
	cfg.Dispatcher.RequestTimeout = "7s"
	require.NoError(t, cfg.Save(path))

	select {
	case c := <-got:
		assert.Equal(t, 7*time.Second, c.GetRequestTimeout())
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not delivered")
	}
	assert.GreaterOrEqual(t, w.Reloads(), 1)
}

func TestWatchIgnoresInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabdriver.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	w, err := NewWatcher(path, func(*Config) { t.Error("invalid config delivered") })
	require.NoError(t, err)
	w.debounceDur = 0

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0644))
	w.pending = time.Now().Add(-time.Second)
	w.processDebounced()
	assert.Equal(t, 0, w.Reloads())
}
