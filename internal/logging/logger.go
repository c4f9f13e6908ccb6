// Package logging provides config-driven categorized logging for tabdriver.
// Logs are written to <workspace>/.tabdriver/logs/ with one file per category,
// or to a caller-supplied zap logger. When debug mode is off no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config load
	CategoryChannel    Category = "channel"    // Transport lifecycle, dropped messages
	CategoryDispatch   Category = "dispatch"   // Routing, correlation, timeouts
	CategoryLocator    Category = "locator"    // Query resolution
	CategoryRepository Category = "repository" // Object cache
	CategoryRecorder   Category = "recorder"   // Event windows, selector synthesis
	CategoryContent    Category = "content"    // Content-side handler
	CategoryBrowser    Category = "browser"    // go-rod sessions, CDP bindings
	CategoryStore      Category = "store"      // SQLite step store
	CategoryConfig     Category = "config"     // Config reload
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger is a category-bound sugared zap logger. The zero-cost no-op form is
// returned for disabled categories.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

type categoryLogger struct {
	logger *Logger
	file   *os.File
}

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*categoryLogger)
	logsDir   string
	opts      Options
	base      *zap.Logger
	nopLogger = zap.NewNop().Sugar()
)

// Initialize sets up the logs directory under the workspace and applies o.
// Should be called once at startup.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	Configure(o)
	if !o.DebugMode {
		return nil
	}

	dir := filepath.Join(workspace, ".tabdriver", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	mu.Lock()
	logsDir = dir
	mu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("logging initialized: workspace=%s level=%s json=%v", workspace, o.Level, o.JSONFormat)
	if len(o.Categories) == 0 {
		boot.Info("all categories enabled")
	}
	return nil
}

// Configure replaces the options and drops cached loggers so the next Get
// picks up the new level and category filter.
func Configure(o Options) {
	mu.Lock()
	defer mu.Unlock()
	opts = o
	closeLocked()
}

// SetBase routes every enabled category to l (named by category) instead of
// per-category files. Pass nil to go back to files.
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	closeLocked()
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabledLocked(category)
}

func enabledLocked(category Category) bool {
	if !opts.DebugMode {
		return false
	}
	enabled, exists := opts.Categories[string(category)]
	return !exists || enabled
}

func levelOf(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if cl, ok := loggers[category]; ok {
		mu.RUnlock()
		return cl.logger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cl, ok := loggers[category]; ok {
		return cl.logger
	}
	if !enabledLocked(category) {
		return &Logger{category: category, sugar: nopLogger}
	}

	var cl *categoryLogger
	switch {
	case base != nil:
		named := base.Named(string(category)).WithOptions(zap.IncreaseLevel(levelOf(opts.Level)))
		cl = &categoryLogger{logger: &Logger{category: category, sugar: named.Sugar()}}
	case logsDir != "":
		var err error
		cl, err = openFile(category)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] Warning: %v\n", err)
			return &Logger{category: category, sugar: nopLogger}
		}
	default:
		return &Logger{category: category, sugar: nopLogger}
	}
	loggers[category] = cl
	return cl.logger
}

func openFile(category Category) (*categoryLogger, error) {
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", path, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(file), levelOf(opts.Level))
	l := zap.New(core).Named(string(category))
	return &categoryLogger{
		logger: &Logger{category: category, sugar: l.Sugar()},
		file:   file,
	}, nil
}

// CloseAll flushes and closes every open log file (call at shutdown).
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	for _, cl := range loggers {
		_ = cl.logger.sugar.Sync()
		if cl.file != nil {
			cl.file.Close()
		}
	}
	loggers = make(map[Category]*categoryLogger)
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying structured key-value context, e.g.
// With("rtid", r.String(), "callback", id).
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Zap exposes the underlying logger for libraries that take a *zap.Logger.
func (l *Logger) Zap() *zap.Logger { return l.sugar.Desugar() }

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

func ChannelDebug(format string, args ...interface{}) { Get(CategoryChannel).Debug(format, args...) }
func ChannelWarn(format string, args ...interface{})  { Get(CategoryChannel).Warn(format, args...) }

func Dispatch(format string, args ...interface{})      { Get(CategoryDispatch).Info(format, args...) }
func DispatchDebug(format string, args ...interface{}) { Get(CategoryDispatch).Debug(format, args...) }
func DispatchWarn(format string, args ...interface{})  { Get(CategoryDispatch).Warn(format, args...) }

func LocatorDebug(format string, args ...interface{}) { Get(CategoryLocator).Debug(format, args...) }

func Recorder(format string, args ...interface{})      { Get(CategoryRecorder).Info(format, args...) }
func RecorderDebug(format string, args ...interface{}) { Get(CategoryRecorder).Debug(format, args...) }
func RecorderWarn(format string, args ...interface{})  { Get(CategoryRecorder).Warn(format, args...) }

func ContentDebug(format string, args ...interface{}) { Get(CategoryContent).Debug(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }
func BrowserError(format string, args ...interface{}) { Get(CategoryBrowser).Error(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
