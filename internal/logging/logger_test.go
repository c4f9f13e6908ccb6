package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func reset(t *testing.T) {
	t.Helper()
	SetBase(nil)
	Configure(Options{})
	mu.Lock()
	logsDir = ""
	mu.Unlock()
	t.Cleanup(func() {
		SetBase(nil)
		Configure(Options{})
	})
}

// TestCategoriesWriteFiles checks that enabled categories create log files when debug mode is on
func TestCategoriesWriteFiles(t *testing.T) {
	reset(t)
	tempDir := t.TempDir()

	err := Initialize(tempDir, Options{
		DebugMode: true,
		Level:     "debug",
		Categories: map[string]bool{
			"dispatch": true,
			"recorder": false,
		},
	})
	if err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	Get(CategoryDispatch).Info("sent %s", "query")
	Get(CategoryChannel).Debug("unlisted categories are enabled")
	Get(CategoryRecorder).Info("this should not be written")
	CloseAll()

	logs := filepath.Join(tempDir, ".tabdriver", "logs")
	entries, err := os.ReadDir(logs)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	found := map[string]bool{}
	for _, e := range entries {
		found[e.Name()] = true
	}
	date := time.Now().Format("2006-01-02")
	for _, want := range []string{"dispatch", "channel", "boot"} {
		if !found[date+"_"+want+".log"] {
			t.Errorf("missing log file for %s (have %v)", want, found)
		}
	}
	if found[date+"_recorder.log"] {
		t.Error("disabled category wrote a file")
	}

	data, err := os.ReadFile(filepath.Join(logs, date+"_dispatch.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "sent query") {
		t.Errorf("dispatch log missing message: %q", data)
	}
}

func TestProductionModeIsSilent(t *testing.T) {
	reset(t)
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Options{DebugMode: false}); err != nil {
		t.Fatal(err)
	}
	Get(CategoryDispatch).Error("nothing")

	if _, err := os.Stat(filepath.Join(tempDir, ".tabdriver", "logs")); !os.IsNotExist(err) {
		t.Errorf("logs dir should not exist in production mode, stat err = %v", err)
	}
	if IsCategoryEnabled(CategoryDispatch) {
		t.Error("categories must be disabled without debug mode")
	}
}

func TestSetBaseRoutesCategories(t *testing.T) {
	reset(t)
	core, recorded := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core))
	Configure(Options{DebugMode: true, Level: "info"})

	Get(CategoryBrowser).Debug("filtered by level")
	Get(CategoryBrowser).With("target", "T1").Info("attached %d", 1)

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "browser" || e.Message != "attached 1" {
		t.Errorf("entry = %s %q", e.LoggerName, e.Message)
	}
	if e.ContextMap()["target"] != "T1" {
		t.Errorf("context = %v", e.ContextMap())
	}
}

func TestConcurrentGet(t *testing.T) {
	reset(t)
	core, recorded := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core))
	Configure(Options{DebugMode: true, Level: "debug"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			DispatchDebug("message %d", i)
		}(i)
	}
	wg.Wait()

	if n := recorded.FilterLoggerName("dispatch").Len(); n != 20 {
		t.Errorf("got %d dispatch entries, want 20", n)
	}
}

func TestTimerThreshold(t *testing.T) {
	reset(t)
	core, recorded := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core))
	Configure(Options{DebugMode: true, Level: "debug"})

	timer := StartTimer(CategoryLocator, "resolve")
	time.Sleep(2 * time.Millisecond)
	timer.StopWithThreshold(time.Nanosecond)

	if recorded.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Errorf("expected one slow-operation warning, got %v", recorded.All())
	}
}
