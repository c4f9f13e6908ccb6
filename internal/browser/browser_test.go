package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/input"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tabdriver/internal/content"
	"tabdriver/internal/logging"
	"tabdriver/internal/message"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

func TestLaunchCommand(t *testing.T) {
	tests := []struct {
		name     string
		launch   string
		wantBin  string
		wantArgs []string
	}{
		{"empty", "", "", nil},
		{"bare binary", "chromium", "chromium", []string{}},
		{
			"quoted path and flags",
			`"/opt/Google Chrome/chrome" --no-sandbox --user-data-dir='/tmp/my profile'`,
			"/opt/Google Chrome/chrome",
			[]string{"--no-sandbox", "--user-data-dir=/tmp/my profile"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, args, err := Config{Launch: tt.launch}.LaunchCommand()
			require.NoError(t, err)
			assert.Equal(t, tt.wantBin, bin)
			if diff := cmp.Diff(tt.wantArgs, args); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}

	_, _, err := Config{Launch: `chrome "--lang=en`}.LaunchCommand()
	assert.Error(t, err)
}

func TestConfigFallbacks(t *testing.T) {
	var c Config
	assert.Equal(t, 1920, c.GetViewportWidth())
	assert.Equal(t, 1080, c.GetViewportHeight())
	assert.Equal(t, 30*time.Second, c.NavigationTimeout())
	assert.Equal(t, 500*time.Millisecond, c.PollInterval())

	c = Config{NavigationTimeoutMs: 1500, PollIntervalMs: 50}
	assert.Equal(t, 1500*time.Millisecond, c.NavigationTimeout())
	assert.Equal(t, 50*time.Millisecond, c.PollInterval())
}

func TestBrowserIDFromURL(t *testing.T) {
	assert.Equal(t, "5f0c7a1e-9d2b", browserIDFromURL("ws://127.0.0.1:9222/devtools/browser/5f0c7a1e-9d2b"))
	assert.Equal(t, "127.0.0.1:9222", browserIDFromURL("http://127.0.0.1:9222"))
	assert.Equal(t, "local", browserIDFromURL("::not a url"))
}

func TestEventThrottler(t *testing.T) {
	var off *eventThrottler
	assert.True(t, off.Allow("x"))
	assert.True(t, off.Allow("x"), "a nil throttler allows everything")
	assert.Nil(t, newEventThrottler(0))

	th := newEventThrottler(60_000)
	assert.True(t, th.Allow("frame-nav:1"))
	assert.False(t, th.Allow("frame-nav:1"))
	assert.True(t, th.Allow("frame-nav:2"), "keys are throttled independently")
}

func TestKeyFor(t *testing.T) {
	k, err := KeyFor("Enter")
	require.NoError(t, err)
	assert.Equal(t, input.Enter, k)

	k, err = KeyFor("a")
	require.NoError(t, err)
	assert.Equal(t, input.Key('a'), k)

	for _, bad := range []string{"", "F13", "é", "ab"} {
		_, err := KeyFor(bad)
		assert.ErrorIs(t, err, ErrUnknownKey, bad)
	}
}

func TestResolvePages(t *testing.T) {
	b := rtid.New(rtid.Browser("b1"))
	pages := []pageObject{
		{Session: Session{Tab: 1, URL: "https://shop.example/cart", Title: "Cart"}, Window: 7},
		{Session: Session{Tab: 2, URL: "https://docs.example/", Title: "Docs"}, Window: 7},
		{Session: Session{Tab: 4, URL: "https://shop.example/", Title: "Shop"}, Window: 9},
	}
	ctx := context.Background()

	refs, err := resolvePages(ctx, b, pages, selector.QueryInfo{})
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	refs, err = resolvePages(ctx, b, pages, selector.QueryInfo{
		Mandatory: []selector.Selector{selector.Property("url", selector.MatchStartsWith, selector.String("https://shop."))},
		Assistive: []selector.Selector{selector.Property("title", selector.MatchExact, selector.String("Shop"))},
	})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, b.With(rtid.Tab(4)), refs[0].RTID)
	assert.Equal(t, selector.ObjectPage, refs[0].Type)

	refs, err = resolvePages(ctx, b, pages, selector.QueryInfo{
		Mandatory: []selector.Selector{selector.Property("windowId", selector.MatchExact, selector.Number(7))},
		Ordinal:   &selector.Ordinal{Index: 0, Reverse: true},
	})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, b.With(rtid.Tab(2)), refs[0].RTID)

	_, err = resolvePages(ctx, b, pages, selector.QueryInfo{Primary: []selector.Selector{selector.CSS("body")}})
	assert.ErrorIs(t, err, selector.ErrContract)
}

func TestSessionsPersistAcrossManagers(t *testing.T) {
	store := filepath.Join(t.TempDir(), "state", "sessions.json")
	cfg := Config{SessionStore: store}

	m := NewSessionManager(cfg)
	for i, target := range []string{"T-A", "T-B", "T-C"} {
		s := Session{ID: target + "-id", Tab: i + 1, TargetID: target, Status: "active"}
		m.sessions[s.ID] = &sessionRecord{meta: s}
		m.byTab[s.Tab] = s.ID
		m.byTarget[target] = s.ID
	}
	m.nextTab = 3
	require.NoError(t, m.persistSessions())
	_, err := os.Stat(store)
	require.NoError(t, err)

	restored := NewSessionManager(cfg)
	require.NoError(t, restored.loadSessionsLocked())
	assert.Equal(t, 3, restored.nextTab, "new tabs are numbered after persisted ones")
	s, ok := restored.GetSession("T-B-id")
	require.True(t, ok)
	assert.Equal(t, 2, s.Tab)
	assert.Equal(t, "detached", s.Status)
	assert.Empty(t, restored.List(), "detached sessions are not live tabs")
	_, ok = restored.Page(2)
	assert.False(t, ok)

	tab, ok := restored.forget("T-B")
	require.True(t, ok)
	assert.Equal(t, 2, tab)
	_, ok = restored.GetSession("T-B-id")
	assert.False(t, ok)
}

func TestMissingSessionStoreIsEmpty(t *testing.T) {
	m := NewSessionManager(Config{SessionStore: filepath.Join(t.TempDir(), "none.json")})
	require.NoError(t, m.loadSessionsLocked())
	assert.Empty(t, m.sessions)
}

func TestUnknownTab(t *testing.T) {
	m := NewSessionManager(Config{})
	err := m.Navigate(context.Background(), 3, "https://example.com")
	assert.True(t, errors.Is(err, ErrUnknownTab))
	assert.ErrorIs(t, m.Close(context.Background(), 3), ErrUnknownTab)
}

func TestInvalidateDropsStaleFrames(t *testing.T) {
	h := NewBrowserHandler(NewSessionManager(Config{}))
	add := func(tab, frame int) {
		h.frames[frameKey{tab, frame}] = content.NewHandler(h.TabRTID(tab).With(rtid.Frame(frame)), nil)
	}
	keys := func() map[frameKey]bool {
		out := make(map[frameKey]bool)
		for k := range h.frames {
			out[k] = true
		}
		return out
	}
	for _, k := range []frameKey{{1, 0}, {1, 1}, {1, 2}, {2, 0}} {
		add(k.tab, k.frame)
	}
	h.active = 1

	h.Invalidate(Event{Name: message.EventNavigated, Tab: 1, MainFrame: false})
	assert.Equal(t, map[frameKey]bool{{1, 0}: true, {2, 0}: true}, keys(), "child navigation keeps the main frame")

	h.Invalidate(Event{Name: message.EventNavigated, Tab: 1, MainFrame: true})
	assert.Equal(t, map[frameKey]bool{{2, 0}: true}, keys())
	assert.Equal(t, 1, h.active)

	h.Invalidate(Event{Name: message.EventTabRemoved, Tab: 1})
	assert.Equal(t, 0, h.active)
	h.Invalidate(Event{Name: message.EventTabRemoved, Tab: 2})
	assert.Empty(t, h.frames)
}

func TestHandlerScopeCoversBrowser(t *testing.T) {
	sm := NewSessionManager(Config{})
	sm.browserID = "b7"
	h := NewBrowserHandler(sm)
	scope := h.Scope()
	assert.True(t, scope.Target.Contains(h.TabRTID(3).With(rtid.Frame(0), rtid.External("n4"))))
	assert.False(t, scope.Target.Contains(rtid.New(rtid.Browser("other"), rtid.Tab(3))))

	resp, err := h.Handle(context.Background(), message.Message{Type: message.KindEvent, RTID: h.TabRTID(3), Action: message.Action{Name: message.EventNavigated}})
	require.NoError(t, err)
	assert.Equal(t, message.Message{}, resp, "events need no answer")
}

func TestPersistFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetBase(zap.New(core))
	logging.Configure(logging.Options{DebugMode: true, Level: "debug"})
	t.Cleanup(func() {
		logging.SetBase(nil)
		logging.Configure(logging.Options{})
	})

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	m := NewSessionManager(Config{SessionStore: filepath.Join(blocker, "sessions.json")})
	m.sessions["s1"] = &sessionRecord{meta: Session{ID: "s1", Tab: 1}}

	m.savePersisted()

	warned := logs.FilterMessageSnippet("persist sessions").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)
	assert.Equal(t, "browser", warned[0].LoggerName)
}

func TestIsConnectedBeforeStart(t *testing.T) {
	m := NewSessionManager(Config{})
	assert.False(t, m.IsConnected())
	assert.Empty(t, m.List())
}
