// Package browser drives live Chrome tabs through go-rod: it tracks tabs as
// sessions, serves their documents as locator hosts, answers dispatcher
// messages for them and captures user actions for the recorder.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/shlex"
	"github.com/google/uuid"

	"tabdriver/internal/logging"
	"tabdriver/internal/message"
)

var (
	ErrNotConnected = errors.New("browser not connected")
	ErrUnknownTab   = errors.New("unknown tab")
)

// Session describes the public metadata for a tracked tab.
type Session struct {
	ID         string    `json:"id"`
	Tab        int       `json:"tab"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta Session
	page *rod.Page
}

type eventThrottler struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newEventThrottler(ms int) *eventThrottler {
	if ms <= 0 {
		return nil
	}
	return &eventThrottler{
		interval: time.Duration(ms) * time.Millisecond,
		last:     make(map[string]time.Time),
	}
}

func (t *eventThrottler) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.last[key]; ok {
		if now.Sub(last) < t.interval {
			return false
		}
	}
	t.last[key] = now
	return true
}

// Config holds browser configuration.
type Config struct {
	DebuggerURL string `yaml:"debugger_url" json:"debugger_url"`
	// Launch is a command line such as "chromium --no-sandbox --lang=en".
	Launch              string `yaml:"launch" json:"launch"`
	Headless            bool   `yaml:"headless" json:"headless"`
	ViewportWidth       int    `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height" json:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms" json:"navigation_timeout_ms"`
	SessionStore        string `yaml:"session_store" json:"session_store"`
	EventThrottleMs     int    `yaml:"event_throttle_ms" json:"event_throttle_ms"`
	PollIntervalMs      int    `yaml:"poll_interval_ms" json:"poll_interval_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            false,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		NavigationTimeoutMs: 30000,
		EventThrottleMs:     100,
		PollIntervalMs:      500,
	}
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1920
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 1080
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// PollInterval is how often recorder hooks drain the page's event buffer.
func (c Config) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// LaunchCommand splits Launch into a binary and its flags. An empty Launch
// yields an empty binary, meaning rod's own browser lookup.
func (c Config) LaunchCommand() (bin string, args []string, err error) {
	parts, err := shlex.Split(c.Launch)
	if err != nil {
		return "", nil, fmt.Errorf("parse launch command: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return parts[0], parts[1:], nil
}

// launcherFor builds a rod launcher from the configured command line.
func (c Config) launcherFor() (*launcher.Launcher, error) {
	bin, args, err := c.LaunchCommand()
	if err != nil {
		return nil, err
	}
	l := launcher.New().Headless(c.Headless)
	if bin != "" {
		l = l.Bin(bin)
	}
	for _, raw := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l, nil
}

// Event is a tab lifecycle change observed over CDP.
type Event struct {
	Name      string
	Tab       int
	URL       string
	MainFrame bool
}

// SessionManager owns the Chrome connection and numbers its tabs. Tab
// numbers are assigned in discovery order and never reused.
type SessionManager struct {
	cfg      Config
	throttle *eventThrottler

	mu         sync.RWMutex
	browser    *rod.Browser
	browserID  string
	controlURL string
	sessions   map[string]*sessionRecord
	byTab      map[int]string
	byTarget   map[string]string
	nextTab    int
	onEvent    func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		throttle: newEventThrottler(cfg.EventThrottleMs),
		sessions: make(map[string]*sessionRecord),
		byTab:    make(map[int]string),
		byTarget: make(map[string]string),
	}
}

// Config returns the manager's configuration.
func (m *SessionManager) Config() Config { return m.cfg }

// OnEvent installs the callback receiving tab lifecycle events.
func (m *SessionManager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

func (m *SessionManager) emit(ev Event) {
	m.mu.RLock()
	fn := m.onEvent
	m.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("stale browser connection detected, reconnecting")
		m.closeLocked()
	}

	if err := m.loadSessionsLocked(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l, err := m.cfg.launcherFor()
		if err != nil {
			return err
		}
		u, err := l.Launch()
		if err != nil {
			fallback, altErr := launcher.New().Headless(m.cfg.Headless).Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			u = fallback
		}
		controlURL = u
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := rod.New().ControlURL(controlURL).Context(runCtx)
	if err := b.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		logging.BrowserWarn("target discovery unavailable: %v", err)
	}

	m.browser = b
	m.controlURL = controlURL
	m.browserID = browserIDFromURL(controlURL)
	m.ctx, m.cancel = runCtx, cancel
	m.watchTargets(runCtx, b)
	logging.Browser("connected to %s as browser %s", controlURL, m.browserID)
	return nil
}

// browserIDFromURL returns the devtools browser id, the last path segment of
// ws://host/devtools/browser/<id>, or the host when there is none.
func browserIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "local"
	}
	if strings.Contains(u.Path, "/devtools/browser/") {
		return path.Base(u.Path)
	}
	return u.Host
}

func (m *SessionManager) watchTargets(ctx context.Context, b *rod.Browser) {
	wait := b.Context(ctx).EachEvent(func(ev *proto.TargetTargetDestroyed) {
		if tab, ok := m.forget(string(ev.TargetID)); ok {
			m.emit(Event{Name: message.EventTabRemoved, Tab: tab})
		}
	})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		wait()
	}()
}

func (m *SessionManager) forget(targetID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTarget[targetID]
	if !ok {
		return 0, false
	}
	rec := m.sessions[id]
	delete(m.byTarget, targetID)
	delete(m.byTab, rec.meta.Tab)
	delete(m.sessions, id)
	logging.Browser("tab %d (%s) closed", rec.meta.Tab, targetID)
	return rec.meta.Tab, true
}

func (m *SessionManager) ensureStarted(ctx context.Context) error {
	if m.IsConnected() {
		return nil
	}
	return m.Start(ctx)
}

// Browser returns the rod browser, or nil before Start.
func (m *SessionManager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// BrowserID is the browser field of every RTID this manager serves.
func (m *SessionManager) BrowserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browserID
}

// ControlURL returns the WebSocket debugger URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown stops event streams and disconnects. Tabs stay open: the browser
// belongs to the user.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	err := m.closeLocked()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if perr := m.persistSessions(); perr != nil {
		logging.BrowserWarn("persist sessions: %v", perr)
	}
	return err
}

func (m *SessionManager) closeLocked() error {
	var err error
	if m.browser != nil && m.cfg.DebuggerURL == "" {
		err = m.browser.Close()
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for _, rec := range m.sessions {
		rec.page = nil
		rec.meta.Status = "detached"
	}
	m.browser = nil
	m.controlURL = ""
	return err
}

// Sync tracks every page target the browser has that is not tracked yet and
// returns all live sessions ordered by tab.
func (m *SessionManager) Sync(ctx context.Context) ([]Session, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	b := m.Browser()
	if b == nil {
		return nil, ErrNotConnected
	}
	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	for _, p := range pages {
		m.track(p, "attached")
	}
	return m.List(), nil
}

// List returns live sessions ordered by tab.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.byTab))
	for _, id := range m.byTab {
		results = append(results, m.sessions[id].meta)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Tab < results[j].Tab })
	return results
}

// track registers page unless its target is already live and returns its
// session.
func (m *SessionManager) track(page *rod.Page, status string) Session {
	target := string(page.TargetID)

	m.mu.Lock()
	if m.ctx != nil {
		// Tracked pages outlive the call that found them.
		page = page.Context(m.ctx)
	}
	var meta Session
	if id, ok := m.byTarget[target]; ok {
		rec := m.sessions[id]
		if rec.page != nil {
			meta := rec.meta
			m.mu.Unlock()
			return meta
		}
		// A persisted or previously detached session keeps its tab number.
		rec.page = page
		rec.meta.Status = status
		rec.meta.LastActive = time.Now()
		m.byTab[rec.meta.Tab] = id
		meta = rec.meta
	} else {
		m.nextTab++
		meta = Session{
			ID:         uuid.NewString(),
			Tab:        m.nextTab,
			TargetID:   target,
			Status:     status,
			CreatedAt:  time.Now(),
			LastActive: time.Now(),
		}
		m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page}
		m.byTab[meta.Tab] = meta.ID
		m.byTarget[target] = meta.ID
	}
	ctx := m.ctx
	m.mu.Unlock()

	if info, err := page.Info(); err == nil {
		m.UpdateMetadata(meta.ID, func(s Session) Session {
			s.URL, s.Title = info.URL, info.Title
			return s
		})
	}
	if ctx != nil {
		m.startEventStream(ctx, meta.Tab, meta.ID, page)
	}
	logging.Browser("tracking target %s as tab %d", target, meta.Tab)
	return meta
}

// CreateSession opens a new tab and tracks it.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	b := m.Browser()
	if b == nil {
		return nil, ErrNotConnected
	}

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserWarn("failed to set viewport: %v", err)
	}
	if err := page.Timeout(m.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		logging.BrowserWarn("load %s: %v", url, err)
	}

	meta := m.track(page, "active")
	m.savePersisted()
	meta, _ = m.GetSession(meta.ID)
	return &meta, nil
}

// Attach binds to an existing target by TargetID.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	b := m.Browser()
	if b == nil {
		return nil, ErrNotConnected
	}

	page, err := b.Context(ctx).PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	meta := m.track(page, "attached")
	m.savePersisted()
	meta, _ = m.GetSession(meta.ID)
	return &meta, nil
}

// Page returns the rod page of a tab.
func (m *SessionManager) Page(tab int) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTab[tab]
	if !ok {
		return nil, false
	}
	rec := m.sessions[id]
	return rec.page, rec.page != nil
}

func (m *SessionManager) mustPage(tab int) (*rod.Page, error) {
	p, ok := m.Page(tab)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTab, tab)
	}
	return p, nil
}

// UpdateMetadata updates session metadata.
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns session metadata.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// Navigate loads url in a tab and waits for the load event.
func (m *SessionManager) Navigate(ctx context.Context, tab int, url string) error {
	page, err := m.mustPage(tab)
	if err != nil {
		return err
	}
	p := page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate tab %d: %w", tab, err)
	}
	return p.WaitLoad()
}

// Close closes a tab.
func (m *SessionManager) Close(ctx context.Context, tab int) error {
	page, err := m.mustPage(tab)
	if err != nil {
		return err
	}
	if err := page.Context(ctx).Close(); err != nil {
		return fmt.Errorf("close tab %d: %w", tab, err)
	}
	if tab, ok := m.forget(string(page.TargetID)); ok {
		m.emit(Event{Name: message.EventTabRemoved, Tab: tab})
	}
	return nil
}

// startEventStream follows navigations of a tab. Main-frame navigations are
// always reported; child-frame navigations are throttled per tab.
func (m *SessionManager) startEventStream(ctx context.Context, tab int, sessionID string, page *rod.Page) {
	wait := page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil {
			return
		}
		main := ev.Frame.ParentID == ""
		if main {
			m.UpdateMetadata(sessionID, func(s Session) Session {
				s.URL = ev.Frame.URL
				s.LastActive = time.Now()
				return s
			})
		} else if !m.throttle.Allow(fmt.Sprintf("frame-nav:%d", tab)) {
			return
		}
		logging.BrowserDebug("tab %d navigated to %s (main=%v)", tab, ev.Frame.URL, main)
		m.emit(Event{Name: message.EventNavigated, Tab: tab, URL: ev.Frame.URL, MainFrame: main})
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		wait()
	}()
}

// savePersisted persists session metadata; a failure is logged, not
// returned, since the tab itself is usable.
func (m *SessionManager) savePersisted() {
	if err := m.persistSessions(); err != nil {
		logging.BrowserWarn("persist sessions: %v", err)
	}
}

// persistSessions writes session metadata to disk.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.meta)
	}
	m.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Tab < sessions[j].Tab })

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessionsLocked loads persisted metadata as detached sessions so that
// re-attaching a known target keeps its tab number. Caller must hold lock.
func (m *SessionManager) loadSessionsLocked() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	for _, s := range sessions {
		if _, ok := m.byTarget[s.TargetID]; ok || s.TargetID == "" {
			continue
		}
		s.Status = "detached"
		m.sessions[s.ID] = &sessionRecord{meta: s}
		m.byTarget[s.TargetID] = s.ID
		if s.Tab > m.nextTab {
			m.nextTab = s.Tab
		}
	}
	return nil
}
