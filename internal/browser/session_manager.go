package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"

	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/ledger"
	"pagepilot-mcp-server/internal/logging"
	"pagepilot-mcp-server/internal/pilot"
	"pagepilot-mcp-server/internal/recorder"
	"pagepilot-mcp-server/internal/tagger"
)

//go:embed events.js
var eventsJS string

var (
	ErrNotConnected   = errors.New("browser not connected")
	ErrUnknownSession = errors.New("unknown session")
	ErrDetached       = errors.New("session is detached")
)

// Session describes the public metadata for a tracked browser context.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta   Session
	page   *rod.Page
	driver *PageDriver
	pilot  *pilot.Session
	trace  *recorder.Trace
	cancel context.CancelFunc
}

func (r *sessionRecord) close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.trace != nil {
		_ = r.trace.Close()
	}
	if r.page != nil {
		_ = r.page.Close()
	}
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithPilotOptions sets the options every new pilot session starts with.
func WithPilotOptions(opts pilot.Options) Option {
	return func(m *SessionManager) { m.pilotOpts = opts }
}

// WithRecorder opens a trace per session in r.
func WithRecorder(r *recorder.Recorder) Option {
	return func(m *SessionManager) { m.recorder = r }
}

// WithLogger sets the manager logger.
func WithLogger(l *log.Logger) Option {
	return func(m *SessionManager) { m.logger = logging.OrNop(l) }
}

// SessionManager owns the browser connection and one pilot session per page.
type SessionManager struct {
	cfg       config.BrowserConfig
	engine    pilot.FactSink
	pilotOpts pilot.Options
	recorder  *recorder.Recorder
	logger    *log.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string // WebSocket URL for DevTools
}

// NewSessionManager builds a manager. sink may be nil.
func NewSessionManager(cfg config.BrowserConfig, sink pilot.FactSink, opts ...Option) *SessionManager {
	m := &SessionManager{
		cfg:       cfg,
		engine:    sink,
		pilotOpts: pilot.DefaultOptions(),
		logger:    logging.Nop(),
		sessions:  make(map[string]*sessionRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start connects to the configured debugger URL or launches a browser.
// A healthy existing connection is reused.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		for id, rec := range m.sessions {
			if rec.cancel != nil {
				rec.cancel()
			}
			delete(m.sessions, id)
		}
	}

	if err := m.loadSessionsLocked(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		url, err := m.launch()
		if err != nil {
			return err
		}
		controlURL = url
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.logger.Info("browser connected", "url", controlURL, "stealth", m.cfg.Stealth)
	return nil
}

func (m *SessionManager) launch() (string, error) {
	bin := m.cfg.Launch[0]
	l := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
	for _, rawFlag := range m.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	url, err := l.Launch()
	if err == nil {
		return url, nil
	}
	// Let rod pick the port and defaults.
	alt, altErr := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless()).Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return alt, nil
}

func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes every session page and the browser connection.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.sessions {
		rec.close()
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.logger.Info("browser shutdown complete")
	return err
}

// List returns session metadata, oldest first.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CreateSession opens a page in a fresh browser context and navigates to url.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, ErrNotConnected
	}

	var page *rod.Page
	var err error
	if m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		var incognito *rod.Browser
		incognito, err = b.Incognito()
		if err != nil {
			return nil, fmt.Errorf("incognito context: %w", err)
		}
		page, err = incognito.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("failed to set viewport", "err", err)
	}

	now := time.Now()
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        "about:blank",
		Status:     "active",
		CreatedAt:  now,
		LastActive: now,
	}
	// Hooks go in before the first navigation so the tracker runs in it.
	if _, err := m.bind(meta, page); err != nil {
		_ = page.Close()
		return nil, err
	}

	if url != "" {
		if err := m.Navigate(ctx, meta.ID, url); err != nil {
			m.logger.Warn("initial navigation failed", "session", meta.ID, "url", url, "err", err)
		}
	}

	s, _ := m.GetSession(meta.ID)
	return &s, nil
}

// Attach binds a new session to an existing page target.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, ErrNotConnected
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	now := time.Now()
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     "attached",
		CreatedAt:  now,
		LastActive: now,
	}
	if info, err := page.Context(ctx).Info(); err == nil {
		meta.URL = info.URL
		meta.Title = info.Title
	}

	rec, err := m.bind(meta, page)
	if err != nil {
		return nil, err
	}
	// EvalOnNewDocument only covers future documents.
	if err := m.installCurrent(ctx, rec); err != nil {
		m.logger.Warn("event tracker not installed on current document", "session", meta.ID, "err", err)
	}
	return &meta, nil
}

// bind wires a page into a pilot session and starts its event stream.
func (m *SessionManager) bind(meta Session, page *rod.Page) (*sessionRecord, error) {
	logger := m.logger.With("session", meta.ID)
	driver := NewPageDriver(page, meta.URL, logger)

	options := []pilot.Option{pilot.WithLogger(logger)}
	if m.engine != nil {
		options = append(options, pilot.WithFacts(m.engine))
	}
	var trace *recorder.Trace
	if m.recorder != nil {
		t, err := m.recorder.Open(meta.ID)
		if err != nil {
			logger.Warn("trace not opened", "err", err)
		} else {
			trace = t
			options = append(options, pilot.WithTracer(t))
		}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	rec := &sessionRecord{
		meta:   meta,
		page:   page,
		driver: driver,
		pilot:  pilot.NewSession(meta.ID, driver, m.pilotOpts, options...),
		trace:  trace,
		cancel: cancel,
	}

	if _, err := page.EvalOnNewDocument(trackerScript(m.trackerAttrs())); err != nil {
		rec.close()
		return nil, fmt.Errorf("install event tracker: %w", err)
	}

	m.mu.Lock()
	m.sessions[meta.ID] = rec
	m.mu.Unlock()

	m.startEventStream(streamCtx, rec)
	if err := m.persistSessions(); err != nil {
		logger.Warn("persist sessions", "err", err)
	}
	return rec, nil
}

func (m *SessionManager) trackerAttrs() (string, string) {
	opts := tagger.New(m.pilotOpts.Tagger).Options()
	return opts.ActionAttr, opts.StateAttr
}

// trackerScript renders events.js as a self-invoking expression.
func trackerScript(actionAttr, stateAttr string) string {
	args, _ := json.Marshal([]string{actionAttr, stateAttr})
	return fmt.Sprintf("(%s)(...%s)", eventsJS, args)
}

func (m *SessionManager) installCurrent(ctx context.Context, rec *sessionRecord) error {
	h, err := rec.driver.CurrentHandle(ctx)
	if err != nil {
		return err
	}
	actionAttr, stateAttr := m.trackerAttrs()
	_, err = rec.driver.Evaluate(ctx, h, eventsJS, actionAttr, stateAttr)
	return err
}

// Navigate loads url in the session page and refreshes its metadata.
func (m *SessionManager) Navigate(ctx context.Context, sessionID, url string) error {
	rec, err := m.record(sessionID)
	if err != nil {
		return err
	}
	page := rec.page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		m.logger.Debug("wait load", "session", sessionID, "err", err)
	}

	title := ""
	if info, err := rec.page.Info(); err == nil {
		title = info.Title
		url = info.URL
	}
	m.UpdateMetadata(sessionID, func(s Session) Session {
		s.URL = url
		if title != "" {
			s.Title = title
		}
		s.LastActive = time.Now()
		return s
	})
	return nil
}

func (m *SessionManager) record(sessionID string) (*sessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrUnknownSession)
	}
	if rec.pilot == nil {
		return nil, fmt.Errorf("%s (use attach-session): %w", sessionID, ErrDetached)
	}
	return rec, nil
}

// Pilot returns the automation session bound to sessionID.
func (m *SessionManager) Pilot(sessionID string) (*pilot.Session, error) {
	rec, err := m.record(sessionID)
	if err != nil {
		return nil, err
	}
	m.UpdateMetadata(sessionID, func(s Session) Session {
		s.LastActive = time.Now()
		return s
	})
	return rec.pilot, nil
}

// Page returns the rod page for a session.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return nil, false
	}
	return rec.page, true
}

// UpdateMetadata applies updater to a session's metadata.
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.meta = updater(rec.meta)
	}
}

// GetSession retrieves session metadata by ID.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// pageEvent is one entry drained from the in-page tracker.
type pageEvent struct {
	Type    string  `json:"type"`
	Subkind string  `json:"subkind"`
	Message string  `json:"message"`
	TS      float64 `json:"ts"`
}

func (e pageEvent) toLedger() (ledger.Event, bool) {
	var kind string
	switch e.Type {
	case "click":
		kind = ledger.KindClick
	case "input":
		kind = ledger.KindInput
	case "state":
		kind = ledger.KindState
	case "toast":
		kind = ledger.KindToast
	case "prompt":
		kind = ledger.KindPrompt
	default:
		return ledger.Event{}, false
	}
	ev := ledger.Event{Kind: kind, Subkind: e.Subkind, Message: e.Message}
	if e.TS > 0 {
		ev.Timestamp = time.UnixMilli(int64(e.TS))
	}
	return ev, true
}

const drainJS = `() => window.__pagepilotDrain ? window.__pagepilotDrain() : []`

const showPromptJS = `(message, value) => window.__pagepilotShowPrompt ? window.__pagepilotShowPrompt(message, value) : false`

func (m *SessionManager) startEventStream(ctx context.Context, rec *sessionRecord) {
	id := rec.meta.ID
	logger := m.logger.With("session", id)
	page := rec.page.Context(ctx)

	wait := page.EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame == nil || ev.Frame.ParentID != "" {
				return
			}
			rec.driver.documentReplaced(ev.Frame.URL)
			m.UpdateMetadata(id, func(s Session) Session {
				s.URL = ev.Frame.URL
				s.LastActive = time.Now()
				return s
			})
		},
		func(ev *proto.PageFrameRequestedNavigation) {
			if ev.FrameID != rec.page.FrameID {
				return
			}
			rec.pilot.RecordEvent(ctx, ledger.Event{
				Kind:    ledger.KindNavigation,
				Subkind: "pending",
				Message: ev.URL,
			})
		},
		func(ev *proto.PageJavascriptDialogOpening) {
			m.handleDialog(ctx, rec, ev)
		},
	)
	go wait()

	go func() {
		interval := m.cfg.EventPollInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.drain(ctx, rec); err != nil {
					logger.Debug("drain events", "err", err)
				}
			}
		}
	}()
}

// drain moves tracker events from the page into the ledger.
func (m *SessionManager) drain(ctx context.Context, rec *sessionRecord) error {
	h, err := rec.driver.CurrentHandle(ctx)
	if err != nil {
		return err
	}
	raw, err := rec.driver.Evaluate(ctx, h, drainJS)
	if err != nil {
		return err
	}
	var events []pageEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return fmt.Errorf("decode events: %w", err)
	}
	for _, pe := range events {
		if ev, ok := pe.toLedger(); ok {
			rec.pilot.RecordEvent(ctx, ev)
		}
	}
	return nil
}

// handleDialog answers native dialogs per policy so the page never blocks.
// Prompts additionally get an in-page form the agent can fill as an action.
func (m *SessionManager) handleDialog(ctx context.Context, rec *sessionRecord, ev *proto.PageJavascriptDialogOpening) {
	accept := m.cfg.AcceptDialogs()
	answer := proto.PageHandleJavaScriptDialog{Accept: accept}
	if ev.Type == proto.PageDialogTypePrompt && accept {
		answer.PromptText = ev.DefaultPrompt
	}
	if err := answer.Call(rec.page); err != nil {
		m.logger.Warn("dialog not handled", "session", rec.meta.ID, "type", ev.Type, "err", err)
	}

	rec.pilot.RecordEvent(ctx, ledger.Event{
		Kind:    ledger.KindDialog,
		Subkind: string(ev.Type),
		Message: ev.Message,
	})

	if ev.Type != proto.PageDialogTypePrompt {
		return
	}
	go func() {
		h, err := rec.driver.CurrentHandle(ctx)
		if err != nil {
			return
		}
		if _, err := rec.driver.Evaluate(ctx, h, showPromptJS, ev.Message, ev.DefaultPrompt); err != nil {
			m.logger.Debug("prompt overlay", "session", rec.meta.ID, "err", err)
		}
	}()
}

func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	sessions := m.List()
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessionsLocked restores persisted metadata. Restored sessions have no
// page; attach-session binds a live target. Caller holds m.mu.
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
		if _, live := m.sessions[s.ID]; live {
			continue
		}
		s.Status = "detached"
		m.sessions[s.ID] = &sessionRecord{meta: s}
	}
	return nil
}
