package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"pagepilot-mcp-server/internal/browser"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/document"
	"pagepilot-mcp-server/internal/pilot"
)

var _ Browser = (*browser.SessionManager)(nil)

// fakeDriver serves captures but no scans.
type fakeDriver struct {
	height int
}

func (d *fakeDriver) CurrentHandle(context.Context) (document.Handle, error) {
	return document.Handle{Target: "fake", Generation: 1, URL: "https://example.test/"}, nil
}

func (d *fakeDriver) Evaluate(context.Context, document.Handle, string, ...interface{}) (json.RawMessage, error) {
	return nil, errors.New("fake driver cannot evaluate")
}

func (d *fakeDriver) Capture(context.Context, document.Handle, *document.Region) ([]byte, error) {
	img := imaging.New(200, d.height, color.NRGBA{R: 200, G: 200, B: 255, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *fakeDriver) OnDocumentReplaced(func(document.Handle)) {}

// fakeBrowser backs the Browser interface with in-memory pilot sessions.
type fakeBrowser struct {
	mu        sync.Mutex
	connected bool
	sessions  map[string]*pilot.Session
	meta      map[string]browser.Session
	navigated []string
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		sessions: make(map[string]*pilot.Session),
		meta:     make(map[string]browser.Session),
	}
}

func (b *fakeBrowser) add(id string) *pilot.Session {
	opts := pilot.DefaultOptions()
	opts.ImageRegionHeight = 100
	opts.ImageOverlap = 10
	p := pilot.NewSession(id, &fakeDriver{height: 250}, opts)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[id] = p
	b.meta[id] = browser.Session{ID: id, URL: "https://example.test/", Status: "active", CreatedAt: time.Now()}
	return p
}

func (b *fakeBrowser) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *fakeBrowser) Shutdown(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.sessions = make(map[string]*pilot.Session)
	b.meta = make(map[string]browser.Session)
	return nil
}

func (b *fakeBrowser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBrowser) ControlURL() string {
	if b.IsConnected() {
		return "ws://127.0.0.1:9222/devtools/browser/fake"
	}
	return ""
}

func (b *fakeBrowser) List() []browser.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]browser.Session, 0, len(b.meta))
	for _, s := range b.meta {
		out = append(out, s)
	}
	return out
}

func (b *fakeBrowser) GetSession(id string) (browser.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.meta[id]
	return s, ok
}

func (b *fakeBrowser) CreateSession(_ context.Context, url string) (*browser.Session, error) {
	if !b.IsConnected() {
		return nil, browser.ErrNotConnected
	}
	id := fmt.Sprintf("s%d", len(b.List())+1)
	b.add(id)
	s, _ := b.GetSession(id)
	s.URL = url
	return &s, nil
}

func (b *fakeBrowser) Attach(context.Context, string) (*browser.Session, error) {
	return nil, browser.ErrNotConnected
}

func (b *fakeBrowser) Navigate(_ context.Context, sessionID, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.meta[sessionID]
	if !ok {
		return fmt.Errorf("%s: %w", sessionID, browser.ErrUnknownSession)
	}
	s.URL = url
	b.meta[sessionID] = s
	b.navigated = append(b.navigated, url)
	return nil
}

func (b *fakeBrowser) Pilot(sessionID string) (*pilot.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, browser.ErrUnknownSession)
	}
	return p, nil
}

func testServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	cfg.Mangle.SchemaPath = "../../schemas/pilot.mg"
	return cfg
}
