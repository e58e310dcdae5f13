package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"pagepilot-mcp-server/internal/document"
	"pagepilot-mcp-server/internal/logging"
)

// CDP errors that mean the execution context belongs to a replaced document.
var staleMarkers = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Inspected target navigated or closed",
	"uniqueContextId not found",
	"Node with given id does not belong to the document",
}

func isStaleCDPError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range staleMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// PageDriver adapts a rod page to document.Driver. Each main-frame
// navigation bumps the generation, invalidating earlier handles.
type PageDriver struct {
	page   *rod.Page
	target string
	logger *log.Logger

	mu       sync.Mutex
	gen      uint64
	url      string
	replaced []func(document.Handle)
}

// NewPageDriver wraps page. The first document is generation 1.
func NewPageDriver(page *rod.Page, url string, logger *log.Logger) *PageDriver {
	return &PageDriver{
		page:   page,
		target: string(page.TargetID),
		logger: logging.OrNop(logger),
		gen:    1,
		url:    url,
	}
}

func (d *PageDriver) handle() document.Handle {
	return document.Handle{Target: d.target, Generation: d.gen, URL: d.url}
}

// CurrentHandle returns the handle of the loaded document.
func (d *PageDriver) CurrentHandle(context.Context) (document.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle(), nil
}

// OnDocumentReplaced registers fn for every committed main-frame navigation.
func (d *PageDriver) OnDocumentReplaced(fn func(document.Handle)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replaced = append(d.replaced, fn)
}

// documentReplaced records a committed navigation to url and notifies
// listeners outside the lock.
func (d *PageDriver) documentReplaced(url string) document.Handle {
	d.mu.Lock()
	d.gen++
	d.url = url
	h := d.handle()
	fns := append([]func(document.Handle){}, d.replaced...)
	d.mu.Unlock()

	d.logger.Debug("document replaced", "handle", h.String(), "url", url)
	for _, fn := range fns {
		fn(h)
	}
	return h
}

func (d *PageDriver) check(h document.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.Target != d.target || h.Generation != d.gen {
		return fmt.Errorf("%s (current %s): %w", h, d.handle(), document.ErrStaleHandle)
	}
	return nil
}

// Evaluate runs script with args against the document behind h.
func (d *PageDriver) Evaluate(ctx context.Context, h document.Handle, script string, args ...interface{}) (json.RawMessage, error) {
	if err := d.check(h); err != nil {
		return nil, err
	}
	res, err := d.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           script,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
	if err != nil {
		if isStaleCDPError(err) {
			return nil, fmt.Errorf("evaluate on %s: %v: %w", h, err, document.ErrStaleHandle)
		}
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal evaluation result: %w", err)
	}
	return raw, nil
}

// Capture screenshots region, or the full scrollable page when region is nil.
func (d *PageDriver) Capture(ctx context.Context, h document.Handle, region *document.Region) ([]byte, error) {
	if err := d.check(h); err != nil {
		return nil, err
	}
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	full := region == nil
	if region != nil {
		req.Clip = &proto.PageViewport{
			X:      region.X,
			Y:      region.Y,
			Width:  region.Width,
			Height: region.Height,
			Scale:  1,
		}
		req.CaptureBeyondViewport = true
	}
	data, err := d.page.Context(ctx).Screenshot(full, req)
	if err != nil {
		if isStaleCDPError(err) {
			return nil, fmt.Errorf("capture %s: %v: %w", h, err, document.ErrStaleHandle)
		}
		return nil, fmt.Errorf("capture: %w", err)
	}
	return data, nil
}
