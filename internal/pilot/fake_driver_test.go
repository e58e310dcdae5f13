package pilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"

	"pagepilot-mcp-server/internal/document"
	"pagepilot-mcp-server/internal/mangle"
	"pagepilot-mcp-server/internal/settle"
	"pagepilot-mcp-server/internal/tagger"
)

// fakeNode is one candidate of the scripted document.
type fakeNode struct {
	cand    tagger.Candidate
	onClick func(d *fakeDriver)
}

// fakeDriver is an in-memory document that understands the scan, observer
// and dispatch scripts.
type fakeDriver struct {
	mu         sync.Mutex
	gen        uint64
	title      string
	url        string
	nodes      []*fakeNode
	observing  bool
	records    []settle.Mutation
	dispatched []dispatchRequest
	staleNext  int
	image      []byte
	replaced   func(document.Handle)
}

func newFakeDriver(title, url string, nodes ...*fakeNode) *fakeDriver {
	d := &fakeDriver{gen: 1}
	d.load(title, url, nodes)
	return d
}

func (d *fakeDriver) load(title, url string, nodes []*fakeNode) {
	d.title = title
	d.url = url
	d.nodes = nodes
	for i, n := range nodes {
		if n.cand.Locator == "" {
			n.cand.Locator = fmt.Sprintf("html > body:nth-of-type(1) > *:nth-child(%d)", i+1)
		}
	}
}

// navigate replaces the document and fires the replacement callback.
func (d *fakeDriver) navigate(title, url string, nodes ...*fakeNode) {
	d.mu.Lock()
	d.gen++
	d.load(title, url, nodes)
	d.observing = false
	d.records = nil
	h := document.Handle{Target: "page-1", Generation: d.gen, URL: url}
	cb := d.replaced
	d.mu.Unlock()
	if cb != nil {
		cb(h)
	}
}

// mutate appends mutation records while an observer is installed.
func (d *fakeDriver) mutate(ms ...settle.Mutation) {
	if d.observing {
		d.records = append(d.records, ms...)
	}
}

func (d *fakeDriver) dispatchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

func (d *fakeDriver) CurrentHandle(context.Context) (document.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return document.Handle{Target: "page-1", Generation: d.gen, URL: d.url}, nil
}

func (d *fakeDriver) OnDocumentReplaced(fn func(document.Handle)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replaced = fn
}

func (d *fakeDriver) Capture(_ context.Context, h document.Handle, _ *document.Region) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.Generation != d.gen {
		return nil, document.ErrStaleHandle
	}
	return d.image, nil
}

func (d *fakeDriver) Evaluate(_ context.Context, h document.Handle, script string, args ...interface{}) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.Generation != d.gen {
		return nil, fmt.Errorf("evaluate: %w", document.ErrStaleHandle)
	}
	if d.staleNext > 0 && script != settle.Script() {
		d.staleNext--
		return nil, fmt.Errorf("evaluate: %w", document.ErrStaleHandle)
	}

	switch script {
	case tagger.Script():
		cands := make([]tagger.Candidate, len(d.nodes))
		for i, n := range d.nodes {
			cands[i] = n.cand
		}
		// Locator is not serialised on Element, but Candidate carries it.
		return json.Marshal(map[string]interface{}{"title": d.title, "url": d.url, "candidates": cands})
	case settle.Script():
		op, _ := args[0].(string)
		switch op {
		case "subscribe":
			d.observing = true
			d.records = nil
			return json.RawMessage(`{"records":[],"overflow":0,"installed":true}`), nil
		case "drain", "unsubscribe":
			installed := d.observing
			recs := d.records
			d.records = nil
			if op == "unsubscribe" {
				d.observing = false
			}
			return json.Marshal(map[string]interface{}{"records": recs, "overflow": 0, "installed": installed})
		}
		return nil, errors.New("unknown observer op")
	case dispatchJS:
		req := args[0].(dispatchRequest)
		d.dispatched = append(d.dispatched, req)
		return d.dispatch(req)
	}
	return nil, errors.New("unexpected script")
}

func (d *fakeDriver) find(locator, tag string) *fakeNode {
	for _, n := range d.nodes {
		if n.cand.Locator == locator && n.cand.Tag == tag {
			return n
		}
	}
	return nil
}

func (d *fakeDriver) dispatch(req dispatchRequest) (json.RawMessage, error) {
	n := d.find(req.Locator, req.Tag)
	if n == nil {
		return json.RawMessage(`{"found":false}`), nil
	}
	result := map[string]interface{}{}
	switch req.Verb {
	case "click":
		if n.cand.Kind == "checkbox" {
			n.cand.Checked = !n.cand.Checked
			result["checked"] = n.cand.Checked
		} else {
			result["clicked"] = true
		}
		if n.onClick != nil {
			n.onClick(d)
		}
	case "fill":
		n.cand.Value = req.Params["value"]
		result["value"] = n.cand.Value
		d.mutate(settle.Mutation{Type: "attributes", Attribute: "value"})
	case "select":
		n.cand.Value = req.Params["option"]
		result["value"] = n.cand.Value
	case "submit":
		for _, f := range req.Fields {
			fn := d.find(f.Locator, f.Tag)
			if fn == nil {
				return json.Marshal(map[string]interface{}{"found": false, "missing": f.ID})
			}
			fn.cand.Value = f.Value
		}
		result["submitted"] = true
		if n.onClick != nil {
			n.onClick(d)
		}
	case "custom":
		if req.Category == tagger.CategoryState {
			if n.cand.StateMark != nil {
				result["state"] = *n.cand.StateMark
			}
		} else {
			result["clicked"] = true
			result["action"] = "x"
		}
	}
	return json.Marshal(map[string]interface{}{"found": true, "result": result})
}

func pngOf(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(y), G: 0x40, B: uint8(x), A: 0xff})
		}
	}
	var buf bytes.Buffer
	_ = imaging.Encode(&buf, img, imaging.PNG)
	return buf.Bytes()
}

type recordingSink struct {
	mu    sync.Mutex
	facts []mangle.Fact
}

func (r *recordingSink) AddFacts(_ context.Context, facts []mangle.Fact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facts = append(r.facts, facts...)
	return nil
}

func (r *recordingSink) count(predicate string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.facts {
		if f.Predicate == predicate {
			n++
		}
	}
	return n
}

type recordingTracer struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingTracer) Trace(op string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}
