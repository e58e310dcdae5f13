// Package pilot ties the tagger, manifest builder, change detector, paginator
// and event ledger to one live document. A Session serialises operations,
// recovers from document replacement, and reports failures with the id
// involved and the recovery a controller should attempt.
package pilot

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"pagepilot-mcp-server/internal/document"
	"pagepilot-mcp-server/internal/ledger"
	"pagepilot-mcp-server/internal/logging"
	"pagepilot-mcp-server/internal/mangle"
	"pagepilot-mcp-server/internal/manifest"
	"pagepilot-mcp-server/internal/paginate"
	"pagepilot-mcp-server/internal/settle"
	"pagepilot-mcp-server/internal/tagger"
)

//go:embed dispatch.js
var dispatchJS string

// FactSink receives facts describing what the session did.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Tracer records one line per operation.
type Tracer interface {
	Trace(op string, fields map[string]interface{})
}

// Options configure a Session.
type Options struct {
	Tagger            tagger.Options
	Settle            settle.Policy
	ChunkBudget       int
	ImageRegionHeight int
	ImageOverlap      int
	LedgerCapacity    int
}

// DefaultOptions returns a 16KiB chunk budget, 1080px image regions with a
// 64px overlap, and the package defaults of every component.
func DefaultOptions() Options {
	return Options{
		Tagger:            tagger.DefaultOptions(),
		Settle:            settle.DefaultPolicy(),
		ChunkBudget:       16 * 1024,
		ImageRegionHeight: 1080,
		ImageOverlap:      64,
		LedgerCapacity:    ledger.DefaultCapacity,
	}
}

// Option customises a Session.
type Option func(*Session)

// WithFacts emits facts to sink.
func WithFacts(sink FactSink) Option {
	return func(s *Session) { s.facts = sink }
}

// WithTracer records operations to t.
func WithTracer(t Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// WithLogger sets the parent logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the core bound to one document lifecycle.
type Session struct {
	id       string
	driver   document.Driver
	opts     Options
	tagger   *tagger.Tagger
	detector *settle.Detector
	store    *paginate.Store
	ledger   *ledger.Ledger

	facts  FactSink
	tracer Tracer
	logger *log.Logger
	now    func() time.Time

	// opMu keeps one operation in flight against the document.
	opMu sync.Mutex

	stateMu        sync.Mutex
	handle         document.Handle
	current        *manifest.Manifest
	manifestHandle document.Handle
	replacements   int
}

// NewSession binds a session to driver and registers for document
// replacement notifications.
func NewSession(id string, driver document.Driver, opts Options, options ...Option) *Session {
	def := DefaultOptions()
	if opts.ChunkBudget <= 0 {
		opts.ChunkBudget = def.ChunkBudget
	}
	if opts.ImageRegionHeight <= 0 {
		opts.ImageRegionHeight = def.ImageRegionHeight
	}
	if opts.ImageOverlap < 0 || opts.ImageOverlap >= opts.ImageRegionHeight {
		opts.ImageOverlap = 0
	}

	s := &Session{
		id:       id,
		driver:   driver,
		opts:     opts,
		tagger:   tagger.New(opts.Tagger),
		detector: settle.NewDetector(opts.Settle),
		store:    paginate.NewStore(),
		ledger:   ledger.New(opts.LedgerCapacity),
		now:      time.Now,
	}
	for _, o := range options {
		o(s)
	}
	s.logger = logging.OrNop(s.logger).WithPrefix("pilot").With("session", id)
	s.ledger.SetClock(s.now)
	driver.OnDocumentReplaced(s.onReplaced)
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Status summarises session state.
type Status struct {
	Handle       document.Handle `json:"handle"`
	ManifestID   string          `json:"manifestId,omitempty"`
	ManifestURL  string          `json:"manifestUrl,omitempty"`
	ManifestLive bool            `json:"manifestLive"`
	Detector     settle.State    `json:"detector"`
	Events       int             `json:"events"`
	Expectations int             `json:"expectations"`
	Replacements int             `json:"replacements"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.stateMu.Lock()
	st := Status{
		Handle:       s.handle,
		Replacements: s.replacements,
	}
	if s.current != nil {
		st.ManifestID = s.current.ID
		st.ManifestURL = s.current.Page.URL
		st.ManifestLive = s.manifestHandle.Same(s.handle)
	}
	s.stateMu.Unlock()
	st.Detector = s.detector.State()
	st.Events = s.ledger.Len()
	st.Expectations = len(s.ledger.Expectations())
	return st
}

// Manifest returns the most recent manifest, or nil.
func (s *Session) Manifest() *manifest.Manifest {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.current
}

func (s *Session) snapshot() (*manifest.Manifest, document.Handle) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.current, s.manifestHandle
}

func (s *Session) onReplaced(h document.Handle) {
	s.stateMu.Lock()
	s.handle = h
	s.replacements++
	s.stateMu.Unlock()

	s.ledger.Reset()
	ev := s.ledger.Record(ledger.Event{Kind: ledger.KindNavigation, Subkind: "committed", Message: h.URL})
	s.logger.Info("document replaced", "handle", h.String(), "url", h.URL)
	s.emitEvents(context.Background(), ev)
	s.trace("document_replaced", map[string]interface{}{"handle": h.String(), "url": h.URL})
}

// validHandle checks the cached handle against the driver and adopts the
// driver's handle when they differ.
func (s *Session) validHandle(ctx context.Context) (document.Handle, error) {
	cur, err := s.driver.CurrentHandle(ctx)
	if err != nil {
		return document.Handle{}, fmt.Errorf("current document: %w", err)
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.handle.Same(cur) {
		if !s.handle.IsZero() {
			s.logger.Debug("cached handle outdated", "cached", s.handle.String(), "current", cur.String())
		}
		s.handle = cur
	}
	return cur, nil
}

// withDocument runs fn against a validated handle. When fn reports a stale
// handle the handle is re-acquired and fn retried exactly once; a second
// stale failure is returned as a StaleHandle error.
func (s *Session) withDocument(ctx context.Context, op string, fn func(document.Handle) error) error {
	h, err := s.validHandle(ctx)
	if err != nil {
		return err
	}
	err = fn(h)
	if err == nil || !document.IsStale(err) {
		return err
	}

	s.logger.Debug("handle went stale, retrying", "op", op, "handle", h.String())
	next, aerr := s.validHandle(ctx)
	if aerr != nil {
		return &Error{Kind: KindStaleHandle, ID: h.String(), Retry: RetryAfterSettle, Err: aerr}
	}
	err = fn(next)
	if document.IsStale(err) {
		s.logger.Warn("handle stale after re-acquire", "op", op, "handle", next.String())
		return &Error{Kind: KindStaleHandle, ID: next.String(), Retry: RetryAfterSettle, Err: err}
	}
	return err
}

// rebuild scans the document behind h, builds and paginates a new manifest
// and makes it current.
func (s *Session) rebuild(ctx context.Context, h document.Handle) (*manifest.Manifest, []paginate.Descriptor, error) {
	snap, err := s.tagger.Scan(ctx, s.driver, h)
	if err != nil {
		return nil, nil, err
	}
	m := manifest.Build(uuid.NewString(), manifest.PageIdentity{Title: snap.Title, URL: snap.URL}, snap.Elements, s.now())

	groups := m.Groups()
	raws := make([]json.RawMessage, len(groups))
	for i, g := range groups {
		raw, err := json.Marshal(g)
		if err != nil {
			return nil, nil, fmt.Errorf("encode group %s: %w", g.Element.ID, err)
		}
		raws[i] = raw
	}
	chunks, err := paginate.Groups(m.ID, raws, s.opts.ChunkBudget)
	if err != nil {
		return nil, nil, fmt.Errorf("paginate manifest: %w", err)
	}
	s.store.Put(chunks)

	s.stateMu.Lock()
	s.current = m
	s.manifestHandle = h
	s.stateMu.Unlock()

	descs := make([]paginate.Descriptor, len(chunks))
	for i, c := range chunks {
		descs[i] = c.Descriptor
	}
	s.logger.Debug("manifest built", "manifest", m.ID, "elements", len(m.Elements), "actions", len(m.Actions), "chunks", len(chunks))
	s.emitManifest(ctx, m, len(chunks))
	return m, descs, nil
}

// ManifestView is what generate_manifest returns: the manifest itself when it
// fits one chunk, otherwise the chunk descriptors and the first chunk.
type ManifestView struct {
	ManifestID   string                `json:"manifestId"`
	Page         manifest.PageIdentity `json:"page"`
	GeneratedAt  time.Time             `json:"generatedAt"`
	ElementCount int                   `json:"elementCount"`
	ActionCount  int                   `json:"actionCount"`
	TotalChunks  int                   `json:"totalChunks"`
	Manifest     *manifest.Manifest    `json:"manifest,omitempty"`
	Chunks       []paginate.Descriptor `json:"chunks,omitempty"`
	FirstChunk   json.RawMessage       `json:"firstChunk,omitempty"`
}

func (s *Session) view(m *manifest.Manifest, descs []paginate.Descriptor) (*ManifestView, error) {
	v := &ManifestView{
		ManifestID:   m.ID,
		Page:         m.Page,
		GeneratedAt:  m.GeneratedAt,
		ElementCount: len(m.Elements),
		ActionCount:  len(m.Actions),
		TotalChunks:  len(descs),
	}
	if len(descs) <= 1 {
		v.Manifest = m
		return v, nil
	}
	first, err := s.store.Get(m.ID, 0)
	if err != nil {
		return nil, err
	}
	v.Chunks = descs
	v.FirstChunk = first.Data
	return v, nil
}

// GenerateManifest scans the document and returns a fresh manifest.
func (s *Session) GenerateManifest(ctx context.Context) (*ManifestView, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	v, err := s.generate(ctx)
	fields := map[string]interface{}{}
	if v != nil {
		fields["manifest"] = v.ManifestID
		fields["actions"] = v.ActionCount
		fields["chunks"] = v.TotalChunks
	}
	s.traceErr("generate_manifest", fields, err)
	return v, err
}

func (s *Session) generate(ctx context.Context) (*ManifestView, error) {
	var (
		m     *manifest.Manifest
		descs []paginate.Descriptor
	)
	err := s.withDocument(ctx, "generate_manifest", func(h document.Handle) error {
		var err error
		m, descs, err = s.rebuild(ctx, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.view(m, descs)
}

// ExecuteOptions control action execution.
type ExecuteOptions struct {
	WaitForSettle bool
	// Timeout caps the settle wait; zero uses the policy default.
	Timeout time.Duration
}

// ExecuteResult reports one executed action.
type ExecuteResult struct {
	ActionID  string                 `json:"actionId"`
	Result    map[string]interface{} `json:"result"`
	Settled   bool                   `json:"settled"`
	ElapsedMs int64                  `json:"elapsedMs"`
	Settle    *settle.Outcome        `json:"settle,omitempty"`
	Rescanned bool                   `json:"rescanned,omitempty"`
	Manifest  *ManifestView          `json:"manifest,omitempty"`
}

type dispatchField struct {
	ID      string `json:"id"`
	Locator string `json:"locator"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
}

type dispatchRequest struct {
	Locator    string            `json:"locator"`
	Tag        string            `json:"tag"`
	Verb       manifest.Verb     `json:"verb"`
	Category   tagger.Category   `json:"category"`
	Params     map[string]string `json:"params"`
	Fields     []dispatchField   `json:"fields,omitempty"`
	ActionAttr string            `json:"actionAttr"`
	StateAttr  string            `json:"stateAttr"`
}

type dispatchResponse struct {
	Found   bool                   `json:"found"`
	Missing string                 `json:"missing"`
	Result  map[string]interface{} `json:"result"`
}

// ExecuteAction performs actionID with params. Malformed ids, unknown
// elements and invalid params are rejected before the document is touched.
func (s *Session) ExecuteAction(ctx context.Context, actionID string, params map[string]interface{}, opts ExecuteOptions) (*ExecuteResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := s.now()
	res, err := s.execute(ctx, actionID, params, opts)
	outcome := "ok"
	if pe, ok := AsError(err); ok {
		outcome = string(pe.Kind)
	} else if err != nil {
		outcome = "error"
	}
	s.emitAction(ctx, actionID, outcome, start)

	fields := map[string]interface{}{"action": actionID, "outcome": outcome}
	if res != nil {
		fields["settled"] = res.Settled
		fields["elapsed_ms"] = res.ElapsedMs
		fields["rescanned"] = res.Rescanned
	}
	s.traceErr("execute_action", fields, err)
	return res, err
}

func (s *Session) execute(ctx context.Context, actionID string, params map[string]interface{}, opts ExecuteOptions) (*ExecuteResult, error) {
	if _, err := manifest.ParseRef(actionID); err != nil {
		return nil, &Error{Kind: KindUnknownAction, ID: actionID, Retry: RetryNone, Err: err}
	}
	if m, _ := s.snapshot(); m == nil {
		return nil, &Error{Kind: KindElementNotFound, ID: actionID, Retry: RetryRescan, Err: errors.New("no manifest generated yet")}
	}

	var (
		action    manifest.Action
		result    map[string]interface{}
		obs       *settle.Observation
		rescanned bool
		start     = s.now()
	)
	cancelObs := func() {
		if obs != nil {
			obs.Cancel(ctx)
			obs = nil
		}
	}

	err := s.withDocument(ctx, "execute_action", func(h document.Handle) error {
		m, mh := s.snapshot()
		if !mh.Same(h) {
			s.logger.Debug("manifest belongs to a replaced document, rescanning", "action", actionID)
			nm, _, err := s.rebuild(ctx, h)
			if err != nil {
				return err
			}
			m = nm
			rescanned = true
		}

		for attempt := 0; ; attempt++ {
			a, err := m.Resolve(actionID)
			if err != nil {
				return resolveError(actionID, err)
			}
			values, err := a.Validate(params)
			if err != nil {
				return &Error{Kind: KindUnknownAction, ID: a.ID, Retry: RetryNone, Err: err}
			}
			el, _ := m.Element(a.ElementID)
			req := s.dispatchRequest(m, a, el, values)

			if opts.WaitForSettle && obs == nil {
				obs, err = s.detector.Begin(ctx, settle.NewDocumentSource(s.driver, h))
				if err != nil {
					return err
				}
			}

			raw, err := s.driver.Evaluate(ctx, h, dispatchJS, req)
			if err != nil {
				cancelObs()
				return fmt.Errorf("dispatch %s: %w", a.ID, err)
			}
			var resp dispatchResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				cancelObs()
				return fmt.Errorf("decode dispatch result: %w", err)
			}
			if resp.Found {
				action = a
				result = resp.Result
				return nil
			}

			missing := a.ElementID
			if resp.Missing != "" {
				missing = resp.Missing
			}
			if attempt > 0 {
				cancelObs()
				return &Error{Kind: KindElementNotFound, ID: missing, Retry: RetryRescan, Err: errors.New("element no longer matches its locator")}
			}
			s.logger.Debug("locator missed, rescanning", "action", a.ID, "element", missing)
			nm, _, err := s.rebuild(ctx, h)
			if err != nil {
				cancelObs()
				return err
			}
			m = nm
			rescanned = true
		}
	})
	if err != nil {
		cancelObs()
		return nil, err
	}

	res := &ExecuteResult{
		ActionID:  action.ID,
		Result:    filterOutput(result, action.OutputSchema),
		Rescanned: rescanned,
	}
	if obs == nil {
		res.ElapsedMs = s.now().Sub(start).Milliseconds()
		return res, nil
	}

	out, err := obs.Wait(ctx, opts.Timeout)
	res.Settle = &out
	res.Settled = out.Settled
	res.ElapsedMs = out.ElapsedMs
	s.emitSettle(ctx, action.ID, out)
	if !out.Settled {
		s.logger.Warn("action did not settle", "action", action.ID, "mutations", out.MutationCount, "elapsed_ms", out.ElapsedMs)
	}
	if err != nil {
		return res, err
	}

	view, err := s.generate(ctx)
	if err != nil {
		return res, fmt.Errorf("rescan after %s: %w", action.ID, err)
	}
	res.Manifest = view
	return res, nil
}

func resolveError(actionID string, err error) error {
	switch {
	case errors.Is(err, manifest.ErrNoElement):
		return &Error{Kind: KindElementNotFound, ID: actionID, Retry: RetryRescan, Err: err}
	default:
		return &Error{Kind: KindUnknownAction, ID: actionID, Retry: RetryNone, Err: err}
	}
}

func (s *Session) dispatchRequest(m *manifest.Manifest, a manifest.Action, el tagger.Element, values map[string]string) dispatchRequest {
	topts := s.tagger.Options()
	req := dispatchRequest{
		Locator:    el.Locator,
		Tag:        el.Tag,
		Verb:       a.Verb,
		Category:   el.Category,
		Params:     values,
		ActionAttr: topts.ActionAttr,
		StateAttr:  topts.StateAttr,
	}
	if a.Verb == manifest.VerbSubmit {
		// Fields are filled in document order.
		for _, f := range m.Elements {
			v, ok := values[f.ID]
			if !ok {
				continue
			}
			req.Fields = append(req.Fields, dispatchField{ID: f.ID, Locator: f.Locator, Tag: f.Tag, Value: v})
		}
		req.Params = map[string]string{}
	}
	return req
}

func filterOutput(result map[string]interface{}, schema []string) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for _, k := range schema {
		if v, ok := result[k]; ok {
			out[k] = v
		}
	}
	return out
}

// WaitForSettle observes the document until it settles or timeout elapses.
func (s *Session) WaitForSettle(ctx context.Context, timeout time.Duration) (settle.Outcome, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var out settle.Outcome
	err := s.withDocument(ctx, "wait_for_settle", func(h document.Handle) error {
		obs, err := s.detector.Begin(ctx, settle.NewDocumentSource(s.driver, h))
		if err != nil {
			return err
		}
		out, err = obs.Wait(ctx, timeout)
		return err
	})
	if err == nil {
		s.emitSettle(ctx, "", out)
	}
	s.traceErr("wait_for_settle", map[string]interface{}{
		"settled":   out.Settled,
		"mutations": out.MutationCount,
		"elapsed":   out.ElapsedMs,
	}, err)
	return out, err
}

// GetChunk returns one chunk of a manifest or image artifact. Repeated calls
// return identical bytes until the artifact is superseded.
func (s *Session) GetChunk(parentID string, index int) (paginate.Chunk, error) {
	c, err := s.store.Get(parentID, index)
	switch {
	case errors.Is(err, paginate.ErrUnknownParent):
		err = &Error{Kind: KindUnknownArtifact, Parent: parentID, Retry: RetryRegenerate, Err: err}
	case errors.Is(err, paginate.ErrChunkOutOfRange):
		err = &Error{Kind: KindChunkOutOfRange, ID: fmt.Sprint(index), Parent: parentID, Retry: RetryLowerIndex, Err: err}
	}
	s.traceErr("get_chunk", map[string]interface{}{"parent": parentID, "index": index}, err)
	return c, err
}

// ImageView describes a paginated capture.
type ImageView struct {
	ParentID    string                `json:"parentId"`
	TotalChunks int                   `json:"totalChunks"`
	Chunks      []paginate.Descriptor `json:"chunks"`
}

// CaptureImage captures region (nil for the full page) and slices it into
// overlapping regions retrievable with GetChunk.
func (s *Session) CaptureImage(ctx context.Context, region *document.Region) (*ImageView, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var data []byte
	err := s.withDocument(ctx, "capture_image", func(h document.Handle) error {
		var err error
		data, err = s.driver.Capture(ctx, h, region)
		return err
	})
	if err != nil {
		s.traceErr("capture_image", nil, err)
		return nil, err
	}

	parent := uuid.NewString()
	chunks, err := paginate.Image(parent, data, s.opts.ImageRegionHeight, s.opts.ImageOverlap)
	if err != nil {
		s.traceErr("capture_image", nil, err)
		return nil, err
	}
	s.store.Put(chunks)

	v := &ImageView{ParentID: parent, TotalChunks: len(chunks)}
	for _, c := range chunks {
		v.Chunks = append(v.Chunks, c.Descriptor)
	}
	s.traceErr("capture_image", map[string]interface{}{"parent": parent, "chunks": len(chunks), "bytes": len(data)}, nil)
	return v, nil
}

// PollEvents returns events newer than since with the expectations they
// satisfy.
func (s *Session) PollEvents(since time.Time) ledger.PollResult {
	res := s.ledger.Poll(since)
	s.trace("poll_events", map[string]interface{}{
		"events":    len(res.Events),
		"satisfied": len(res.Satisfied),
		"pending":   len(res.Pending),
	})
	return res
}

// DeclareExpectation registers a follow-up event the controller expects after
// actionID. An empty elementID is derived from the action id.
func (s *Session) DeclareExpectation(actionID, elementID, eventKind string, timeout time.Duration) (ledger.Expectation, error) {
	if eventKind == "" {
		return ledger.Expectation{}, &Error{Kind: KindUnknownAction, ID: actionID, Retry: RetryNone, Err: errors.New("event kind is required")}
	}
	if elementID == "" && actionID != "" {
		ref, err := manifest.ParseRef(actionID)
		if err != nil {
			return ledger.Expectation{}, &Error{Kind: KindUnknownAction, ID: actionID, Retry: RetryNone, Err: err}
		}
		elementID = ref.ElementID
	}
	exp := s.ledger.Declare(actionID, elementID, eventKind, timeout)
	s.trace("declare_expectation", map[string]interface{}{"expectation": exp.ID, "action": actionID, "kind": eventKind})
	return exp, nil
}

// AcknowledgeExpectation consumes an expectation.
func (s *Session) AcknowledgeExpectation(id string) error {
	var err error
	if !s.ledger.Acknowledge(id) {
		err = &Error{Kind: KindUnknownExpectation, ID: id, Retry: RetryNone}
	}
	s.traceErr("acknowledge_expectation", map[string]interface{}{"expectation": id}, err)
	return err
}

// RecordEvent appends an event observed by the browser collaborator.
func (s *Session) RecordEvent(ctx context.Context, ev ledger.Event) ledger.Event {
	ev = s.ledger.Record(ev)
	s.emitEvents(ctx, ev)
	return ev
}

func (s *Session) trace(op string, fields map[string]interface{}) {
	if s.tracer == nil {
		return
	}
	s.tracer.Trace(op, fields)
}

func (s *Session) traceErr(op string, fields map[string]interface{}, err error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Debug("operation failed", "op", op, "err", err)
	}
	s.trace(op, fields)
}
