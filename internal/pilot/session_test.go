package pilot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"pagepilot-mcp-server/internal/ledger"
	"pagepilot-mcp-server/internal/settle"
	"pagepilot-mcp-server/internal/tagger"
)

func button(testid, label string) *fakeNode {
	return &fakeNode{cand: tagger.Candidate{Tag: "button", TestID: testid, Label: label, Visible: true, Form: -1}}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Settle = settle.Policy{
		QuietWindow:  30 * time.Millisecond,
		Timeout:      2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}
	return opts
}

// revealPage is a button that unhides a three-control form.
func revealPage() *fakeDriver {
	form := &fakeNode{cand: tagger.Candidate{Tag: "form", Label: "Contact", Visible: false, Form: -1}}
	email := &fakeNode{cand: tagger.Candidate{Tag: "input", Kind: "email", Name: "email", Label: "Email", Visible: false, Form: 1}}
	msg := &fakeNode{cand: tagger.Candidate{Tag: "textarea", Name: "message", Label: "Message", Visible: false, Form: 1}}
	send := &fakeNode{cand: tagger.Candidate{Tag: "button", TestID: "send", Label: "Send", Visible: false, Form: 1}}
	reveal := button("reveal", "Contact us")
	reveal.onClick = func(d *fakeDriver) {
		for _, n := range []*fakeNode{form, email, msg, send} {
			n.cand.Visible = true
		}
		d.mutate(
			settle.Mutation{Type: "attributes", Attribute: "hidden"},
			settle.Mutation{Type: "childList", Added: 2},
		)
	}
	return newFakeDriver("Contact", "https://example.test/contact", reveal, form, email, msg, send)
}

func TestScenarioRevealedFormAddsActions(t *testing.T) {
	drv := revealPage()
	s := NewSession("s1", drv, testOptions())
	ctx := context.Background()

	before, err := s.GenerateManifest(ctx)
	if err != nil {
		t.Fatalf("GenerateManifest failed: %v", err)
	}
	if before.ActionCount != 1 {
		t.Fatalf("expected 1 action before click, got %d", before.ActionCount)
	}
	if before.ElementCount != 5 {
		t.Errorf("expected hidden elements to be listed, got %d", before.ElementCount)
	}

	res, err := s.ExecuteAction(ctx, "click:testid:reveal", nil, ExecuteOptions{WaitForSettle: true})
	if err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	if !res.Settled {
		t.Fatalf("expected settle, got %+v", res.Settle)
	}
	if res.Settle.MutationCount != 2 {
		t.Errorf("expected 2 significant mutations, got %d", res.Settle.MutationCount)
	}
	if res.Result["clicked"] != true {
		t.Errorf("expected clicked result, got %v", res.Result)
	}
	if res.Manifest == nil || res.Manifest.ActionCount <= 1 {
		t.Fatalf("expected more actions after reveal, got %+v", res.Manifest)
	}
	m := s.Manifest()
	for _, id := range []string{"fill:name:email", "fill:name:message", "click:testid:send", "submit:form-1"} {
		if _, ok := m.Action(id); !ok {
			t.Errorf("expected revealed action %s", id)
		}
	}
}

func TestScenarioUnknownElementDoesNotTouchDocument(t *testing.T) {
	drv := revealPage()
	s := NewSession("s1", drv, testOptions())
	ctx := context.Background()
	if _, err := s.GenerateManifest(ctx); err != nil {
		t.Fatalf("GenerateManifest failed: %v", err)
	}

	_, err := s.ExecuteAction(ctx, "click:button-404", nil, ExecuteOptions{WaitForSettle: true})
	if !errors.Is(err, ErrElementNotFound) {
		t.Fatalf("expected ElementNotFound, got %v", err)
	}
	pe, _ := AsError(err)
	if pe.ID != "click:button-404" || pe.Retry != RetryRescan {
		t.Errorf("expected id and rescan hint, got %+v", pe)
	}
	if drv.dispatchCount() != 0 {
		t.Errorf("expected no dispatch, got %d", drv.dispatchCount())
	}
}

func TestExecuteRejectsBeforeDispatch(t *testing.T) {
	drv := newFakeDriver("Form", "https://example.test/",
		&fakeNode{cand: tagger.Candidate{Tag: "input", Kind: "text", Name: "q", Label: "Search", Visible: true, Form: -1}},
		&fakeNode{cand: tagger.Candidate{Tag: "button", Label: "Off", Visible: true, Disabled: true, Form: -1}},
	)
	s := NewSession("s1", drv, testOptions())
	ctx := context.Background()

	// Nothing generated yet.
	if _, err := s.ExecuteAction(ctx, "fill:name:q", map[string]interface{}{"value": "x"}, ExecuteOptions{}); !errors.Is(err, ErrElementNotFound) {
		t.Errorf("expected ElementNotFound before first manifest, got %v", err)
	}
	if _, err := s.GenerateManifest(ctx); err != nil {
		t.Fatalf("GenerateManifest failed: %v", err)
	}

	tests := []struct {
		name   string
		action string
		params map[string]interface{}
		want   error
	}{
		{"missing value", "fill:name:q", nil, ErrUnknownAction},
		{"unknown verb", "explode:name:q", nil, ErrUnknownAction},
		{"wrong verb", "select:name:q", map[string]interface{}{"option": "a"}, ErrUnknownAction},
		{"disabled element", "click:button-1", nil, ErrUnknownAction},
		{"empty id", "", nil, ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ExecuteAction(ctx, tt.action, tt.params, ExecuteOptions{WaitForSettle: true})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if drv.dispatchCount() != 0 {
		t.Errorf("expected no dispatch, got %d", drv.dispatchCount())
	}

	res, err := s.ExecuteAction(ctx, "name:q", map[string]interface{}{"value": "golang"}, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	if res.ActionID != "fill:name:q" || res.Result["value"] != "golang" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Settle != nil || res.Manifest != nil {
		t.Error("expected no settle wait or rescan without waitForSettle")
	}
}

func TestScenarioNavigationBetweenManifestAndAction(t *testing.T) {
	drv := newFakeDriver("One", "https://example.test/1", button("next", "Next"), button("only-here", "Old"))
	s := NewSession("s1", drv, testOptions())
	ctx := context.Background()
	first, err := s.GenerateManifest(ctx)
	if err != nil {
		t.Fatalf("GenerateManifest failed: %v", err)
	}

	drv.navigate("Two", "https://example.test/2", button("next", "Next again"))

	res, err := s.ExecuteAction(ctx, "click:testid:next", nil, ExecuteOptions{WaitForSettle: true})
	if err != nil {
		t.Fatalf("expected transparent recovery, got %v", err)
	}
	if !res.Rescanned {
		t.Error("expected the action to run against a rescanned manifest")
	}
	if m := s.Manifest(); m.ID == first.ManifestID || m.Page.URL != "https://example.test/2" {
		t.Errorf("expected manifest of the new document, got %s %s", m.ID, m.Page.URL)
	}

	drv.navigate("Three", "https://example.test/3", button("next", "Next"))
	_, err = s.ExecuteAction(ctx, "click:testid:only-here", nil, ExecuteOptions{})
	if !errors.Is(err, ErrElementNotFound) {
		t.Fatalf("expected ElementNotFound for vanished target, got %v", err)
	}
}

func TestStaleHandleRetriedOnceThenSurfaced(t *testing.T) {
	drv := newFakeDriver("One", "https://example.test/", button("a", "A"))
	s := NewSession("s1", drv, testOptions())
	ctx := context.Background()

	drv.staleNext = 1
	if _, err := s.GenerateManifest(ctx); err != nil {
		t.Fatalf("expected single stale failure to be recovered, got %v", err)
	}

	drv.staleNext = 2
	_, err := s.GenerateManifest(ctx)
	if !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected StaleHandle after second failure, got %v", err)
	}
	pe, _ := AsError(err)
	if pe.Retry == "" || pe.ID == "" {
		t.Errorf("expected handle id and retry hint, got %+v", pe)
	}
}

func TestLocatorMissTriggersRescan(t *testing.T) {
	target := button("go", "Go")
	drv := newFakeDriver("One", "https://example.test/", target)
	s := NewSession("s1", drv, testOptions())
	ctx := context.Background()
	if _, err := s.GenerateManifest(ctx); err != nil {
		t.Fatalf("GenerateManifest failed: %v", err)
	}

	// Same document, but the node moved in the tree.
	drv.mu.Lock()
	target.cand.Locator = "html > body:nth-of-type(1) > main:nth-of-type(1) > button:nth-of-type(1)"
	drv.mu.Unlock()

	res, err := s.ExecuteAction(ctx, "click:testid:go", nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	if !res.Rescanned || drv.dispatchCount() != 2 {
		t.Errorf("expected rescan and redispatch, got rescanned=%v dispatches=%d", res.Rescanned, drv.dispatchCount())
	}
}

func TestSubmitFillsFieldsInDocumentOrder(t *testing.T) {
	form := &fakeNode{cand: tagger.Candidate{Tag: "form", Label: "Login", Visible: true, Form: -1}}
	user := &fakeNode{cand: tagger.Candidate{Tag: "input", Kind: "text", Name: "user", Visible: true, Form: 0}}
	pass := &fakeNode{cand: tagger.Candidate{Tag: "input", Kind: "password", Name: "pass", Visible: true, Form: 0}}
	drv := newFakeDriver("Login", "https://example.test/login", form, user, pass)
	s := NewSession("s1", drv, testOptions())
	ctx := context.Background()
	if _, err := s.GenerateManifest(ctx); err != nil {
		t.Fatalf("GenerateManifest failed: %v", err)
	}

	res, err := s.ExecuteAction(ctx, "submit:form-1", map[string]interface{}{"name:pass": "pw", "name:user": "bob"}, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	if res.Result["submitted"] != true {
		t.Errorf("expected submitted, got %v", res.Result)
	}
	req := drv.dispatched[0]
	if len(req.Fields) != 2 || req.Fields[0].ID != "name:user" || req.Fields[1].ID != "name:pass" {
		t.Errorf("unexpected field order %+v", req.Fields)
	}
	if user.cand.Value != "bob" || pass.cand.Value != "pw" {
		t.Error("expected fields to be filled")
	}
}

func TestPaginatedManifest(t *testing.T) {
	var nodes []*fakeNode
	for i := 0; i < 30; i++ {
		nodes = append(nodes, &fakeNode{cand: tagger.Candidate{Tag: "a", Href: "/p", Label: strings.Repeat("link ", 8), Visible: true, Form: -1}})
	}
	drv := newFakeDriver("Links", "https://example.test/links", nodes...)
	opts := testOptions()
	opts.ChunkBudget = 1024
	s := NewSession("s1", drv, opts)

	view, err := s.GenerateManifest(context.Background())
	if err != nil {
		t.Fatalf("GenerateManifest failed: %v", err)
	}
	if view.TotalChunks < 2 || view.Manifest != nil {
		t.Fatalf("expected a chunked manifest, got %d chunks", view.TotalChunks)
	}
	if len(view.FirstChunk) == 0 {
		t.Error("expected first chunk inline")
	}

	seen := map[string]int{}
	for i := view.TotalChunks - 1; i >= 0; i-- {
		c, err := s.GetChunk(view.ManifestID, i)
		if err != nil {
			t.Fatalf("GetChunk(%d) failed: %v", i, err)
		}
		if len(c.Data) > opts.ChunkBudget {
			t.Errorf("chunk %d over budget: %d", i, len(c.Data))
		}
		again, _ := s.GetChunk(view.ManifestID, i)
		if string(again.Data) != string(c.Data) {
			t.Errorf("chunk %d not idempotent", i)
		}
		var groups []struct {
			Element struct {
				ID string `json:"id"`
			} `json:"element"`
		}
		if err := json.Unmarshal(c.Data, &groups); err != nil {
			t.Fatalf("chunk %d not JSON: %v", i, err)
		}
		for _, g := range groups {
			seen[g.Element.ID]++
		}
	}
	if len(seen) != 30 {
		t.Errorf("expected 30 distinct elements across chunks, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s appears %d times", id, n)
		}
	}

	_, err = s.GetChunk(view.ManifestID, view.TotalChunks)
	if !errors.Is(err, ErrChunkOutOfRange) {
		t.Errorf("expected ChunkOutOfRange, got %v", err)
	}
	if _, err := s.GenerateManifest(context.Background()); err != nil {
		t.Fatalf("GenerateManifest failed: %v", err)
	}
	if _, err := s.GetChunk(view.ManifestID, 0); !errors.Is(err, ErrUnknownArtifact) {
		t.Errorf("expected superseded manifest to be unknown, got %v", err)
	}
}

func TestWaitForSettleQuietPage(t *testing.T) {
	drv := newFakeDriver("Quiet", "https://example.test/", button("a", "A"))
	s := NewSession("s1", drv, testOptions())
	out, err := s.WaitForSettle(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForSettle failed: %v", err)
	}
	if !out.Settled || out.MutationCount != 0 {
		t.Errorf("expected settled with no mutations, got %+v", out)
	}
}

func TestCaptureImage(t *testing.T) {
	drv := newFakeDriver("Tall", "https://example.test/", button("a", "A"))
	drv.image = pngOf(16, 300)
	opts := testOptions()
	opts.ImageRegionHeight = 100
	opts.ImageOverlap = 10
	s := NewSession("s1", drv, opts)

	view, err := s.CaptureImage(context.Background(), nil)
	if err != nil {
		t.Fatalf("CaptureImage failed: %v", err)
	}
	if view.TotalChunks != 4 {
		t.Fatalf("expected 4 regions, got %d", view.TotalChunks)
	}
	c, err := s.GetChunk(view.ParentID, 3)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if c.MIME != "image/png" || c.Boundary.Offset != 270 || c.Boundary.Overlap != 10 {
		t.Errorf("unexpected last region %+v", c.Descriptor)
	}
}

func TestNavigationResetsLedger(t *testing.T) {
	drv := newFakeDriver("One", "https://example.test/1", button("a", "A"))
	s := NewSession("s1", drv, testOptions())
	ctx := context.Background()

	s.RecordEvent(ctx, ledger.Event{Kind: ledger.KindDialog, Subkind: "confirm", Message: "Sure?"})
	if _, err := s.DeclareExpectation("click:testid:a", "", ledger.KindToast, time.Second); err != nil {
		t.Fatalf("DeclareExpectation failed: %v", err)
	}

	drv.navigate("Two", "https://example.test/2")

	res := s.PollEvents(time.Time{})
	if len(res.Events) != 1 || res.Events[0].Kind != ledger.KindNavigation || res.Events[0].Subkind != "committed" {
		t.Fatalf("expected only the committed navigation event, got %+v", res.Events)
	}
	if len(res.Pending) != 0 {
		t.Errorf("expected expectations to be cleared, got %+v", res.Pending)
	}
	if st := s.Status(); st.Replacements != 1 || st.Handle.Generation != 2 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestExpectationLifecycle(t *testing.T) {
	drv := newFakeDriver("One", "https://example.test/", button("save", "Save"))
	now := time.UnixMilli(5_000)
	s := NewSession("s1", drv, testOptions(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	exp, err := s.DeclareExpectation("click:testid:save", "", ledger.KindToast, time.Second)
	if err != nil {
		t.Fatalf("DeclareExpectation failed: %v", err)
	}
	if exp.ElementID != "testid:save" {
		t.Errorf("expected element id derived from action, got %q", exp.ElementID)
	}
	if _, err := s.DeclareExpectation("click:testid:save", "", "", time.Second); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected missing kind to be rejected, got %v", err)
	}

	now = now.Add(50 * time.Millisecond)
	s.RecordEvent(ctx, ledger.Event{Kind: ledger.KindToast, Subkind: "success", Message: "Saved"})
	res := s.PollEvents(time.Time{})
	if len(res.Satisfied) != 1 || res.Satisfied[0].Expectation.ID != exp.ID {
		t.Fatalf("expected satisfaction, got %+v", res)
	}

	if err := s.AcknowledgeExpectation(exp.ID); err != nil {
		t.Errorf("AcknowledgeExpectation failed: %v", err)
	}
	if err := s.AcknowledgeExpectation(exp.ID); !errors.Is(err, ErrUnknownExpectation) {
		t.Errorf("expected UnknownExpectation, got %v", err)
	}
}

func TestFactsAndTrace(t *testing.T) {
	drv := revealPage()
	sink := &recordingSink{}
	tracer := &recordingTracer{}
	s := NewSession("s1", drv, testOptions(), WithFacts(sink), WithTracer(tracer))
	ctx := context.Background()

	if _, err := s.GenerateManifest(ctx); err != nil {
		t.Fatalf("GenerateManifest failed: %v", err)
	}
	if _, err := s.ExecuteAction(ctx, "click:testid:reveal", nil, ExecuteOptions{WaitForSettle: true}); err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	_, _ = s.ExecuteAction(ctx, "click:nope", nil, ExecuteOptions{})

	if got := sink.count("manifest_generated"); got != 2 {
		t.Errorf("expected 2 manifest_generated facts, got %d", got)
	}
	if got := sink.count("tagged_element"); got != 10 {
		t.Errorf("expected 10 tagged_element facts, got %d", got)
	}
	if got := sink.count("action_executed"); got != 2 {
		t.Errorf("expected 2 action_executed facts, got %d", got)
	}
	if got := sink.count("settle_outcome"); got != 1 {
		t.Errorf("expected 1 settle_outcome fact, got %d", got)
	}
	if len(tracer.ops) < 3 || tracer.ops[0] != "generate_manifest" {
		t.Errorf("unexpected trace %v", tracer.ops)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: KindChunkOutOfRange, ID: "4", Parent: "m1", Retry: RetryLowerIndex, Err: errors.New("boom")}
	msg := err.Error()
	for _, want := range []string{"ChunkOutOfRange", "m1/4", "boom", RetryLowerIndex} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
	if errors.Is(err, ErrElementNotFound) {
		t.Error("kinds must not cross-match")
	}
}
