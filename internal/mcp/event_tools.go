package mcp

import (
	"context"
	"fmt"
)

// PollEventsTool reads the session ledger.
type PollEventsTool struct {
	sessions Browser
}

func (t *PollEventsTool) Name() string { return "poll-events" }
func (t *PollEventsTool) Description() string {
	return `Return events observed since a watermark, plus the expectations they satisfy.

EVENT KINDS: click, input, state, toast (subkind = level), dialog (subkind =
alert|confirm|prompt|beforeunload), prompt (subkind = response), navigation
(subkind = pending|committed).

Pass the returned watermark_ms as since_ms on the next call. Expectations past
their timeout without a matching event are reported as pending with expired=true.`
}
func (t *PollEventsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
			"since_ms": map[string]interface{}{
				"type":        "number",
				"description": "Unix milliseconds (fractional allowed); events at or before this are skipped (default: all)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *PollEventsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	p, _, err := requirePilot(t.sessions, args)
	if err != nil {
		return nil, err
	}
	res := p.PollEvents(sinceArg(args, "since_ms"))
	var watermark float64
	if !res.Watermark.IsZero() {
		watermark = float64(res.Watermark.UnixMicro()) / 1000
	}
	return map[string]interface{}{
		"events":                res.Events,
		"satisfiedExpectations": res.Satisfied,
		"pending":               res.Pending,
		"dropped":               res.Dropped,
		"watermark_ms":          watermark,
	}, nil
}

// DeclareExpectationTool registers an event the controller expects to follow an action.
type DeclareExpectationTool struct {
	sessions Browser
}

func (t *DeclareExpectationTool) Name() string { return "declare-expectation" }
func (t *DeclareExpectationTool) Description() string {
	return `Declare that an action should be followed by an event of a given kind,
e.g. a toast after "click:testid:save". poll-events reports the expectation as
satisfied by the first matching event, or expired once timeout_ms passes.`
}
func (t *DeclareExpectationTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
			"action_id": map[string]interface{}{
				"type":        "string",
				"description": "Action the expectation follows",
			},
			"element_id": map[string]interface{}{
				"type":        "string",
				"description": "Element id (derived from action_id when omitted)",
			},
			"event_kind": map[string]interface{}{
				"type":        "string",
				"description": "Expected event kind (toast, dialog, navigation, ...)",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Expiry in milliseconds (0 = never)",
			},
		},
		"required": []string{"session_id", "event_kind"},
	}
}
func (t *DeclareExpectationTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	p, _, err := requirePilot(t.sessions, args)
	if err != nil {
		return nil, err
	}
	exp, err := p.DeclareExpectation(
		getStringArg(args, "action_id"),
		getStringArg(args, "element_id"),
		getStringArg(args, "event_kind"),
		getDurationMsArg(args, "timeout_ms"),
	)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"expectation": exp}, nil
}

// AcknowledgeExpectationTool consumes an expectation.
type AcknowledgeExpectationTool struct {
	sessions Browser
}

func (t *AcknowledgeExpectationTool) Name() string { return "acknowledge-expectation" }
func (t *AcknowledgeExpectationTool) Description() string {
	return `Remove an expectation so later polls stop reporting it.`
}
func (t *AcknowledgeExpectationTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
			"expectation_id": map[string]interface{}{
				"type":        "string",
				"description": "Id returned by declare-expectation",
			},
		},
		"required": []string{"session_id", "expectation_id"},
	}
}
func (t *AcknowledgeExpectationTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	p, _, err := requirePilot(t.sessions, args)
	if err != nil {
		return nil, err
	}
	id := getStringArg(args, "expectation_id")
	if id == "" {
		return nil, fmt.Errorf("expectation_id is required")
	}
	if err := p.AcknowledgeExpectation(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"acknowledged": id}, nil
}
