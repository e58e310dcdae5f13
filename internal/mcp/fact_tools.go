package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pagepilot-mcp-server/internal/mangle"
)

var errNoEngine = errors.New("mangle engine unavailable (mangle.enable is false)")

// QueryFactsTool runs a Mangle query over the pilot fact log.
type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Run a Mangle query against the facts emitted by pilot sessions.

BASE FACTS:
- manifest_generated(Session, Manifest, URL, Elements, Actions, Chunks, TsMs)
- tagged_element(Manifest, Element, Category, Visible, Enabled)
- action_executed(Session, Action, Manifest, Outcome, TsMs)
- settle_outcome(Session, Action, State, Mutations, ElapsedMs, Replaced)
- ledger_event(Session, Kind, Subkind, Message, TsMs)

DERIVED:
- unresponsive_action(Session, Action)
- replaced_document_action(Session, Action)
- rejected_action(Session, Action, Outcome)
- inert_element(Manifest, Element)

EXAMPLE: unresponsive_action(S, A).

Returns: {results: [{Var: value}]}`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom with variables, e.g. rejected_action(S, A, O).",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"query":   query,
		"count":   len(results),
		"results": results,
	}, nil
}

// ReadFactsTool returns the most recent buffered facts.
type ReadFactsTool struct {
	engine *mangle.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read the newest buffered facts, optionally filtered by predicate and session.`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Only facts of this predicate",
			},
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Only facts whose first argument is this session",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return (default 50, max 500)",
			},
		},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	limit := getIntArg(args, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	predicate := getStringArg(args, "predicate")
	facts := selectRecentFacts(t.engine, getStringArg(args, "session_id"), predicate, limit)
	return map[string]interface{}{
		"predicate": predicate,
		"count":     len(facts),
		"facts":     facts,
	}, nil
}

// selectRecentFacts returns up to limit of the newest matching facts in
// chronological order. An empty sessionID matches every fact.
func selectRecentFacts(engine *mangle.Engine, sessionID, predicate string, limit int) []mangle.Fact {
	if engine == nil || limit <= 0 {
		return []mangle.Fact{}
	}

	var source []mangle.Fact
	if predicate != "" {
		source = engine.FactsByPredicate(predicate)
	} else {
		source = engine.Facts()
	}

	out := make([]mangle.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if sessionID != "" && (len(f.Args) == 0 || fmt.Sprintf("%v", f.Args[0]) != sessionID) {
			continue
		}
		out = append(out, f)
	}

	// Reverse to return chronological order (oldest -> newest).
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
