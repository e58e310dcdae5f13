package pilot

import (
	"context"
	"time"

	"pagepilot-mcp-server/internal/ledger"
	"pagepilot-mcp-server/internal/mangle"
	"pagepilot-mcp-server/internal/manifest"
	"pagepilot-mcp-server/internal/settle"
)

func (s *Session) addFacts(ctx context.Context, facts []mangle.Fact) {
	if s.facts == nil || len(facts) == 0 {
		return
	}
	if err := s.facts.AddFacts(ctx, facts); err != nil {
		s.logger.Warn("fact sink rejected facts", "count", len(facts), "err", err)
	}
}

// emitManifest records manifest_generated(Session, Manifest, URL, Elements, Actions, Chunks, TsMs)
// and one tagged_element(Manifest, Element, Category, Visible, Enabled) per element.
func (s *Session) emitManifest(ctx context.Context, m *manifest.Manifest, chunks int) {
	if s.facts == nil {
		return
	}
	now := s.now()
	facts := make([]mangle.Fact, 0, len(m.Elements)+1)
	facts = append(facts, mangle.Fact{
		Predicate: "manifest_generated",
		Args:      []interface{}{s.id, m.ID, m.Page.URL, len(m.Elements), len(m.Actions), chunks, m.GeneratedAt.UnixMilli()},
		Timestamp: now,
	})
	for _, el := range m.Elements {
		facts = append(facts, mangle.Fact{
			Predicate: "tagged_element",
			Args:      []interface{}{m.ID, el.ID, string(el.Category), el.Visible, !el.Disabled},
			Timestamp: now,
		})
	}
	s.addFacts(ctx, facts)
}

// emitAction records action_executed(Session, Action, Manifest, Outcome, TsMs).
func (s *Session) emitAction(ctx context.Context, actionID, outcome string, at time.Time) {
	manifestID := ""
	if m := s.Manifest(); m != nil {
		manifestID = m.ID
	}
	s.addFacts(ctx, []mangle.Fact{{
		Predicate: "action_executed",
		Args:      []interface{}{s.id, actionID, manifestID, outcome, at.UnixMilli()},
		Timestamp: at,
	}})
}

// emitSettle records settle_outcome(Session, Action, State, Mutations, ElapsedMs, Replaced).
func (s *Session) emitSettle(ctx context.Context, actionID string, out settle.Outcome) {
	s.addFacts(ctx, []mangle.Fact{{
		Predicate: "settle_outcome",
		Args:      []interface{}{s.id, actionID, out.State.String(), out.MutationCount, out.ElapsedMs, out.DocumentReplaced},
		Timestamp: s.now(),
	}})
}

// emitEvents records ledger_event(Session, Kind, Subkind, Message, TsMs).
func (s *Session) emitEvents(ctx context.Context, events ...ledger.Event) {
	facts := make([]mangle.Fact, 0, len(events))
	for _, ev := range events {
		facts = append(facts, mangle.Fact{
			Predicate: "ledger_event",
			Args:      []interface{}{s.id, ev.Kind, ev.Subkind, ev.Message, ev.Timestamp.UnixMilli()},
			Timestamp: ev.Timestamp,
		})
	}
	s.addFacts(ctx, facts)
}
