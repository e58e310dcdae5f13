// Package mangle keeps a bounded log of pilot facts and evaluates the
// deductive rules of the loaded schema over them.
package mangle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/logging"
	"pagepilot-mcp-server/schemas"
)

// ErrNotReady is returned by queries when the engine is disabled or has no schema.
var ErrNotReady = errors.New("engine not ready")

// Fact is one observation emitted by a pilot session.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Per-element facts dominate volume on large pages and are the first to be
// sampled when the buffer fills. Actions, settle outcomes and ledger events
// are always kept.
func defaultLowValuePredicates() map[string]bool {
	return map[string]bool{
		"tagged_element": true,
	}
}

// Engine wraps the Mangle fact store and the analysed schema program.
type Engine struct {
	cfg    config.MangleConfig
	logger *log.Logger

	mu           sync.RWMutex
	schemaLoaded bool
	programInfo  *analysis.ProgramInfo
	store        factstore.FactStore

	// facts is the temporal buffer; index maps predicate to buffer offsets.
	facts []Fact
	index map[string][]int

	samplingRate       float64
	lowValuePredicates map[string]bool
}

// NewEngine creates an engine and, when enabled, loads cfg.SchemaPath or the
// built-in schema if no path is set.
func NewEngine(cfg config.MangleConfig, logger *log.Logger) (*Engine, error) {
	e := &Engine{
		cfg:                cfg,
		logger:             logging.OrNop(logger).WithPrefix("mangle"),
		facts:              make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:              make(map[string][]int),
		store:              factstore.NewSimpleInMemoryStore(),
		samplingRate:       1.0,
		lowValuePredicates: defaultLowValuePredicates(),
	}

	if cfg.Enable {
		var err error
		if cfg.SchemaPath != "" {
			err = e.LoadSchema(cfg.SchemaPath)
		} else {
			err = e.LoadSchemaSource(schemas.Pilot)
		}
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadSchema parses and analyses a Mangle source file.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.LoadSchemaSource(data)
}

// LoadSchemaSource parses and analyses Mangle source held in memory.
func (e *Engine) LoadSchemaSource(src []byte) error {
	unit, err := parse.Unit(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = programInfo
	e.schemaLoaded = true
	e.logger.Debug("schema loaded", "decls", len(programInfo.Decls))
	return nil
}

// AddFacts appends facts to the buffer and the store, then re-evaluates the
// program. Low-value facts are sampled once the buffer passes half capacity.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()
	accepted := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if e.shouldAcceptFact(f) {
			accepted = append(accepted, f)
		}
	}
	if dropped := len(facts) - len(accepted); dropped > 0 {
		e.logger.Debug("sampled facts", "dropped", dropped, "rate", e.samplingRate)
	}

	base := len(e.facts)
	e.facts = append(e.facts, accepted...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		e.facts = e.facts[len(e.facts)-e.cfg.FactBufferLimit:]
		e.rebuildIndex()
	} else {
		for i, f := range accepted {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
		}
	}

	for _, f := range accepted {
		e.store.Add(factToAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			e.logger.Warn("evaluation failed", "err", err)
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}
	return nil
}

func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}
	fill := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)
	switch {
	case fill < 0.5:
		e.samplingRate = 1.0
	case fill < 0.7:
		e.samplingRate = 0.8
	case fill < 0.85:
		e.samplingRate = 0.5
	case fill < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) shouldAcceptFact(f Fact) bool {
	if !e.lowValuePredicates[f.Predicate] || e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current sampling rate for low-value predicates.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Query evaluates a single atom such as `unresponsive_action(S, A).` against
// the store, which holds both base and derived facts.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	e.mu.RLock()
	ready := e.cfg.Enable && e.schemaLoaded
	e.mu.RUnlock()
	if !ready {
		return nil, ErrNotReady
	}

	unit, err := parse.Unit(bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, errors.New("no query found")
	}
	queryAtom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				result[v.Symbol] = convertConstant(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

// QueryTemporal returns buffered facts of predicate strictly inside (after, before).
// A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns buffered facts of predicate in insertion order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		results = append(results, e.facts[idx])
	}
	return results
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether the engine has a usable query context.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

// Booleans are stored as the strings "true" and "false" so rules can match
// them with string literals.
func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(t ast.BaseTerm) interface{} {
	c, ok := t.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", t)
	}
	switch c.Type {
	case ast.StringType:
		if s, err := c.StringValue(); err == nil {
			return s
		}
	case ast.NumberType:
		if n, err := c.NumberValue(); err == nil {
			return n
		}
	case ast.Float64Type:
		if f, err := c.Float64Value(); err == nil {
			return f
		}
	}
	return c.String()
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
