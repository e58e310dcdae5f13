// Package tagger scans the live document for interactive and state-bearing
// elements and assigns each one an identifier that stays stable across scans
// of an unchanged document.
package tagger

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"pagepilot-mcp-server/internal/document"
)

//go:embed scan.js
var scanJS string

// Category buckets a tagged element by what a controller can do with it.
type Category string

const (
	CategoryForm   Category = "form"
	CategoryButton Category = "button"
	CategoryLink   Category = "link"
	CategoryInput  Category = "input"
	CategoryState  Category = "state"
	CategoryCustom Category = "custom"
)

// Element is one tagged candidate.
type Element struct {
	ID        string   `json:"id"`
	Category  Category `json:"category"`
	Tag       string   `json:"tag"`
	InputKind string   `json:"inputKind,omitempty"`
	Label     string   `json:"label,omitempty"`
	Options   []string `json:"options,omitempty"`
	Multiple  bool     `json:"multiple,omitempty"`
	Required  bool     `json:"required"`
	Checked   bool     `json:"checked"`
	Disabled  bool     `json:"disabled"`
	Visible   bool     `json:"visible"`
	Value     string   `json:"value,omitempty"`
	Href      string   `json:"href,omitempty"`
	// Form is the id of the owning form element, if any.
	Form string `json:"form,omitempty"`
	// Marker holds the value of the actionable or state marker attribute.
	Marker string `json:"marker,omitempty"`

	// Locator is a structural CSS path used to reach the node again when
	// dispatching. It is never part of the identifier.
	Locator string `json:"-"`
}

// Snapshot is the result of a single scan.
type Snapshot struct {
	Title    string
	URL      string
	Elements []Element
}

// Options tune candidate selection and labelling.
type Options struct {
	// ActionAttr marks elements as explicitly actionable.
	ActionAttr string
	// StateAttr marks elements as carrying state.
	StateAttr string
	// LabelMax caps label length in runes.
	LabelMax int
}

// DefaultOptions returns the marker attributes and label cap used when none are configured.
func DefaultOptions() Options {
	return Options{
		ActionAttr: "data-action",
		StateAttr:  "data-state",
		LabelMax:   80,
	}
}

// Tagger turns raw scan results into tagged elements.
type Tagger struct {
	opts Options
}

// New returns a Tagger; zero fields in opts fall back to DefaultOptions.
func New(opts Options) *Tagger {
	def := DefaultOptions()
	if opts.ActionAttr == "" {
		opts.ActionAttr = def.ActionAttr
	}
	if opts.StateAttr == "" {
		opts.StateAttr = def.StateAttr
	}
	if opts.LabelMax <= 0 {
		opts.LabelMax = def.LabelMax
	}
	return &Tagger{opts: opts}
}

// Options returns the effective options.
func (t *Tagger) Options() Options {
	return t.opts
}

// Script returns the scan function expression evaluated in the document.
func Script() string {
	return scanJS
}

// Candidate is the raw per-node record produced by the scan script.
type Candidate struct {
	Tag        string   `json:"tag"`
	Kind       string   `json:"kind"`
	Role       string   `json:"role"`
	TestID     string   `json:"testid"`
	DomID      string   `json:"domId"`
	Name       string   `json:"name"`
	Label      string   `json:"label"`
	Options    []string `json:"options"`
	Multiple   bool     `json:"multiple"`
	Required   bool     `json:"required"`
	Checked    bool     `json:"checked"`
	Disabled   bool     `json:"disabled"`
	Visible    bool     `json:"visible"`
	Value      string   `json:"value"`
	Href       string   `json:"href"`
	Form       int      `json:"form"`
	ActionMark *string  `json:"actionMark"`
	StateMark  *string  `json:"stateMark"`
	Locator    string   `json:"locator"`
}

type scanResult struct {
	Title      string      `json:"title"`
	URL        string      `json:"url"`
	Candidates []Candidate `json:"candidates"`
}

// Scan evaluates the scan script against the document behind h. The scan
// never mutates the document; a failed evaluation fails the whole pass.
func (t *Tagger) Scan(ctx context.Context, ev document.Evaluator, h document.Handle) (Snapshot, error) {
	raw, err := ev.Evaluate(ctx, h, scanJS, t.opts.ActionAttr, t.opts.StateAttr)
	if err != nil {
		return Snapshot{}, fmt.Errorf("scan document: %w", err)
	}
	var res scanResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Snapshot{}, fmt.Errorf("decode scan result: %w", err)
	}
	return Snapshot{
		Title:    NormalizeLabel(res.Title, 200),
		URL:      res.URL,
		Elements: t.Tag(res.Candidates),
	}, nil
}

// Tag derives tagged elements from raw candidates, preserving document order.
func (t *Tagger) Tag(cands []Candidate) []Element {
	testIDs := make(map[string]int)
	domIDs := make(map[string]int)
	names := make(map[string]int)
	for _, c := range cands {
		if c.TestID != "" {
			testIDs[c.TestID]++
		}
		if c.DomID != "" {
			domIDs[c.DomID]++
		}
		if c.Name != "" {
			names[c.Name]++
		}
	}

	visibleSeen := make(map[string]int)
	hiddenSeen := make(map[string]int)
	ids := make([]string, len(cands))
	for i, c := range cands {
		// Positional counters advance for every candidate of the pair so that
		// gaining or losing a stable attribute elsewhere never shifts them.
		key := positionalKey(c)
		var pos string
		if c.Visible {
			visibleSeen[key]++
			pos = key + "-" + strconv.Itoa(visibleSeen[key])
		} else {
			hiddenSeen[key]++
			pos = key + "-hidden-" + strconv.Itoa(hiddenSeen[key])
		}

		switch {
		case c.TestID != "" && testIDs[c.TestID] == 1:
			ids[i] = "testid:" + c.TestID
		case c.DomID != "" && domIDs[c.DomID] == 1:
			ids[i] = "#" + c.DomID
		case c.Name != "" && names[c.Name] == 1:
			ids[i] = "name:" + c.Name
		default:
			ids[i] = pos
		}
	}

	// Custom tags and odd input kinds can still spell another element's
	// positional id; later duplicates get a #n suffix in document order.
	used := make(map[string]int, len(ids))
	for i, id := range ids {
		used[id]++
		if used[id] == 1 {
			continue
		}
		for n := used[id]; ; n++ {
			alt := id + "#" + strconv.Itoa(n)
			if used[alt] == 0 {
				used[alt] = 1
				ids[i] = alt
				break
			}
		}
	}

	out := make([]Element, 0, len(cands))
	for i, c := range cands {
		el := Element{
			ID:        ids[i],
			Category:  t.categorize(c),
			Tag:       c.Tag,
			InputKind: c.Kind,
			Label:     NormalizeLabel(c.Label, t.opts.LabelMax),
			Options:   c.Options,
			Multiple:  c.Multiple,
			Required:  c.Required,
			Checked:   c.Checked,
			Disabled:  c.Disabled,
			Visible:   c.Visible,
			Value:     c.Value,
			Href:      c.Href,
			Locator:   c.Locator,
		}
		if c.Form >= 0 && c.Form < len(ids) && c.Form != i {
			el.Form = ids[c.Form]
		}
		switch {
		case c.ActionMark != nil:
			el.Marker = *c.ActionMark
		case c.StateMark != nil:
			el.Marker = *c.StateMark
		}
		if el.Category == CategoryInput && isPassword(c) {
			el.Value = ""
		}
		out = append(out, el)
	}
	return out
}

func positionalKey(c Candidate) string {
	if c.Kind == "" {
		return c.Tag
	}
	return c.Tag + "-" + c.Kind
}

func (t *Tagger) categorize(c Candidate) Category {
	switch c.Tag {
	case "form":
		return CategoryForm
	case "button":
		return CategoryButton
	case "a":
		return CategoryLink
	case "input":
		switch c.Kind {
		case "submit", "button", "reset", "image":
			return CategoryButton
		}
		return CategoryInput
	case "select", "textarea":
		return CategoryInput
	}
	switch {
	case c.ActionMark != nil:
		return CategoryCustom
	case c.Role == "button":
		return CategoryButton
	case c.Role == "link":
		return CategoryLink
	case c.StateMark != nil:
		return CategoryState
	}
	return CategoryCustom
}

func isPassword(c Candidate) bool {
	return c.Tag == "input" && c.Kind == "password"
}

// NormalizeLabel collapses whitespace and caps s to max runes, marking
// truncation with "...".
func NormalizeLabel(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return string([]rune(s)[:max])
	}
	return strings.TrimSpace(string([]rune(s)[:max-3])) + "..."
}
