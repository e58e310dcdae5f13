// Package manifest turns tagged elements into a categorized catalog of
// actions with input and output contracts.
package manifest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pagepilot-mcp-server/internal/tagger"
)

// Verb is what an action does to its element.
type Verb string

const (
	VerbClick  Verb = "click"
	VerbFill   Verb = "fill"
	VerbSelect Verb = "select"
	VerbSubmit Verb = "submit"
	VerbCustom Verb = "custom"
)

var verbs = map[Verb]bool{
	VerbClick:  true,
	VerbFill:   true,
	VerbSelect: true,
	VerbSubmit: true,
	VerbCustom: true,
}

// Param describes one action input.
type Param struct {
	Type     string   `json:"type"`
	Enum     []string `json:"enum,omitempty"`
	Required bool     `json:"required,omitempty"`
}

// Action is one entry of the action catalog.
type Action struct {
	ID           string           `json:"id"`
	Verb         Verb             `json:"verb"`
	ElementID    string           `json:"elementId"`
	Description  string           `json:"description"`
	InputSchema  map[string]Param `json:"inputSchema,omitempty"`
	OutputSchema []string         `json:"outputSchema"`
}

// PageIdentity names the document a manifest was generated from.
type PageIdentity struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Manifest is one complete generation. It is never patched; the next
// generation replaces it.
type Manifest struct {
	ID          string           `json:"id"`
	Page        PageIdentity     `json:"page"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Elements    []tagger.Element `json:"elements"`
	Actions     []Action         `json:"actions"`

	byElement map[string]int
	byAction  map[string]int
}

// Group is an element together with its actions. Pagination never splits a
// group across chunks.
type Group struct {
	Element tagger.Element `json:"element"`
	Actions []Action       `json:"actions,omitempty"`
}

// ActionID joins a verb and an element id.
func ActionID(v Verb, elementID string) string {
	return string(v) + ":" + elementID
}

// Build creates a manifest from one scan's elements.
func Build(id string, page PageIdentity, elements []tagger.Element, now time.Time) *Manifest {
	m := &Manifest{
		ID:          id,
		Page:        page,
		GeneratedAt: now,
		Elements:    elements,
		byElement:   make(map[string]int, len(elements)),
		byAction:    make(map[string]int),
	}
	fields := make(map[string][]tagger.Element)
	for i, el := range elements {
		m.byElement[el.ID] = i
		if el.Form != "" && el.Category == tagger.CategoryInput {
			fields[el.Form] = append(fields[el.Form], el)
		}
	}
	for _, el := range elements {
		if !el.Visible || el.Disabled {
			continue
		}
		for _, a := range actionsFor(el, fields[el.ID]) {
			m.byAction[a.ID] = len(m.Actions)
			m.Actions = append(m.Actions, a)
		}
	}
	return m
}

func actionsFor(el tagger.Element, fields []tagger.Element) []Action {
	name := el.Label
	if name == "" {
		name = el.ID
	}
	switch el.Category {
	case tagger.CategoryForm:
		schema := make(map[string]Param)
		for _, f := range fields {
			if !f.Visible || f.Disabled {
				continue
			}
			if p, ok := fillParam(f); ok {
				p.Required = false
				schema[f.ID] = p
			}
		}
		if len(schema) == 0 {
			schema = nil
		}
		return []Action{{
			ID:           ActionID(VerbSubmit, el.ID),
			Verb:         VerbSubmit,
			ElementID:    el.ID,
			Description:  fmt.Sprintf("Submit form %q", name),
			InputSchema:  schema,
			OutputSchema: []string{"submitted"},
		}}
	case tagger.CategoryButton, tagger.CategoryLink:
		desc := fmt.Sprintf("Click %q", name)
		if el.Category == tagger.CategoryLink && el.Href != "" {
			desc = fmt.Sprintf("Follow link %q to %s", name, el.Href)
		}
		return []Action{{
			ID:           ActionID(VerbClick, el.ID),
			Verb:         VerbClick,
			ElementID:    el.ID,
			Description:  desc,
			OutputSchema: []string{"clicked"},
		}}
	case tagger.CategoryInput:
		switch {
		case el.Tag == "select":
			return []Action{{
				ID:           ActionID(VerbSelect, el.ID),
				Verb:         VerbSelect,
				ElementID:    el.ID,
				Description:  fmt.Sprintf("Select one option of %q", name),
				InputSchema:  map[string]Param{"option": {Type: "string", Enum: el.Options, Required: true}},
				OutputSchema: []string{"value"},
			}}
		case isToggle(el):
			return []Action{{
				ID:           ActionID(VerbClick, el.ID),
				Verb:         VerbClick,
				ElementID:    el.ID,
				Description:  fmt.Sprintf("Toggle %s %q", el.InputKind, name),
				OutputSchema: []string{"checked"},
			}}
		case el.InputKind == "file":
			return []Action{{
				ID:           ActionID(VerbClick, el.ID),
				Verb:         VerbClick,
				ElementID:    el.ID,
				Description:  fmt.Sprintf("Open file chooser %q", name),
				OutputSchema: []string{"clicked"},
			}}
		}
		p, _ := fillParam(el)
		return []Action{{
			ID:           ActionID(VerbFill, el.ID),
			Verb:         VerbFill,
			ElementID:    el.ID,
			Description:  fmt.Sprintf("Fill %q with a %s value", name, p.Type),
			InputSchema:  map[string]Param{"value": p},
			OutputSchema: []string{"value"},
		}}
	case tagger.CategoryState:
		return []Action{{
			ID:           ActionID(VerbCustom, el.ID),
			Verb:         VerbCustom,
			ElementID:    el.ID,
			Description:  fmt.Sprintf("Read state of %q", name),
			OutputSchema: []string{"state"},
		}}
	default:
		desc := fmt.Sprintf("Trigger %q", name)
		if el.Marker != "" {
			desc = fmt.Sprintf("Trigger %s on %q", el.Marker, name)
		}
		return []Action{{
			ID:           ActionID(VerbCustom, el.ID),
			Verb:         VerbCustom,
			ElementID:    el.ID,
			Description:  desc,
			OutputSchema: []string{"clicked", "action"},
		}}
	}
}

func isToggle(el tagger.Element) bool {
	return el.Tag == "input" && (el.InputKind == "checkbox" || el.InputKind == "radio")
}

// fillParam returns the value parameter for a text-like field.
func fillParam(el tagger.Element) (Param, bool) {
	if el.Tag == "select" {
		return Param{Type: "string", Enum: el.Options}, true
	}
	if isToggle(el) || el.InputKind == "file" {
		return Param{}, false
	}
	switch el.InputKind {
	case "number", "range":
		return Param{Type: "number", Required: true}, true
	}
	return Param{Type: "string", Required: true}, true
}

// Element returns the element with the given id.
func (m *Manifest) Element(id string) (tagger.Element, bool) {
	i, ok := m.byElement[id]
	if !ok {
		return tagger.Element{}, false
	}
	return m.Elements[i], true
}

// Action returns the action with the given id.
func (m *Manifest) Action(id string) (Action, bool) {
	i, ok := m.byAction[id]
	if !ok {
		return Action{}, false
	}
	return m.Actions[i], true
}

// ActionsFor returns the actions bound to an element, in catalog order.
func (m *Manifest) ActionsFor(elementID string) []Action {
	var out []Action
	for _, a := range m.Actions {
		if a.ElementID == elementID {
			out = append(out, a)
		}
	}
	return out
}

// Groups returns one group per element, in element order.
func (m *Manifest) Groups() []Group {
	groups := make([]Group, 0, len(m.Elements))
	for _, el := range m.Elements {
		groups = append(groups, Group{Element: el, Actions: m.ActionsFor(el.ID)})
	}
	return groups
}

var (
	// ErrNoElement means the referenced element is absent from the manifest.
	ErrNoElement = errors.New("element not in manifest")
	// ErrBadAction means the action id or its parameters are malformed.
	ErrBadAction = errors.New("malformed action")
)

// stablePrefixes are element id prefixes that contain a colon.
var stablePrefixes = map[string]bool{"testid": true, "name": true}

// Ref is a parsed action reference.
type Ref struct {
	Verb      Verb
	ElementID string
}

// ParseRef splits an action id into verb and element id. A bare element id
// has an empty verb.
func ParseRef(actionID string) (Ref, error) {
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return Ref{}, fmt.Errorf("%w: empty action id", ErrBadAction)
	}
	prefix, rest, ok := strings.Cut(actionID, ":")
	if !ok || stablePrefixes[prefix] || strings.HasPrefix(actionID, "#") {
		return Ref{ElementID: actionID}, nil
	}
	if !verbs[Verb(prefix)] {
		return Ref{}, fmt.Errorf("%w: unknown verb %q", ErrBadAction, prefix)
	}
	if rest == "" {
		return Ref{}, fmt.Errorf("%w: %q has no element id", ErrBadAction, actionID)
	}
	return Ref{Verb: Verb(prefix), ElementID: rest}, nil
}

// Resolve finds the action an id refers to. A bare element id resolves to the
// element's primary action.
func (m *Manifest) Resolve(actionID string) (Action, error) {
	if a, ok := m.Action(actionID); ok {
		return a, nil
	}
	if _, ok := m.Element(actionID); ok {
		if acts := m.ActionsFor(actionID); len(acts) > 0 {
			return acts[0], nil
		}
		return Action{}, fmt.Errorf("%w: element %q has no enabled action", ErrBadAction, actionID)
	}
	ref, err := ParseRef(actionID)
	if err != nil {
		return Action{}, err
	}
	el, ok := m.Element(ref.ElementID)
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrNoElement, ref.ElementID)
	}
	if ref.Verb == "" {
		return Action{}, fmt.Errorf("%w: element %q has no enabled action", ErrBadAction, el.ID)
	}
	return Action{}, fmt.Errorf("%w: %s is not available on %q", ErrBadAction, ref.Verb, el.ID)
}

// Validate checks params against the action's input schema and returns them
// normalised to strings.
func (a Action) Validate(params map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for name, p := range a.InputSchema {
		raw, ok := params[name]
		if !ok || raw == nil {
			if p.Required {
				return nil, fmt.Errorf("%w: %s requires %q", ErrBadAction, a.ID, name)
			}
			continue
		}
		val, err := coerce(raw, p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %v", ErrBadAction, a.ID, name, err)
		}
		out[name] = val
	}
	for name := range params {
		if _, ok := a.InputSchema[name]; !ok {
			return nil, fmt.Errorf("%w: %s does not accept %q", ErrBadAction, a.ID, name)
		}
	}
	return out, nil
}

func coerce(raw interface{}, p Param) (string, error) {
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case bool:
		s = strconv.FormatBool(v)
	default:
		return "", fmt.Errorf("unsupported value type %T", raw)
	}
	if p.Type == "number" {
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", fmt.Errorf("expected a number, got %q", s)
		}
	}
	if len(p.Enum) > 0 {
		for _, opt := range p.Enum {
			if opt == s {
				return s, nil
			}
		}
		return "", fmt.Errorf("%q is not one of %v", s, p.Enum)
	}
	return s, nil
}
