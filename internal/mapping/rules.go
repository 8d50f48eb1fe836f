package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidRules = errors.New("invalid mapping rules")

// ExprKind tags a node of the transformation expression tree.
type ExprKind string

const (
	KindField  ExprKind = "field"
	KindConst  ExprKind = "const"
	KindConcat ExprKind = "concat"
	KindLookup ExprKind = "lookup"
)

// Expr is one node of a transformation. Only the fields relevant to Kind are set.
type Expr struct {
	Kind ExprKind `json:"kind"`

	// field
	Path string `json:"path,omitempty"`
	Type string `json:"type,omitempty"`

	// const
	Value json.RawMessage `json:"value,omitempty"`

	// concat
	Parts     []Expr `json:"parts,omitempty"`
	Separator string `json:"separator,omitempty"`

	// lookup
	Input   *Expr                      `json:"input,omitempty"`
	Table   map[string]json.RawMessage `json:"table,omitempty"`
	Default json.RawMessage            `json:"default,omitempty"`
}

// UnmarshalJSON accepts a bare string as shorthand for a field copy.
func (e *Expr) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var path string
		if err := json.Unmarshal(trimmed, &path); err != nil {
			return err
		}
		*e = Expr{Kind: KindField, Path: path}
		return nil
	}
	type plain Expr
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*e = Expr(p)
	return nil
}

// FieldRule writes the result of Expr at the dotted Target path of the output.
type FieldRule struct {
	Target   string `json:"target"`
	Expr     Expr   `json:"expr"`
	Required bool   `json:"required,omitempty"`
}

// Rules is the full transformation for one mapping version.
type Rules struct {
	Fields []FieldRule `json:"fields"`
}

// UnmarshalJSON accepts either {"fields": [...]} or a flat object of
// target -> expression, which is expanded in target order.
func (r *Rules) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("%w: rules must be a JSON object", ErrInvalidRules)
	}
	if raw, ok := probe["fields"]; ok && len(probe) == 1 {
		var fields []FieldRule
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRules, err)
		}
		r.Fields = fields
		return nil
	}

	targets := make([]string, 0, len(probe))
	for target := range probe {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	r.Fields = make([]FieldRule, 0, len(targets))
	for _, target := range targets {
		var expr Expr
		if err := json.Unmarshal(probe[target], &expr); err != nil {
			return fmt.Errorf("%w: target %q: %v", ErrInvalidRules, target, err)
		}
		r.Fields = append(r.Fields, FieldRule{Target: target, Expr: expr})
	}
	return nil
}

// ParseRules decodes and validates a rules document.
func ParseRules(raw json.RawMessage) (*Rules, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty rules", ErrInvalidRules)
	}
	var rules Rules
	if err := json.Unmarshal(raw, &rules); err != nil {
		if errors.Is(err, ErrInvalidRules) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if err := Validate(&rules); err != nil {
		return nil, err
	}
	return &rules, nil
}

var knownTypes = map[string]bool{
	"":       true,
	"string": true,
	"number": true,
	"bool":   true,
	"object": true,
	"array":  true,
}

// Validate checks the structure of the rule tree without looking at any payload.
func Validate(rules *Rules) error {
	if rules == nil || len(rules.Fields) == 0 {
		return fmt.Errorf("%w: at least one field rule is required", ErrInvalidRules)
	}

	seen := make(map[string]bool, len(rules.Fields))
	for i, f := range rules.Fields {
		if !validPath(f.Target) {
			return fmt.Errorf("%w: field %d: invalid target %q", ErrInvalidRules, i, f.Target)
		}
		if seen[f.Target] {
			return fmt.Errorf("%w: duplicate target %q", ErrInvalidRules, f.Target)
		}
		seen[f.Target] = true
		if err := validateExpr(&f.Expr); err != nil {
			return fmt.Errorf("%w: target %q: %v", ErrInvalidRules, f.Target, err)
		}
	}

	for target := range seen {
		for other := range seen {
			if target != other && strings.HasPrefix(other, target+".") {
				return fmt.Errorf("%w: target %q overlaps %q", ErrInvalidRules, target, other)
			}
		}
	}
	return nil
}

func validateExpr(e *Expr) error {
	switch e.Kind {
	case KindField:
		if !validPath(e.Path) {
			return fmt.Errorf("field: invalid path %q", e.Path)
		}
		if !knownTypes[e.Type] {
			return fmt.Errorf("field: unknown type %q", e.Type)
		}
	case KindConst:
		if len(e.Value) == 0 || !json.Valid(e.Value) {
			return errors.New("const: value is required")
		}
	case KindConcat:
		if len(e.Parts) == 0 {
			return errors.New("concat: at least one part is required")
		}
		for i := range e.Parts {
			if err := validateExpr(&e.Parts[i]); err != nil {
				return fmt.Errorf("concat part %d: %v", i, err)
			}
		}
	case KindLookup:
		if e.Input == nil {
			return errors.New("lookup: input is required")
		}
		if len(e.Table) == 0 && len(e.Default) == 0 {
			return errors.New("lookup: table or default is required")
		}
		if err := validateExpr(e.Input); err != nil {
			return fmt.Errorf("lookup input: %v", err)
		}
	default:
		return fmt.Errorf("unknown expression kind %q", e.Kind)
	}
	return nil
}

func validPath(p string) bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(p, ".") {
		if seg == "" {
			return false
		}
	}
	return true
}
