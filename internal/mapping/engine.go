package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"integration-hub/internal/models"
)

// ErrorKind separates payload problems from rule problems.
type ErrorKind string

const (
	// KindMalformedPayload means the source payload does not fit the mapping; retrying will not help.
	KindMalformedPayload ErrorKind = "malformed_payload"
	// KindEngine means the rules themselves could not be evaluated.
	KindEngine ErrorKind = "engine"
)

type TransformError struct {
	Kind   ErrorKind
	Target string
	Reason string
}

func (e *TransformError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: target %q: %s", e.Kind, e.Target, e.Reason)
}

// IsMalformed reports whether err is a transform error caused by the payload.
func IsMalformed(err error) bool {
	var te *TransformError
	return errors.As(err, &te) && te.Kind == KindMalformedPayload
}

// IsEngineError reports whether err is a transform error caused by the rules.
func IsEngineError(err error) bool {
	var te *TransformError
	return errors.As(err, &te) && te.Kind == KindEngine
}

func malformed(target, format string, args ...any) error {
	return &TransformError{Kind: KindMalformedPayload, Target: target, Reason: fmt.Sprintf(format, args...)}
}

func engineErr(target, format string, args ...any) error {
	return &TransformError{Kind: KindEngine, Target: target, Reason: fmt.Sprintf(format, args...)}
}

// Transform applies a stored mapping version to a raw payload. It performs no
// I/O and always produces the same bytes for the same (rules, payload).
func Transform(mapping *models.EventMapping, payload json.RawMessage) (json.RawMessage, error) {
	rules, err := ParseRules(mapping.Rules)
	if err != nil {
		return nil, engineErr("", "mapping %s v%d: %v", mapping.TargetSystem, mapping.Version, err)
	}
	return Apply(rules, payload)
}

// Apply evaluates already parsed rules against a raw payload.
func Apply(rules *Rules, payload json.RawMessage) (json.RawMessage, error) {
	source, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	for _, f := range rules.Fields {
		value, present, err := eval(&f.Expr, source, f.Target)
		if err != nil {
			return nil, err
		}
		if !present {
			if f.Required {
				return nil, malformed(f.Target, "missing required source field %s", describe(&f.Expr))
			}
			continue
		}
		if err := setPath(out, f.Target, value); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, engineErr("", "encode output: %v", err)
	}
	return body, nil
}

func decodeObject(payload json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, malformed("", "payload is not valid JSON: %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, malformed("", "payload must be a JSON object")
	}
	return obj, nil
}

func decodeLiteral(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func eval(e *Expr, source map[string]any, target string) (any, bool, error) {
	switch e.Kind {
	case KindField:
		v, ok := lookupPath(source, e.Path)
		if !ok || v == nil {
			return nil, false, nil
		}
		if e.Type != "" && !hasType(v, e.Type) {
			return nil, false, malformed(target, "field %q: expected %s, got %s", e.Path, e.Type, typeName(v))
		}
		return v, true, nil

	case KindConst:
		v, err := decodeLiteral(e.Value)
		if err != nil {
			return nil, false, engineErr(target, "const: %v", err)
		}
		return v, true, nil

	case KindConcat:
		var parts []string
		for i := range e.Parts {
			v, ok, err := eval(&e.Parts[i], source, target)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			s, ok := scalarString(v)
			if !ok {
				return nil, false, malformed(target, "concat: %s is %s, not a scalar", describe(&e.Parts[i]), typeName(v))
			}
			parts = append(parts, s)
		}
		if len(parts) == 0 {
			return nil, false, nil
		}
		return strings.Join(parts, e.Separator), true, nil

	case KindLookup:
		if e.Input == nil {
			return nil, false, engineErr(target, "lookup without input")
		}
		in, ok, err := eval(e.Input, source, target)
		if err != nil {
			return nil, false, err
		}
		if ok {
			key, isScalar := scalarString(in)
			if !isScalar {
				return nil, false, malformed(target, "lookup: %s is %s, not a scalar", describe(e.Input), typeName(in))
			}
			if raw, found := e.Table[key]; found {
				v, err := decodeLiteral(raw)
				if err != nil {
					return nil, false, engineErr(target, "lookup table entry %q: %v", key, err)
				}
				return v, true, nil
			}
		}
		if len(e.Default) > 0 {
			v, err := decodeLiteral(e.Default)
			if err != nil {
				return nil, false, engineErr(target, "lookup default: %v", err)
			}
			return v, true, nil
		}
		return nil, false, nil
	}
	return nil, false, engineErr(target, "unknown expression kind %q", e.Kind)
}

func lookupPath(source map[string]any, path string) (any, bool) {
	var cur any = source
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func setPath(out map[string]any, path string, value any) error {
	segs := strings.Split(path, ".")
	node := out
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg]
		if !ok {
			child := make(map[string]any)
			node[seg] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return engineErr(path, "conflicting target path at %q", seg)
		}
		node = child
	}
	last := segs[len(segs)-1]
	if _, exists := node[last]; exists {
		return engineErr(path, "target written twice")
	}
	node[last] = value
	return nil
}

func hasType(v any, want string) bool {
	return typeName(v) == want
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "bool"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return "", false
}

func describe(e *Expr) string {
	switch e.Kind {
	case KindField:
		return strconv.Quote(e.Path)
	case KindLookup:
		if e.Input != nil {
			return "lookup(" + describe(e.Input) + ")"
		}
	}
	return string(e.Kind)
}
