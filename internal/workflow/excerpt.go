package workflow

import (
	"encoding/json"
	"strings"
)

// Excerpt is a set of values extracted from a command state: a literal, a
// path expression such as "${.payload.url}", or a map or array of
// excerpts.
type Excerpt interface {
	// Extract evaluates the excerpt against a command state.
	Extract(s *CommandState) any
}

// Literal is a constant JSON value.
type Literal struct{ Value any }

// PathExpr is a path into a command state, e.g. "${.payload.x}".
type PathExpr string

// ExcerptMap is a map of named excerpts.
type ExcerptMap map[string]Excerpt

// ExcerptArray is an array of excerpts.
type ExcerptArray []Excerpt

// WholePayload is the excerpt returning the whole payload of a state.
const WholePayload PathExpr = "${.}"

// ExcerptFromValue turns a decoded JSON value into an excerpt. Strings of
// the form "${...}" become path expressions.
func ExcerptFromValue(v any) Excerpt {
	switch t := v.(type) {
	case string:
		if isPathExpr(t) {
			return PathExpr(t)
		}
		return Literal{Value: t}
	case []any:
		arr := make(ExcerptArray, len(t))
		for i, e := range t {
			arr[i] = ExcerptFromValue(e)
		}
		return arr
	case map[string]any:
		m := make(ExcerptMap, len(t))
		for k, e := range t {
			m[k] = ExcerptFromValue(e)
		}
		return m
	default:
		return Literal{Value: v}
	}
}

// NewExcerptMap builds the excerpt used to map the output of a step onto
// the next state. Null gives an empty mapping that changes nothing; only
// objects and path expressions are accepted.
func NewExcerptMap(v any) (Excerpt, error) {
	switch t := v.(type) {
	case nil:
		return ExcerptMap{}, nil
	case map[string]any, string:
		return ExcerptFromValue(t), nil
	case bool:
		return nil, &NotAnObjectError{Kind: "bool", Value: v}
	case json.Number, float64, int, int64:
		return nil, &NotAnObjectError{Kind: "number", Value: v}
	case []any:
		return nil, &NotAnObjectError{Kind: "array", Value: v}
	default:
		return nil, &NotAnObjectError{Kind: "unknown", Value: v}
	}
}

// ParseExcerpt decodes a JSON document with NewExcerptMap. An empty
// document is treated as null.
func ParseExcerpt(b []byte) (Excerpt, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return ExcerptMap{}, nil
	}
	v, err := decodeJSON(b)
	if err != nil {
		return nil, err
	}
	return NewExcerptMap(v)
}

// Apply merges the value extracted from from into the payload of into.
func Apply(e Excerpt, from, into *CommandState) *CommandState {
	return into.UpdateWithJSON(e.Extract(from))
}

func (l Literal) Extract(*CommandState) any { return deepCopy(l.Value) }

func (p PathExpr) Extract(s *CommandState) any {
	v, ok := s.extractPath(string(p))
	if !ok {
		return nil
	}
	return v
}

func (m ExcerptMap) Extract(s *CommandState) any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = e.Extract(s)
	}
	return out
}

func (a ExcerptArray) Extract(s *CommandState) any {
	out := make([]any, len(a))
	for i, e := range a {
		out[i] = e.Extract(s)
	}
	return out
}

func isPathExpr(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// extractPath resolves "${.}", "${.payload...}" and "${.topic...}".
func (s *CommandState) extractPath(expr string) (any, bool) {
	if !isPathExpr(expr) {
		return nil, false
	}
	path := strings.TrimSuffix(strings.TrimPrefix(expr, "${"), "}")
	if path == "." {
		return s.payloadValue(), true
	}
	rest, ok := strings.CutPrefix(path, ".")
	if !ok {
		return nil, false
	}
	keys := strings.Split(rest, ".")

	switch keys[0] {
	case "payload":
		var v any = s.payloadValue()
		for _, k := range keys[1:] {
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			if v, ok = obj[k]; !ok {
				return nil, false
			}
		}
		return deepCopy(v), true

	case "topic":
		if len(keys) == 1 {
			return s.Topic, true
		}
		if len(keys) != 2 {
			return nil, false
		}
		switch keys[1] {
		case "root_prefix":
			return s.RootPrefix(), true
		case "target":
			id, ok := s.Target()
			if !ok {
				return nil, false
			}
			return id.String(), true
		case "operation":
			return s.Operation(), true
		case "cmd_id":
			return s.CmdID(), true
		}
	}
	return nil, false
}

func (s *CommandState) payloadValue() any {
	if s.Payload == nil {
		return nil
	}
	return deepCopy(s.Payload)
}
