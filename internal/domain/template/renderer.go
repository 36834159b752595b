package template

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Renderer walks compiled tokens against a context map.
// Missing values render as empty strings; only the restricted condition
// grammar is evaluated.
type Renderer struct{}

// NewRenderer creates a Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render produces the output of ct for the given context.
func (r *Renderer) Render(ct *CompiledTemplate, data map[string]any) string {
	if ct == nil {
		return ""
	}
	if ct.Kind == KindStatic {
		return ct.Literal
	}

	var b strings.Builder
	renderTokens(&b, ct.Tokens, &scope{vars: data})
	return b.String()
}

// RenderVariant renders every field of a compiled variant.
func (r *Renderer) RenderVariant(cv *CompiledVariant, data map[string]any) RenderedContent {
	out := RenderedContent{
		Subject:  r.Render(cv.Subject, data),
		Title:    r.Render(cv.Title, data),
		Body:     r.Render(cv.Body, data),
		HTMLBody: r.Render(cv.HTMLBody, data),
	}
	for _, a := range cv.Actions {
		out.Actions = append(out.Actions, Action{
			Text:  r.Render(a.Text, data),
			URL:   r.Render(a.URL, data),
			Style: a.Style,
		})
	}
	return out
}

// scope is one level of variable bindings; loops push a child scope per element.
type scope struct {
	vars   map[string]any
	parent *scope
}

func (s *scope) lookup(path string) (any, bool) {
	head, rest, _ := strings.Cut(path, ".")
	for cur := s; cur != nil; cur = cur.parent {
		v, ok := cur.vars[head]
		if !ok {
			continue
		}
		if rest == "" {
			return v, true
		}
		return walk(v, strings.Split(rest, "."))
	}
	return nil, false
}

func walk(v any, segments []string) (any, bool) {
	for _, seg := range segments {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			v = next
		case map[string]string:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			v = next
		default:
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				return nil, false
			}
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= rv.Len() {
				return nil, false
			}
			v = rv.Index(idx).Interface()
		}
	}
	return v, true
}

func renderTokens(b *strings.Builder, tokens []Token, s *scope) {
	for _, t := range tokens {
		switch t.Kind {
		case TokenText:
			b.WriteString(t.Text)
		case TokenPlaceholder:
			if v, ok := s.lookup(t.Path); ok {
				b.WriteString(stringify(v))
			}
		case TokenConditional:
			if evaluate(t.Cond, s) {
				renderTokens(b, t.Body, s)
			} else {
				renderTokens(b, t.Else, s)
			}
		case TokenLoop:
			v, _ := s.lookup(t.Path)
			items, ok := toSlice(v)
			if !ok {
				continue
			}
			for i, item := range items {
				vars := map[string]any{"this": item, "@index": i}
				if m, ok := item.(map[string]any); ok {
					for k, val := range m {
						vars[k] = val
					}
				}
				renderTokens(b, t.Body, &scope{vars: vars, parent: s})
			}
		}
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}

func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func evaluate(c *Condition, s *scope) bool {
	v, found := s.lookup(c.Field)
	switch c.Op {
	case OpExists:
		return found && truthy(v)
	case OpEqual:
		return strictEqual(v, c.Literal)
	case OpNotEqual:
		return !strictEqual(v, c.Literal)
	case OpGreater, OpLess:
		if v == nil || c.Literal == nil {
			return false
		}
		cmp, ok := compare(v, c.Literal)
		if !ok {
			return false
		}
		if c.Op == OpGreater {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if isNumber(v) {
		return cast.ToFloat64(v) != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

func strictEqual(v, lit any) bool {
	switch l := lit.(type) {
	case nil:
		return v == nil
	case string:
		s, ok := v.(string)
		return ok && s == l
	case bool:
		b, ok := v.(bool)
		return ok && b == l
	case float64:
		return isNumber(v) && cast.ToFloat64(v) == l
	}
	return false
}

// compare orders v against lit numerically when both coerce to numbers,
// otherwise lexically when both are strings.
func compare(v, lit any) (int, bool) {
	lf, lerr := cast.ToFloat64E(lit)
	vf, verr := cast.ToFloat64E(v)
	if lerr == nil && verr == nil {
		switch {
		case vf > lf:
			return 1, true
		case vf < lf:
			return -1, true
		}
		return 0, true
	}
	vs, vok := v.(string)
	ls, lok := lit.(string)
	if vok && lok {
		return strings.Compare(vs, ls), true
	}
	return 0, false
}
