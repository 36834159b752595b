package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"medinotify/internal/common"
)

// TokenKind classifies a compiled template token.
type TokenKind int

const (
	TokenText TokenKind = iota
	TokenPlaceholder
	TokenConditional
	TokenLoop
)

// Token is one element of a dynamic template.
// Text holds literal text, Path the placeholder or loop target,
// Cond the parsed condition, Body/Else the nested spans.
type Token struct {
	Kind TokenKind
	Text string
	Path string
	Cond *Condition
	Body []Token
	Else []Token
}

// CompiledKind distinguishes literal templates from token lists.
type CompiledKind string

const (
	KindStatic  CompiledKind = "static"
	KindDynamic CompiledKind = "dynamic"
)

// CompiledTemplate is the reusable form of a single template string.
type CompiledTemplate struct {
	Kind            CompiledKind
	Literal         string
	Tokens          []Token
	HasConditionals bool
	HasLoops        bool
	Complexity      int
}

// CompiledAction is an action whose text and URL are compiled templates.
type CompiledAction struct {
	Text  *CompiledTemplate
	URL   *CompiledTemplate
	Style string
}

// CompiledVariant holds every compiled field of a variant.
type CompiledVariant struct {
	TemplateID string
	Version    int
	Subject    *CompiledTemplate
	Title      *CompiledTemplate
	Body       *CompiledTemplate
	HTMLBody   *CompiledTemplate
	Actions    []CompiledAction
}

// CompilerStats reports compile cache effectiveness.
type CompilerStats struct {
	Cached   int   `json:"cached"`
	Hits     int64 `json:"hits"`
	Compiles int64 `json:"compiles"`
}

// Compiler turns variants into token lists and caches the result per
// (template id, version, variant).
type Compiler struct {
	mu       sync.RWMutex
	cache    map[string]*CompiledVariant
	hits     int64
	compiles int64
}

// NewCompiler creates an empty compiler.
func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]*CompiledVariant)}
}

func compileKey(templateID string, version int, variantKey string) string {
	return fmt.Sprintf("%s@%d#%s", templateID, version, variantKey)
}

// Compile returns the compiled form of v, scanning it only on the first call.
func (c *Compiler) Compile(templateID string, version int, v Variant) (*CompiledVariant, error) {
	key := compileKey(templateID, version, v.Key())

	c.mu.RLock()
	cv, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return cv, nil
	}

	cv, err := compileVariant(templateID, version, v)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.cache[key]; ok {
		c.hits++
		return existing, nil
	}
	c.cache[key] = cv
	c.compiles++
	return cv, nil
}

// Stats returns a snapshot of compiler counters.
func (c *Compiler) Stats() CompilerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CompilerStats{Cached: len(c.cache), Hits: c.hits, Compiles: c.compiles}
}

func compileVariant(templateID string, version int, v Variant) (*CompiledVariant, error) {
	cv := &CompiledVariant{TemplateID: templateID, Version: version}

	fields := []struct {
		name string
		src  string
		dst  **CompiledTemplate
	}{
		{"subject", v.Subject, &cv.Subject},
		{"title", v.Title, &cv.Title},
		{"body", v.Body, &cv.Body},
		{"html_body", v.HTMLBody, &cv.HTMLBody},
	}
	for _, f := range fields {
		ct, err := CompileString(f.src)
		if err != nil {
			return nil, common.NewValidationError(fmt.Sprintf("template %s %s: %s", templateID, f.name, err))
		}
		*f.dst = ct
	}

	for i, a := range v.Actions {
		text, err := CompileString(a.Text)
		if err != nil {
			return nil, common.NewValidationError(fmt.Sprintf("template %s action %d text: %s", templateID, i, err))
		}
		url, err := CompileString(a.URL)
		if err != nil {
			return nil, common.NewValidationError(fmt.Sprintf("template %s action %d url: %s", templateID, i, err))
		}
		cv.Actions = append(cv.Actions, CompiledAction{Text: text, URL: url, Style: a.Style})
	}

	return cv, nil
}

// CompileString compiles a single template string. Strings without any
// tags compile to a static template holding the literal.
func CompileString(src string) (*CompiledTemplate, error) {
	p := &parser{src: src}
	tokens, _, err := p.parseSeq()
	if err != nil {
		return nil, err
	}

	ct := &CompiledTemplate{Kind: KindDynamic, Tokens: tokens}
	inspect(tokens, ct)
	if ct.Complexity == 0 || (len(tokens) == 1 && tokens[0].Kind == TokenText) {
		return &CompiledTemplate{Kind: KindStatic, Literal: src}, nil
	}
	return ct, nil
}

func inspect(tokens []Token, ct *CompiledTemplate) {
	for _, t := range tokens {
		ct.Complexity++
		switch t.Kind {
		case TokenConditional:
			ct.HasConditionals = true
		case TokenLoop:
			ct.HasLoops = true
		}
		inspect(t.Body, ct)
		inspect(t.Else, ct)
	}
}

type parser struct {
	src string
	pos int
}

// parseSeq consumes tokens until one of closers is met or input ends.
// It returns the closer that stopped it ("" at end of input).
func (p *parser) parseSeq(closers ...string) ([]Token, string, error) {
	var tokens []Token
	for {
		open := strings.Index(p.src[p.pos:], "{{")
		if open < 0 {
			tokens = appendText(tokens, p.src[p.pos:])
			p.pos = len(p.src)
			break
		}
		open += p.pos
		end := strings.Index(p.src[open+2:], "}}")
		if end < 0 {
			tokens = appendText(tokens, p.src[p.pos:])
			p.pos = len(p.src)
			break
		}
		end += open + 2

		tokens = appendText(tokens, p.src[p.pos:open])
		tag := strings.TrimSpace(p.src[open+2 : end])
		p.pos = end + 2

		for _, c := range closers {
			if tag == c {
				return tokens, c, nil
			}
		}

		switch {
		case strings.HasPrefix(tag, "#if "):
			cond, err := ParseCondition(strings.TrimSpace(tag[len("#if "):]))
			if err != nil {
				return nil, "", err
			}
			body, stop, err := p.parseSeq("else", "/if")
			if err != nil {
				return nil, "", err
			}
			tok := Token{Kind: TokenConditional, Cond: cond, Body: body}
			if stop == "else" {
				tok.Else, _, err = p.parseSeq("/if")
				if err != nil {
					return nil, "", err
				}
			}
			tokens = append(tokens, tok)
		case strings.HasPrefix(tag, "#each "):
			path := strings.TrimSpace(tag[len("#each "):])
			if !pathPattern.MatchString(path) {
				return nil, "", fmt.Errorf("invalid loop target %q", path)
			}
			body, _, err := p.parseSeq("/each")
			if err != nil {
				return nil, "", err
			}
			tokens = append(tokens, Token{Kind: TokenLoop, Path: path, Body: body})
		case tag == "else" || tag == "/if" || tag == "/each":
			return nil, "", fmt.Errorf("unexpected {{%s}}", tag)
		case strings.HasPrefix(tag, "#") || strings.HasPrefix(tag, "/"):
			return nil, "", fmt.Errorf("unknown block tag {{%s}}", tag)
		case tag == "":
			tokens = appendText(tokens, "{{}}")
		default:
			tokens = append(tokens, Token{Kind: TokenPlaceholder, Path: tag})
		}
	}

	if len(closers) > 0 {
		return nil, "", fmt.Errorf("missing {{%s}}", closers[len(closers)-1])
	}
	return tokens, "", nil
}

func appendText(tokens []Token, s string) []Token {
	if s == "" {
		return tokens
	}
	if n := len(tokens); n > 0 && tokens[n-1].Kind == TokenText {
		tokens[n-1].Text += s
		return tokens
	}
	return append(tokens, Token{Kind: TokenText, Text: s})
}

// Operator is a comparison operator allowed in conditionals.
type Operator string

const (
	OpExists   Operator = ""
	OpGreater  Operator = ">"
	OpLess     Operator = "<"
	OpEqual    Operator = "==="
	OpNotEqual Operator = "!=="
)

// Condition is a parsed `{{#if}}` expression: a field, optionally compared
// against a literal.
type Condition struct {
	Field   string
	Op      Operator
	Literal any
}

var pathPattern = regexp.MustCompile(`^[A-Za-z_@][A-Za-z0-9_@]*(\.[A-Za-z0-9_@]+)*$`)

// ParseCondition parses `field` or `field <op> literal`.
func ParseCondition(expr string) (*Condition, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty condition")
	}

	if op, idx := findOperator(expr); idx >= 0 {
		field := strings.TrimSpace(expr[:idx])
		raw := strings.TrimSpace(expr[idx+len(op):])
		if !pathPattern.MatchString(field) {
			return nil, fmt.Errorf("invalid condition field %q", field)
		}
		lit, err := parseLiteral(raw)
		if err != nil {
			return nil, err
		}
		return &Condition{Field: field, Op: op, Literal: lit}, nil
	}

	if !pathPattern.MatchString(expr) {
		return nil, fmt.Errorf("unsupported condition %q", expr)
	}
	return &Condition{Field: expr, Op: OpExists}, nil
}

// findOperator returns the leftmost operator in expr, or -1.
func findOperator(expr string) (Operator, int) {
	for i := 0; i < len(expr); i++ {
		switch {
		case strings.HasPrefix(expr[i:], string(OpEqual)):
			return OpEqual, i
		case strings.HasPrefix(expr[i:], string(OpNotEqual)):
			return OpNotEqual, i
		case expr[i] == '>':
			return OpGreater, i
		case expr[i] == '<':
			return OpLess, i
		case expr[i] == '\'' || expr[i] == '"':
			return OpExists, -1
		}
	}
	return OpExists, -1
}

func parseLiteral(raw string) (any, error) {
	if len(raw) >= 2 {
		q := raw[0]
		if (q == '\'' || q == '"') && raw[len(raw)-1] == q {
			return raw[1 : len(raw)-1], nil
		}
	}
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "undefined":
		return nil, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("invalid condition literal %q", raw)
}
