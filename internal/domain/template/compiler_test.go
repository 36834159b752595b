package template_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medinotify/internal/common"
	"medinotify/internal/domain/template"
)

func TestCompileString_Static(t *testing.T) {
	tests := []string{
		"",
		"Your order has shipped.",
		"Braces { alone } are fine",
		"Unclosed {{ tag stays literal",
	}

	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			ct, err := template.CompileString(src)
			require.NoError(t, err)
			assert.Equal(t, template.KindStatic, ct.Kind)
			assert.Equal(t, src, ct.Literal)
			assert.Empty(t, ct.Tokens)
		})
	}
}

func TestCompileString_Dynamic(t *testing.T) {
	ct, err := template.CompileString("Hi {{name}}{{#if vip}} (VIP){{/if}}: {{#each items}}[{{title}}]{{/each}}")
	require.NoError(t, err)

	assert.Equal(t, template.KindDynamic, ct.Kind)
	assert.True(t, ct.HasConditionals)
	assert.True(t, ct.HasLoops)
	require.Len(t, ct.Tokens, 5)
	assert.Equal(t, template.TokenText, ct.Tokens[0].Kind)
	assert.Equal(t, template.TokenPlaceholder, ct.Tokens[1].Kind)
	assert.Equal(t, "name", ct.Tokens[1].Path)
	assert.Equal(t, template.TokenConditional, ct.Tokens[2].Kind)
	assert.Equal(t, template.TokenLoop, ct.Tokens[4].Kind)
	assert.Equal(t, "items", ct.Tokens[4].Path)
	// 5 top-level tokens plus 1 in the conditional and 3 in the loop.
	assert.Equal(t, 9, ct.Complexity)
}

func TestCompileString_PlaceholderOnly(t *testing.T) {
	ct, err := template.CompileString("{{user.firstName}}")
	require.NoError(t, err)
	assert.Equal(t, template.KindDynamic, ct.Kind)
	assert.False(t, ct.HasConditionals)
	assert.False(t, ct.HasLoops)
	assert.Equal(t, 1, ct.Complexity)
}

func TestCompileString_Malformed(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unclosed if", "{{#if a}}x"},
		{"unclosed each", "{{#each a}}x"},
		{"stray close", "x{{/if}}"},
		{"stray else", "{{else}}"},
		{"mismatched close", "{{#if a}}x{{/each}}"},
		{"unknown block", "{{#with a}}x{{/with}}"},
		{"bad condition", "{{#if a + b}}x{{/if}}"},
		{"bad literal", "{{#if a === foo}}x{{/if}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := template.CompileString(tt.src)
			assert.Error(t, err)
		})
	}
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		expr    string
		field   string
		op      template.Operator
		literal any
	}{
		{"refillsRemaining", "refillsRemaining", template.OpExists, nil},
		{"user.isVerified", "user.isVerified", template.OpExists, nil},
		{"count > 3", "count", template.OpGreater, 3.0},
		{"count < 1.5", "count", template.OpLess, 1.5},
		{"status === 'ready'", "status", template.OpEqual, "ready"},
		{`status !== "cancelled"`, "status", template.OpNotEqual, "cancelled"},
		{"urgent === true", "urgent", template.OpEqual, true},
		{"note === null", "note", template.OpEqual, nil},
		{"label === 'a>b'", "label", template.OpEqual, "a>b"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := template.ParseCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.field, c.Field)
			assert.Equal(t, tt.op, c.Op)
			assert.Equal(t, tt.literal, c.Literal)
		})
	}
}

func TestCompiler_CachesByTemplateVersionAndVariant(t *testing.T) {
	c := template.NewCompiler()
	v := template.Variant{Channel: template.ChannelEmail, Language: "en", Body: "Hello {{firstName}}"}

	first, err := c.Compile("tpl", 1, v)
	require.NoError(t, err)
	second, err := c.Compile("tpl", 1, v)
	require.NoError(t, err)
	assert.Same(t, first, second)

	bumped, err := c.Compile("tpl", 2, v)
	require.NoError(t, err)
	assert.NotSame(t, first, bumped)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Cached)
	assert.Equal(t, int64(2), stats.Compiles)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestCompiler_InvalidVariantIsValidationError(t *testing.T) {
	c := template.NewCompiler()
	_, err := c.Compile("tpl", 1, template.Variant{Channel: template.ChannelSMS, Body: "{{#if x}}open"})

	var verr *common.ValidationError
	assert.True(t, errors.As(err, &verr))
}
