package template

import (
	"html"
	"regexp"
	"strings"
)

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	scriptOpenRe  = regexp.MustCompile(`(?i)</?script\b[^>]*>`)
	eventAttrRe   = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsProtocolRe  = regexp.MustCompile(`(?i)javascript\s*:`)
	imgTagRe      = regexp.MustCompile(`(?i)<img\b[^>]*>`)
	altAttrRe     = regexp.MustCompile(`(?i)\salt\s*=`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

// Sanitize removes script tags, inline event handlers and javascript: URIs.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	s = scriptBlockRe.ReplaceAllString(s, "")
	s = scriptOpenRe.ReplaceAllString(s, "")
	s = eventAttrRe.ReplaceAllString(s, "")
	return jsProtocolRe.ReplaceAllString(s, "")
}

// EnhanceAccessibility adds an alt attribute to images that lack one.
func EnhanceAccessibility(s, defaultAlt string) string {
	if !strings.Contains(strings.ToLower(s), "<img") {
		return s
	}
	alt := ` alt="` + strings.ReplaceAll(defaultAlt, `"`, "&quot;") + `"`
	return imgTagRe.ReplaceAllStringFunc(s, func(tag string) string {
		if altAttrRe.MatchString(tag) {
			return tag
		}
		return tag[:4] + alt + tag[4:]
	})
}

// stripHTML removes HTML tags and collapses whitespace to produce a plain-text version.
func stripHTML(s string) string {
	text := tagRe.ReplaceAllString(s, " ")

	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, "\u00a0", " ")

	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func sanitizeContent(c *RenderedContent, defaultAlt string) {
	clean := func(s string) string {
		return EnhanceAccessibility(Sanitize(s), defaultAlt)
	}
	c.Subject = clean(c.Subject)
	c.Title = clean(c.Title)
	c.Body = clean(c.Body)
	c.HTMLBody = clean(c.HTMLBody)
	c.TextBody = clean(c.TextBody)
	for i := range c.Actions {
		c.Actions[i].Text = clean(c.Actions[i].Text)
		c.Actions[i].URL = Sanitize(c.Actions[i].URL)
	}
}
