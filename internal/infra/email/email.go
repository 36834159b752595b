// Package email holds the email transports. Both render the same
// RenderedContent; which one is wired is a configuration choice.
package email

import (
	"fmt"

	"medinotify/internal/domain/template"
)

// Provider names reported on delivery records.
const (
	ProviderResend   = "resend"
	ProviderPostmark = "postmark"
)

func fromHeader(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

func htmlOf(c *template.RenderedContent) string {
	if c.HTMLBody != "" {
		return c.HTMLBody
	}
	return c.Body
}

func textOf(c *template.RenderedContent) string {
	if c.TextBody != "" {
		return c.TextBody
	}
	if c.HTMLBody != "" {
		return c.Body
	}
	return ""
}
