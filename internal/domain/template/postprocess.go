package template

import (
	"bytes"
	"fmt"
	"html"
	htmltemplate "html/template"
	"math"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	smsMaxLength       = 160
	smsTruncatedLength = 157
	smsSegmentLength   = 153
	smsEllipsis        = "..."
)

// EmailStyling holds the tokens applied to the email document shell.
type EmailStyling struct {
	BrandName       string `mapstructure:"brand_name"`
	PrimaryColor    string `mapstructure:"primary_color"`
	BackgroundColor string `mapstructure:"background_color"`
	FontFamily      string `mapstructure:"font_family"`
	LogoURL         string `mapstructure:"logo_url"`
	FooterText      string `mapstructure:"footer_text"`
}

// PostProcessConfig configures channel shaping.
type PostProcessConfig struct {
	Styling         EmailStyling
	TrackingEnabled bool
	TrackingBaseURL string

	SMSOptOut         bool
	SMSOptOutText     string
	SMSAllowMultipart bool

	DefaultAltText string

	Now   func() time.Time
	NewID func() string
}

// ProcessMeta carries request attributes the post-processor needs.
type ProcessMeta struct {
	TemplateType string
	Category     string
	Priority     string
	Data         map[string]any
}

// PostProcessor shapes rendered content for its delivery channel.
type PostProcessor struct {
	cfg   PostProcessConfig
	shell *htmltemplate.Template
}

// NewPostProcessor creates a PostProcessor with defaults filled in.
func NewPostProcessor(cfg PostProcessConfig) *PostProcessor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	if cfg.SMSOptOutText == "" {
		cfg.SMSOptOutText = "Reply STOP to opt out"
	}
	if cfg.DefaultAltText == "" {
		cfg.DefaultAltText = "Image"
	}
	cfg.TrackingBaseURL = strings.TrimRight(cfg.TrackingBaseURL, "/")

	s := cfg.Styling
	if s.PrimaryColor == "" {
		s.PrimaryColor = "#2563eb"
	}
	if s.BackgroundColor == "" {
		s.BackgroundColor = "#f4f6f8"
	}
	if s.FontFamily == "" {
		s.FontFamily = "Helvetica, Arial, sans-serif"
	}
	cfg.Styling = s

	return &PostProcessor{
		cfg:   cfg,
		shell: htmltemplate.Must(htmltemplate.New("email").Parse(emailShell)),
	}
}

// Process sanitizes content and applies the channel-specific shaping.
func (p *PostProcessor) Process(channel Channel, content RenderedContent, meta ProcessMeta) (RenderedContent, error) {
	if content.Actions != nil {
		content.Actions = append([]Action(nil), content.Actions...)
	}
	sanitizeContent(&content, p.cfg.DefaultAltText)

	switch channel {
	case ChannelEmail:
		return p.email(content)
	case ChannelSMS:
		return p.sms(content), nil
	case ChannelWebSocket:
		return p.websocket(content, meta), nil
	}
	return content, fmt.Errorf("unsupported channel: %s", channel)
}

type shellData struct {
	Subject     string
	Content     htmltemplate.HTML
	Actions     []Action
	Styling     EmailStyling
	Primary     htmltemplate.CSS
	Background  htmltemplate.CSS
	Font        htmltemplate.CSS
	TrackingURL string
}

func (p *PostProcessor) email(c RenderedContent) (RenderedContent, error) {
	inner := c.HTMLBody
	if inner == "" {
		inner = paragraphs(c.Body)
	}

	var pixel string
	if p.cfg.TrackingEnabled && p.cfg.TrackingBaseURL != "" {
		c.TrackingID = p.cfg.NewID()
		pixel = fmt.Sprintf("%s/track/open/%s", p.cfg.TrackingBaseURL, c.TrackingID)
		for i := range c.Actions {
			c.Actions[i].URL = fmt.Sprintf("%s/track/click/%s?url=%s",
				p.cfg.TrackingBaseURL, c.TrackingID, url.QueryEscape(c.Actions[i].URL))
		}
	}

	s := p.cfg.Styling
	var buf bytes.Buffer
	err := p.shell.Execute(&buf, shellData{
		Subject:     c.Subject,
		Content:     htmltemplate.HTML(inner),
		Actions:     c.Actions,
		Styling:     s,
		Primary:     htmltemplate.CSS(s.PrimaryColor),
		Background:  htmltemplate.CSS(s.BackgroundColor),
		Font:        htmltemplate.CSS(s.FontFamily),
		TrackingURL: pixel,
	})
	if err != nil {
		return c, fmt.Errorf("executing email shell: %w", err)
	}

	c.HTMLBody = buf.String()
	c.TextBody = stripHTML(inner)
	return c, nil
}

func paragraphs(body string) string {
	if body == "" {
		return ""
	}
	var b strings.Builder
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

func (p *PostProcessor) sms(c RenderedContent) RenderedContent {
	text := stripHTML(c.Body)
	if text == "" {
		text = stripHTML(c.Title)
	}

	suffix := ""
	if p.cfg.SMSOptOut {
		suffix = " " + p.cfg.SMSOptOutText
	}
	text, c.Truncated = ShapeSMS(text, suffix, p.cfg.SMSAllowMultipart)

	c.Body = text
	c.TextBody = text
	c.HTMLBody = ""
	c.Subject = ""
	c.Segments = SegmentCount(text)
	return c
}

// ShapeSMS truncates text to a single 160 character message ending in "..."
// unless multipart is allowed. A non-empty suffix is appended after shaping
// and its room is reserved so the result stays within one message.
func ShapeSMS(text, suffix string, multipart bool) (string, bool) {
	if multipart {
		return text + suffix, false
	}

	limit := smsMaxLength - utf8.RuneCountInString(suffix)
	runes := []rune(text)
	if len(runes) <= limit {
		return text + suffix, false
	}

	keep := limit - len(smsEllipsis)
	if suffix == "" {
		keep = smsTruncatedLength
	}
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + smsEllipsis + suffix, true
}

// SegmentCount returns the number of billable SMS parts for text.
func SegmentCount(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	if n <= smsMaxLength {
		return 1
	}
	return int(math.Ceil(float64(n) / smsSegmentLength))
}

func (p *PostProcessor) websocket(c RenderedContent, meta ProcessMeta) RenderedContent {
	title := c.Title
	if title == "" {
		title = c.Subject
	}
	priority := meta.Priority
	if priority == "" {
		priority = "normal"
	}
	category := meta.Category
	if category == "" {
		category = meta.TemplateType
	}

	c.Envelope = &RealtimeEnvelope{
		ID:        p.cfg.NewID(),
		Type:      "notification",
		Title:     title,
		Body:      c.Body,
		Actions:   c.Actions,
		Priority:  priority,
		Category:  category,
		Data:      meta.Data,
		Timestamp: p.cfg.Now().UTC(),
	}
	c.HTMLBody = ""
	return c
}

const emailShell = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Subject}}</title>
</head>
<body style="margin:0;padding:0;background-color:{{.Background}};font-family:{{.Font}};">
<table role="presentation" width="100%" cellpadding="0" cellspacing="0">
<tr><td align="center" style="padding:24px;">
<table role="presentation" width="600" cellpadding="0" cellspacing="0" style="background:#ffffff;border-radius:8px;">
{{- if .Styling.LogoURL}}
<tr><td style="padding:24px 24px 0;"><img src="{{.Styling.LogoURL}}" alt="{{.Styling.BrandName}}" height="40"></td></tr>
{{- end}}
<tr><td style="padding:24px;color:#1f2933;font-size:16px;line-height:1.5;">
{{.Content}}
{{- range .Actions}}
<p><a href="{{.URL}}" style="display:inline-block;padding:12px 20px;background-color:{{$.Primary}};color:#ffffff;text-decoration:none;border-radius:4px;">{{.Text}}</a></p>
{{- end}}
</td></tr>
{{- if .Styling.FooterText}}
<tr><td style="padding:16px 24px;color:#6b7280;font-size:12px;">{{.Styling.FooterText}}</td></tr>
{{- end}}
</table>
</td></tr>
</table>
{{- if .TrackingURL}}
<img src="{{.TrackingURL}}" width="1" height="1" alt="" style="display:none;">
{{- end}}
</body>
</html>`
