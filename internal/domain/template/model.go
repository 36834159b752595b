package template

import "time"

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelWebSocket Channel = "websocket"
)

// IsValid reports whether c is a supported channel.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWebSocket:
		return true
	}
	return false
}

// Recognized user roles. Templates may also target AnyRole.
const (
	RoleDoctor     = "doctor"
	RolePharmacist = "pharmacist"
	RolePatient    = "patient"
	RoleAdmin      = "admin"
	AnyRole        = ""
)

// Action is a call-to-action attached to a message.
type Action struct {
	Text  string `json:"text" yaml:"text"`
	URL   string `json:"url" yaml:"url"`
	Style string `json:"style,omitempty" yaml:"style"`
}

// Variant is the concrete text of a template for one (channel, role, language).
// ABGroup restricts the variant to users bucketed into that A/B group.
type Variant struct {
	Channel  Channel  `json:"channel" yaml:"channel"`
	Role     string   `json:"role,omitempty" yaml:"role"`
	Language string   `json:"language" yaml:"language"`
	ABGroup  string   `json:"ab_group,omitempty" yaml:"ab_group"`
	Subject  string   `json:"subject,omitempty" yaml:"subject"`
	Title    string   `json:"title,omitempty" yaml:"title"`
	Body     string   `json:"body" yaml:"body"`
	HTMLBody string   `json:"html_body,omitempty" yaml:"html_body"`
	Actions  []Action `json:"actions,omitempty" yaml:"actions"`
}

// Key identifies the variant inside its template.
func (v Variant) Key() string {
	return string(v.Channel) + "/" + v.Role + "/" + v.Language + "/" + v.ABGroup
}

// Template is a versioned logical message type with its variants.
type Template struct {
	ID       string    `json:"id" yaml:"id"`
	Type     string    `json:"type" yaml:"type"`
	Version  int       `json:"version" yaml:"version"`
	Category string    `json:"category,omitempty" yaml:"category"`
	Variants []Variant `json:"variants" yaml:"variants"`
}

// Options are the recognized per-request render options.
type Options struct {
	BypassCache    bool   `json:"bypass_cache"`
	ABTestOverride string `json:"ab_test_override,omitempty"`
}

// RenderRequest asks for one template rendered for one recipient on one channel.
type RenderRequest struct {
	TemplateType string         `json:"template_type" binding:"required"`
	Channel      Channel        `json:"channel" binding:"required,oneof=email sms websocket"`
	UserRole     string         `json:"user_role"`
	UserID       string         `json:"user_id" binding:"required"`
	Language     string         `json:"language,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	Data         map[string]any `json:"data"`
	Context      map[string]any `json:"context"`
	Options      Options        `json:"options"`
}

// RealtimeEnvelope is the structured payload pushed over the websocket channel.
type RealtimeEnvelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Actions   []Action       `json:"actions,omitempty"`
	Priority  string         `json:"priority"`
	Category  string         `json:"category"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RenderedContent is the channel-shaped output of a render.
type RenderedContent struct {
	Subject  string            `json:"subject,omitempty"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body"`
	HTMLBody string            `json:"html_body,omitempty"`
	TextBody string            `json:"text_body,omitempty"`
	Actions  []Action          `json:"actions,omitempty"`
	Envelope *RealtimeEnvelope `json:"envelope,omitempty"`

	// SMS only.
	Truncated bool `json:"truncated,omitempty"`
	Segments  int  `json:"segments,omitempty"`

	TrackingID string `json:"tracking_id,omitempty"`
}

// Metadata describes how a result was produced.
type Metadata struct {
	Personalized    bool      `json:"personalized"`
	Language        string    `json:"language"`
	ABGroup         string    `json:"ab_group,omitempty"`
	TemplateVersion int       `json:"template_version"`
	CacheHit        bool      `json:"cache_hit"`
	RenderedAt      time.Time `json:"rendered_at"`
}

// RenderResult is the value returned by the render pipeline.
type RenderResult struct {
	TemplateID string          `json:"template_id"`
	Channel    Channel         `json:"channel"`
	Content    RenderedContent `json:"content"`
	Metadata   Metadata        `json:"metadata"`

	category string
}

// clone returns a copy safe to hand to a caller while the original sits in the cache.
func (r *RenderResult) clone() *RenderResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.Content.Actions != nil {
		out.Content.Actions = append([]Action(nil), r.Content.Actions...)
	}
	if r.Content.Envelope != nil {
		env := *r.Content.Envelope
		out.Content.Envelope = &env
	}
	return &out
}
