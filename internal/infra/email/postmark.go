package email

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mrz1836/postmark"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/template"
)

var _ delivery.Transport = (*PostmarkTransport)(nil)

// Postmark API error codes that are worth retrying.
const (
	postmarkMaintenance = 100
	postmarkRateLimited = 429
)

// PostmarkConfig configures the Postmark transport.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	FromAddress  string
	FromName     string
	// MessageStream defaults to Postmark's transactional "outbound" stream.
	MessageStream string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// PostmarkTransport sends emails through Postmark's transactional API.
type PostmarkTransport struct {
	client *postmark.Client
	cfg    PostmarkConfig
}

// NewPostmarkTransport creates a Postmark email transport.
func NewPostmarkTransport(cfg PostmarkConfig) (*PostmarkTransport, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("postmark sender address is required")
	}
	if cfg.MessageStream == "" {
		cfg.MessageStream = "outbound"
	}

	client := postmark.NewClient(cfg.ServerToken, cfg.AccountToken)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &PostmarkTransport{client: client, cfg: cfg}, nil
}

// Channel returns the email channel identifier.
func (p *PostmarkTransport) Channel() template.Channel {
	return template.ChannelEmail
}

// Send delivers one email and returns Postmark's message id.
func (p *PostmarkTransport) Send(ctx context.Context, to string, content *template.RenderedContent) (*delivery.SendResult, error) {
	msg := postmark.Email{
		From:          fromHeader(p.cfg.FromName, p.cfg.FromAddress),
		To:            to,
		Subject:       content.Subject,
		HTMLBody:      htmlOf(content),
		TextBody:      textOf(content),
		MessageStream: p.cfg.MessageStream,
		TrackOpens:    true,
		TrackLinks:    "HtmlOnly",
	}
	if content.TrackingID != "" {
		msg.Metadata = map[string]string{"tracking_id": content.TrackingID}
	}

	resp, err := p.client.SendEmail(ctx, msg)
	if err != nil {
		return nil, delivery.Classify(ProviderPostmark, err)
	}
	if resp.ErrorCode > 0 {
		code := strconv.FormatInt(int64(resp.ErrorCode), 10)
		if resp.ErrorCode == postmarkMaintenance || resp.ErrorCode == postmarkRateLimited {
			return nil, common.NewTransientTransportError(ProviderPostmark, code, resp.Message)
		}
		return nil, common.NewPermanentTransportError(ProviderPostmark, code, resp.Message)
	}

	return &delivery.SendResult{MessageID: resp.MessageID, Provider: ProviderPostmark}, nil
}
