package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/template"
)

const defaultResendURL = "https://api.resend.com"

var _ delivery.Transport = (*ResendTransport)(nil)

// ResendTransport sends emails using the Resend API.
type ResendTransport struct {
	apiKey      string
	fromAddress string
	fromName    string
	baseURL     string
	httpClient  *http.Client
}

// NewResendTransport creates a new Resend email transport. An empty baseURL
// selects the public API.
func NewResendTransport(apiKey, fromAddress, fromName, baseURL string) *ResendTransport {
	if baseURL == "" {
		baseURL = defaultResendURL
	}
	return &ResendTransport{
		apiKey:      apiKey,
		fromAddress: fromAddress,
		fromName:    fromName,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Channel returns the email channel identifier.
func (p *ResendTransport) Channel() template.Channel {
	return template.ChannelEmail
}

// Send delivers an email via the Resend API and returns the message ID.
func (p *ResendTransport) Send(ctx context.Context, to string, content *template.RenderedContent) (*delivery.SendResult, error) {
	payload := map[string]any{
		"from":    fromHeader(p.fromName, p.fromAddress),
		"to":      []string{to},
		"subject": content.Subject,
		"html":    htmlOf(content),
	}

	// Include plain-text version if available
	if text := textOf(content); text != "" {
		payload["text"] = text
	}
	if content.TrackingID != "" {
		payload["headers"] = map[string]string{"X-Tracking-ID": content.TrackingID}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, delivery.Classify(ProviderResend, fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB max
	if err != nil {
		return nil, common.NewTransientTransportError(ProviderResend, "read_failed", err.Error())
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message    string `json:"message"`
			StatusCode int    `json:"statusCode"`
		}
		_ = json.Unmarshal(respBody, &errResp)

		msg := errResp.Message
		if msg == "" {
			msg = fmt.Sprintf("resend API error: status %d", resp.StatusCode)
		}
		return nil, statusError(ProviderResend, resp.StatusCode, msg)
	}

	var successResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &successResp); err != nil {
		return nil, fmt.Errorf("parsing resend response: %w", err)
	}

	return &delivery.SendResult{MessageID: successResp.ID, Provider: ProviderResend}, nil
}

// statusError maps an HTTP failure onto the transport error taxonomy:
// throttling and server errors are worth retrying, other client errors are not.
func statusError(provider string, status int, msg string) *common.TransportError {
	code := strconv.Itoa(status)
	if status == http.StatusTooManyRequests || status >= 500 {
		return common.NewTransientTransportError(provider, code, msg)
	}
	return common.NewPermanentTransportError(provider, code, msg)
}
