// Package sms implements the SMS transport over a form-encoded HTTP API
// with basic auth, in the style of the common messaging gateways.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cast"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/template"
)

// ProviderName is reported on delivery records sent through this transport.
const ProviderName = "sms-http"

var _ delivery.Transport = (*Transport)(nil)

// Config configures the HTTP SMS transport.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	// CostPerSegment prices a send when the provider does not report a price.
	CostPerSegment float64
	// RetryMax is the number of in-request retries on 429 and 5xx.
	RetryMax int
	Timeout  time.Duration
}

// Transport posts messages to the provider's messages endpoint.
type Transport struct {
	client *retryablehttp.Client
	cfg    Config
}

// NewTransport creates an SMS transport.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sms base url is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("sms sender is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = slog.Default()
	// Hand back the last response so its status can be classified.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Transport{client: client, cfg: cfg}, nil
}

// Channel returns the SMS channel identifier.
func (t *Transport) Channel() template.Channel {
	return template.ChannelSMS
}

type sendResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Price   any    `json:"price"`
	Message string `json:"message"`
	Code    any    `json:"code"`
}

// Send posts one message. 429 and 5xx responses are transient, other
// client errors are permanent.
func (t *Transport) Send(ctx context.Context, to string, content *template.RenderedContent) (*delivery.SendResult, error) {
	body := url.Values{
		"From": {t.cfg.From},
		"To":   {to},
		"Body": {content.Body},
	}.Encode()

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.cfg.BaseURL, url.PathEscape(t.cfg.AccountSID))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, fmt.Errorf("creating sms request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, delivery.Classify(ProviderName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, common.NewTransientTransportError(ProviderName, "read_failed", err.Error())
	}

	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("sms API error: status %d", resp.StatusCode)
		}
		code := cast.ToString(out.Code)
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, common.NewTransientTransportError(ProviderName, code, msg)
		}
		return nil, common.NewPermanentTransportError(ProviderName, code, msg)
	}

	if out.SID == "" {
		return nil, common.NewPermanentTransportError(ProviderName, "bad_response", "provider response has no message sid")
	}

	return &delivery.SendResult{
		MessageID: out.SID,
		Provider:  ProviderName,
		Cost:      t.cost(out.Price, content.Segments),
	}, nil
}

// cost uses the reported price when there is one. Providers report debits
// as negative amounts.
func (t *Transport) cost(price any, segments int) float64 {
	if p, err := cast.ToFloat64E(price); err == nil && p != 0 {
		return math.Abs(p)
	}
	if segments < 1 {
		segments = 1
	}
	return float64(segments) * t.cfg.CostPerSegment
}
