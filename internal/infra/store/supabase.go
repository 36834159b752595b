package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/template"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
)

const tableName = "delivery_records"

var _ delivery.RecordStore = (*SupabaseStore)(nil)

// SupabaseStore persists delivery records using the Supabase Go SDK.
type SupabaseStore struct {
	client *supa.Client
}

// NewSupabaseStore creates a new Supabase-backed delivery record store.
func NewSupabaseStore(supabaseURL, serviceKey string) (*SupabaseStore, error) {
	client, err := supa.NewClient(supabaseURL, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

// supabaseRow is the internal representation for Supabase PostgREST upserts.
type supabaseRow struct {
	ID             string         `json:"id"`
	NotificationID *string        `json:"notification_id"`
	UserID         *string        `json:"user_id"`
	Recipient      string         `json:"recipient"`
	Channel        string         `json:"channel"`
	TemplateType   *string        `json:"template_type"`
	Priority       *string        `json:"priority"`
	Provider       *string        `json:"provider"`
	MessageID      *string        `json:"message_id"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	RetryOwner     string         `json:"retry_owner"`
	Cost           float64        `json:"cost"`
	Segments       int            `json:"segments"`
	LastError      *string        `json:"last_error"`
	ErrorCode      *string        `json:"error_code"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
	SentAt         *string        `json:"sent_at"`
	DeliveredAt    *string        `json:"delivered_at"`
	FailedAt       *string        `json:"failed_at"`
	NextAttemptAt  *string        `json:"next_attempt_at"`
}

// Save upserts the record keyed by id.
func (s *SupabaseStore) Save(ctx context.Context, rec *delivery.Record) error {
	_, _, err := s.client.From(tableName).Insert(recordToRow(rec), true, "id", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("upserting delivery record %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID retrieves a delivery record by its ID.
func (s *SupabaseStore) GetByID(ctx context.Context, id string) (*delivery.Record, error) {
	data, _, err := s.client.From(tableName).Select("*", "exact", false).Eq("id", id).Single().Execute()
	if err != nil {
		return nil, fmt.Errorf("fetching delivery record: %w", err)
	}

	var row supabaseRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("parsing delivery record: %w", err)
	}
	return rowToRecord(&row), nil
}

// ListFailed returns the most recent failed_final records.
func (s *SupabaseStore) ListFailed(ctx context.Context, limit int) ([]*delivery.Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.client.From(tableName).
		Select("*", "exact", false).
		Eq("status", string(delivery.StatusFailedFinal)).
		Order("failed_at", &postgrest.OrderOpts{Ascending: false}).
		Range(0, limit-1, "")

	data, _, err := query.Execute()
	if err != nil {
		return nil, fmt.Errorf("listing failed deliveries: %w", err)
	}

	var rows []supabaseRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing failed deliveries: %w", err)
	}

	recs := make([]*delivery.Record, len(rows))
	for i := range rows {
		recs[i] = rowToRecord(&rows[i])
	}
	return recs, nil
}

func recordToRow(rec *delivery.Record) supabaseRow {
	return supabaseRow{
		ID:             rec.ID,
		NotificationID: optString(rec.NotificationID),
		UserID:         optString(rec.UserID),
		Recipient:      rec.Recipient,
		Channel:        string(rec.Channel),
		TemplateType:   optString(rec.TemplateType),
		Priority:       optString(rec.Priority),
		Provider:       optString(rec.Provider),
		MessageID:      optString(rec.MessageID),
		Status:         string(rec.Status),
		Attempts:       rec.Attempts,
		RetryOwner:     string(rec.RetryOwner),
		Cost:           rec.Cost,
		Segments:       rec.Segments,
		LastError:      optString(rec.LastError),
		ErrorCode:      optString(rec.ErrorCode),
		Metadata:       rec.Metadata,
		CreatedAt:      formatTime(rec.CreatedAt),
		UpdatedAt:      formatTime(rec.UpdatedAt),
		SentAt:         optTime(rec.SentAt),
		DeliveredAt:    optTime(rec.DeliveredAt),
		FailedAt:       optTime(rec.FailedAt),
		NextAttemptAt:  optTime(rec.NextAttemptAt),
	}
}

// rowToRecord converts a supabaseRow to a delivery record.
func rowToRecord(row *supabaseRow) *delivery.Record {
	return &delivery.Record{
		ID:             row.ID,
		NotificationID: deref(row.NotificationID),
		UserID:         deref(row.UserID),
		Recipient:      row.Recipient,
		Channel:        template.Channel(row.Channel),
		TemplateType:   deref(row.TemplateType),
		Priority:       deref(row.Priority),
		Provider:       deref(row.Provider),
		MessageID:      deref(row.MessageID),
		Status:         delivery.Status(row.Status),
		Attempts:       row.Attempts,
		RetryOwner:     delivery.RetryOwner(row.RetryOwner),
		Cost:           row.Cost,
		Segments:       row.Segments,
		LastError:      deref(row.LastError),
		ErrorCode:      deref(row.ErrorCode),
		Metadata:       row.Metadata,
		CreatedAt:      parseTime(row.CreatedAt),
		UpdatedAt:      parseTime(row.UpdatedAt),
		SentAt:         parseOptTime(row.SentAt),
		DeliveredAt:    parseOptTime(row.DeliveredAt),
		FailedAt:       parseOptTime(row.FailedAt),
		NextAttemptAt:  parseOptTime(row.NextAttemptAt),
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseOptTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
