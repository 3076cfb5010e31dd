package db

import (
	"time"

	"github.com/google/uuid"
)

// Notification is the persisted dispatch outcome for one reminder
// occurrence. It is born "scheduled" from the reminder tick and only
// ever transitions forward.
type Notification struct {
	ID              uuid.UUID         `json:"id"`
	RuleID          int64             `json:"rule_id"`
	LeaseID         int64             `json:"lease_id"`
	RecipientID     int64             `json:"recipient_id"`
	TemplateID      int64             `json:"template_id"`
	DeliveryMethod  string            `json:"delivery_method"`
	OccurrenceDate  time.Time         `json:"occurrence_date"`
	RenderContext   map[string]string `json:"render_context"`
	ScheduledSendAt time.Time         `json:"scheduled_send_at"`
	Status          string            `json:"status"`
	Attempt         int               `json:"attempt"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	SentAt          *time.Time        `json:"sent_at,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Status constants. Forward-only:
// scheduled -> pending_send -> sent_success | sent_fail
// sent_success -> delivery_confirmed | delivery_failed (callback methods only)
const (
	StatusScheduled         = "scheduled"
	StatusPendingSend       = "pending_send"
	StatusSentSuccess       = "sent_success"
	StatusSentFail          = "sent_fail"
	StatusDeliveryConfirmed = "delivery_confirmed"
	StatusDeliveryFailed    = "delivery_failed"
)

// Delivery method constants
const (
	MethodEmail   = "email"
	MethodSMS     = "sms"
	MethodWebhook = "webhook"
)

// DedupRecord marks one reminder occurrence as handled. Rows are
// append-only and never mutated; existence is the sole source of truth
// for "already sent".
type DedupRecord struct {
	RuleID         int64     `json:"rule_id"`
	LeaseID        int64     `json:"lease_id"`
	OccurrenceDate time.Time `json:"occurrence_date"`
	SentAt         time.Time `json:"sent_at"`
	DeliveryMethod string    `json:"delivery_method"`
}

// User is a directory row, read only to populate render context and pick
// the delivery address.
type User struct {
	ID              int64  `json:"id"`
	FullName        string `json:"full_name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	WebhookURL      string `json:"webhook_url"`
	Language        string `json:"language"`
	PreferredMethod string `json:"preferred_method"`
}

// Property is a directory row for render context.
type Property struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Template is a message template in one language. RequiredPlaceholders
// must all be present in a notification's render context or dispatch
// fails terminally.
type Template struct {
	ID                   int64    `json:"id"`
	Language             string   `json:"language"`
	Subject              string   `json:"subject"`
	Body                 string   `json:"body"`
	RequiredPlaceholders []string `json:"required_placeholders"`
}
