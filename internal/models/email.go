package models

import (
	"fmt"
	"strings"
	"time"
)

// EmailStatus represents the delivery/engagement state of an email
type EmailStatus string

const (
	StatusDraft     EmailStatus = "draft"
	StatusScheduled EmailStatus = "scheduled"
	StatusSending   EmailStatus = "sending" // claimed by a delivery run
	StatusSent      EmailStatus = "sent"
	StatusFailed    EmailStatus = "failed"
	StatusOpened    EmailStatus = "opened"
	StatusClicked   EmailStatus = "clicked"
	StatusReplied   EmailStatus = "replied"
	StatusBounced   EmailStatus = "bounced"
)

// Metadata keys
const (
	MetaVariantID  = "variantId"
	MetaRetryCount = "retry_count"
)

// MaxBounceReasonLen is the storage limit of Email.BounceReason
const MaxBounceReasonLen = 255

// Email represents one outbound message instance
type Email struct {
	ID             string         `json:"id"`
	CampaignID     string         `json:"campaign_id,omitempty"`
	ContactID      string         `json:"contact_id"`
	EmailAccountID string         `json:"email_account_id"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	Status         EmailStatus    `json:"status"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	BounceReason   string         `json:"bounce_reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Engagement timestamps, set by inbound events
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	ClickedAt    *time.Time `json:"clicked_at,omitempty"`
	RepliedAt    *time.Time `json:"replied_at,omitempty"`
	BouncedAt    *time.Time `json:"bounced_at,omitempty"`
	ComplainedAt *time.Time `json:"complained_at,omitempty"`

	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// VariantID returns the experiment variant the email was assigned to, if any
func (e *Email) VariantID() string {
	if e.Metadata == nil {
		return ""
	}
	switch v := e.Metadata[MetaVariantID].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// SetMeta sets a metadata key, allocating the map when needed
func (e *Email) SetMeta(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
}

// IsDue reports whether the email is eligible for a delivery run at now
func (e *Email) IsDue(now time.Time) bool {
	return e.Status == StatusScheduled &&
		e.SentAt == nil &&
		e.ScheduledAt != nil &&
		!e.ScheduledAt.After(now)
}

// EventKind is an inbound engagement event type
type EventKind string

const (
	EventOpened     EventKind = "opened"
	EventClicked    EventKind = "clicked"
	EventReplied    EventKind = "replied"
	EventBounced    EventKind = "bounced"
	EventComplained EventKind = "complained"
)

// ValidEventKinds lists accepted engagement events
var ValidEventKinds = []EventKind{EventOpened, EventClicked, EventReplied, EventBounced, EventComplained}

// Contact is the recipient of an email
type Contact struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Company   string    `json:"company,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FullName joins the first and last name of the contact
func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// LexiconEntry is a spam-risk phrase with its weight
type LexiconEntry struct {
	Word   string `json:"word" yaml:"word"`
	Score  int    `json:"score" yaml:"score"`
	Active bool   `json:"active" yaml:"active"`
}
