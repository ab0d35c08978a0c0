package models

import "time"

// AbTestType selects which email field a variant overrides
type AbTestType string

const (
	AbTestSubject AbTestType = "subject"
	AbTestBody    AbTestType = "body"
	AbTestSender  AbTestType = "sender"
	AbTestTime    AbTestType = "time"
	AbTestContent AbTestType = "content"
)

// AbTestStatus is the lifecycle state of an experiment
type AbTestStatus string

const (
	AbTestStatusSetup     AbTestStatus = "setup"
	AbTestStatusRunning   AbTestStatus = "running"
	AbTestStatusCompleted AbTestStatus = "completed"
)

// Metric is an engagement rate used to rank variants
type Metric string

const (
	MetricOpenRate       Metric = "openRate"
	MetricClickRate      Metric = "clickRate"
	MetricReplyRate      Metric = "replyRate"
	MetricBounceRate     Metric = "bounceRate"
	MetricDeliveryRate   Metric = "deliveryRate"
	MetricComplaintRate  Metric = "complaintRate"
	MetricConversionRate Metric = "conversionRate"
	MetricInboxRate      Metric = "inboxRate"
)

// DistributionType controls how emails are split across variants
type DistributionType string

const (
	DistributionEqual      DistributionType = "equal"
	DistributionPercentage DistributionType = "percentage"
)

// Campaign groups emails and optionally configures an experiment
type Campaign struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables,omitempty"`

	IsAbTest              bool          `json:"is_ab_test"`
	AbTestType            AbTestType    `json:"ab_test_type,omitempty"`
	AbTestVariantCount    int           `json:"ab_test_variant_count,omitempty"`
	AbTestVariants        []Variant     `json:"ab_test_variants,omitempty"`
	AbTestWinnerMetric    Metric        `json:"ab_test_winner_metric,omitempty"`
	AbTestDistribution    *Distribution `json:"ab_test_distribution,omitempty"`
	AbTestSampleSize      int           `json:"ab_test_sample_size,omitempty"`
	AbTestNotes           string        `json:"ab_test_notes,omitempty"`
	AbTestStatus          AbTestStatus  `json:"ab_test_status,omitempty"`
	AbTestWinnerVariantID string        `json:"ab_test_winner_variant_id,omitempty"`
	AbTestWinnerDecidedAt *time.Time    `json:"ab_test_winner_decided_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Variant finds a configured variant by id
func (c *Campaign) Variant(id string) (*Variant, bool) {
	for i := range c.AbTestVariants {
		if c.AbTestVariants[i].ID == id {
			return &c.AbTestVariants[i], true
		}
	}
	return nil, false
}

// Distribution describes the traffic split between variants
type Distribution struct {
	Type   DistributionType `json:"type" yaml:"type" validate:"required,oneof=equal percentage"`
	Values []int            `json:"values,omitempty" yaml:"values,omitempty" validate:"omitempty,dive,min=0,max=100"`
}

// Variant is one treatment within an experiment
type Variant struct {
	ID          string          `json:"id" yaml:"id" validate:"required"`
	Name        string          `json:"name" yaml:"name" validate:"required"`
	SubjectLine string          `json:"subject_line,omitempty" yaml:"subject_line,omitempty"`
	EmailBody   string          `json:"email_body,omitempty" yaml:"email_body,omitempty"`
	SenderID    string          `json:"sender_id,omitempty" yaml:"sender_id,omitempty"`
	SendTime    string          `json:"send_time,omitempty" yaml:"send_time,omitempty" validate:"omitempty,datetime=15:04"`
	Content     *VariantContent `json:"content,omitempty" yaml:"content,omitempty"`
}

// VariantContent is the override bag used by content experiments
type VariantContent struct {
	Subject string         `json:"subject,omitempty" yaml:"subject,omitempty"`
	Body    string         `json:"body,omitempty" yaml:"body,omitempty"`
	Extra   map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}
