// Package experiment configures multi-variant campaign experiments, assigns
// variants to emails, and decides a winner from engagement outcomes.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/foxzi/outreach/internal/models"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrEmailNotFound    = errors.New("email not found")
	ErrNotExperiment    = errors.New("campaign is not an experiment")
	ErrVariantNotFound  = errors.New("variant not found")
	ErrNoData           = errors.New("no data available")
	ErrInvalidState     = errors.New("invalid experiment state")
)

// Store is the persistence used by the engine
type Store interface {
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	UpdateCampaign(ctx context.Context, c *models.Campaign) error
	GetEmail(ctx context.Context, id string) (*models.Email, error)
	UpdateEmail(ctx context.Context, e *models.Email) error
	ListCampaignEmails(ctx context.Context, campaignID string) ([]*models.Email, error)
}

// CreateAbTestRequest configures an experiment on an existing campaign
type CreateAbTestRequest struct {
	CampaignID   string              `json:"campaign_id" yaml:"campaign_id" validate:"required"`
	TestType     models.AbTestType   `json:"test_type" yaml:"test_type" validate:"required,oneof=subject body sender time content"`
	VariantCount int                 `json:"variant_count" yaml:"variant_count" validate:"min=2,max=5"`
	Variants     []models.Variant    `json:"variants" yaml:"variants" validate:"required,dive"`
	WinnerMetric models.Metric       `json:"winner_metric" yaml:"winner_metric" validate:"required,oneof=openRate clickRate replyRate bounceRate deliveryRate complaintRate conversionRate inboxRate"`
	Distribution models.Distribution `json:"distribution" yaml:"distribution"`
	SampleSize   int                 `json:"sample_size,omitempty" yaml:"sample_size,omitempty" validate:"omitempty,min=1,max=100"`
	Notes        string              `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// ValidationError lists the problems of a rejected request
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid experiment: " + strings.Join(e.Problems, "; ")
}

// Engine runs campaign experiments
type Engine struct {
	store    Store
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an experiment engine
func NewEngine(store Store, logger *slog.Logger) *Engine {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Engine{
		store:    store,
		validate: v,
		now:      time.Now,
		logger:   logger,
	}
}

// CreateAbTest validates req and stores the experiment configuration on the
// campaign in setup state. Returns the campaign id.
func (e *Engine) CreateAbTest(ctx context.Context, req CreateAbTestRequest) (string, error) {
	if err := e.validateRequest(req); err != nil {
		return "", err
	}

	campaign, err := e.loadCampaign(ctx, req.CampaignID)
	if err != nil {
		return "", err
	}
	if campaign.IsAbTest && campaign.AbTestStatus == models.AbTestStatusRunning {
		return "", fmt.Errorf("%w: campaign %s has a running experiment", ErrInvalidState, campaign.ID)
	}

	sampleSize := req.SampleSize
	if sampleSize == 0 {
		sampleSize = 100 / req.VariantCount
	}
	distribution := req.Distribution

	campaign.IsAbTest = true
	campaign.AbTestType = req.TestType
	campaign.AbTestVariantCount = req.VariantCount
	campaign.AbTestVariants = req.Variants
	campaign.AbTestWinnerMetric = req.WinnerMetric
	campaign.AbTestDistribution = &distribution
	campaign.AbTestSampleSize = sampleSize
	campaign.AbTestNotes = req.Notes
	campaign.AbTestStatus = models.AbTestStatusSetup
	campaign.AbTestWinnerVariantID = ""
	campaign.AbTestWinnerDecidedAt = nil

	if err := e.store.UpdateCampaign(ctx, campaign); err != nil {
		return "", fmt.Errorf("failed to save experiment: %w", err)
	}

	e.logger.Info("experiment configured",
		"campaign_id", campaign.ID,
		"type", req.TestType,
		"variants", req.VariantCount,
		"metric", req.WinnerMetric,
	)
	return campaign.ID, nil
}

func (e *Engine) validateRequest(req CreateAbTestRequest) error {
	var problems []string

	if err := e.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fieldPath(fe.Namespace()), fe.Tag()))
		}
	}

	if req.VariantCount != len(req.Variants) {
		problems = append(problems, fmt.Sprintf("variant_count is %d but %d variants given", req.VariantCount, len(req.Variants)))
	}

	seen := make(map[string]bool, len(req.Variants))
	for _, v := range req.Variants {
		if v.ID != "" && seen[v.ID] {
			problems = append(problems, fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = true
	}

	if req.Distribution.Type == models.DistributionPercentage {
		if len(req.Distribution.Values) != len(req.Variants) {
			problems = append(problems, "percentage distribution needs one value per variant")
		} else {
			sum := 0
			for _, v := range req.Distribution.Values {
				sum += v
			}
			if sum != 100 {
				problems = append(problems, fmt.Sprintf("percentage distribution sums to %d, want 100", sum))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// StartAbTest moves an experiment from setup to running
func (e *Engine) StartAbTest(ctx context.Context, campaignID string) error {
	campaign, err := e.loadExperiment(ctx, campaignID)
	if err != nil {
		return err
	}

	switch campaign.AbTestStatus {
	case models.AbTestStatusRunning:
		return nil
	case models.AbTestStatusCompleted:
		return fmt.Errorf("%w: experiment on campaign %s is completed", ErrInvalidState, campaignID)
	}

	campaign.AbTestStatus = models.AbTestStatusRunning
	if err := e.store.UpdateCampaign(ctx, campaign); err != nil {
		return fmt.Errorf("failed to start experiment: %w", err)
	}

	e.logger.Info("experiment started", "campaign_id", campaignID)
	return nil
}

// ApplyVariantToEmail overrides the email field selected by the experiment
// type with the variant's value and stamps the variant id into metadata
func (e *Engine) ApplyVariantToEmail(ctx context.Context, emailID, variantID string) (*models.Email, error) {
	email, err := e.store.GetEmail(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to load email %s: %w", emailID, err)
	}
	if email == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmailNotFound, emailID)
	}
	if email.CampaignID == "" {
		return nil, fmt.Errorf("%w: email %s has no campaign", ErrCampaignNotFound, emailID)
	}

	campaign, err := e.loadExperiment(ctx, email.CampaignID)
	if err != nil {
		return nil, err
	}

	variant, ok := campaign.Variant(variantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s in campaign %s", ErrVariantNotFound, variantID, campaign.ID)
	}

	if err := applyVariant(email, campaign.AbTestType, variant, e.now()); err != nil {
		return nil, err
	}
	if err := e.store.UpdateEmail(ctx, email); err != nil {
		return nil, fmt.Errorf("failed to save email %s: %w", emailID, err)
	}

	e.logger.Debug("variant applied",
		"email_id", emailID,
		"campaign_id", campaign.ID,
		"variant_id", variantID,
	)
	return email, nil
}

// applyVariant mutates email according to testType. Absent variant values
// leave the email unchanged; the variant id is always recorded.
func applyVariant(email *models.Email, testType models.AbTestType, v *models.Variant, now time.Time) error {
	switch testType {
	case models.AbTestSubject:
		if v.SubjectLine != "" {
			email.Subject = v.SubjectLine
		}
	case models.AbTestBody:
		if v.EmailBody != "" {
			email.Body = v.EmailBody
		}
	case models.AbTestSender:
		if v.SenderID != "" {
			email.EmailAccountID = v.SenderID
		}
	case models.AbTestTime:
		if v.SendTime != "" {
			at, err := sendTimeOn(v.SendTime, email.ScheduledAt, now)
			if err != nil {
				return fmt.Errorf("variant %s: %w", v.ID, err)
			}
			email.ScheduledAt = &at
		}
	case models.AbTestContent:
		if v.Content != nil {
			if v.Content.Subject != "" {
				email.Subject = v.Content.Subject
			}
			if v.Content.Body != "" {
				email.Body = v.Content.Body
			}
		}
	}

	email.SetMeta(models.MetaVariantID, v.ID)
	return nil
}

// sendTimeOn places an "HH:MM" time on the calendar day of base, or of now
// when base is nil
func sendTimeOn(hhmm string, base *time.Time, now time.Time) (time.Time, error) {
	clock, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid send time %q", hhmm)
	}

	day := now
	if base != nil {
		day = *base
	}
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, day.Location()), nil
}

func (e *Engine) loadCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	campaign, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", id, err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	return campaign, nil
}

func (e *Engine) loadExperiment(ctx context.Context, id string) (*models.Campaign, error) {
	campaign, err := e.loadCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !campaign.IsAbTest {
		return nil, fmt.Errorf("%w: %s", ErrNotExperiment, id)
	}
	return campaign, nil
}
