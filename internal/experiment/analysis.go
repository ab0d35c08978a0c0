package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
)

// ConfidenceLevel is reported with every analysis. No hypothesis test is
// run; results are descriptive.
const ConfidenceLevel = 95

// VariantResult contains engagement outcomes of one variant. Rates are
// percentages; nil means the rate has no denominator or no signal source.
type VariantResult struct {
	VariantID   string `json:"variant_id"`
	VariantName string `json:"variant_name"`

	Total      int `json:"total"`
	Delivered  int `json:"delivered"`
	Bounced    int `json:"bounced"`
	Opened     int `json:"opened"`
	Clicked    int `json:"clicked"`
	Replied    int `json:"replied"`
	Complained int `json:"complained"`

	DeliveryRate   *float64 `json:"delivery_rate"`
	OpenRate       *float64 `json:"open_rate"`
	ClickRate      *float64 `json:"click_rate"`
	ReplyRate      *float64 `json:"reply_rate"`
	BounceRate     *float64 `json:"bounce_rate"`
	ComplaintRate  *float64 `json:"complaint_rate"`
	ConversionRate *float64 `json:"conversion_rate"`
	InboxRate      *float64 `json:"inbox_rate"`

	IsWinner bool `json:"is_winner"`
}

// Rate returns the value of metric for this variant
func (r *VariantResult) Rate(metric models.Metric) *float64 {
	switch metric {
	case models.MetricOpenRate:
		return r.OpenRate
	case models.MetricClickRate:
		return r.ClickRate
	case models.MetricReplyRate:
		return r.ReplyRate
	case models.MetricBounceRate:
		return r.BounceRate
	case models.MetricDeliveryRate:
		return r.DeliveryRate
	case models.MetricComplaintRate:
		return r.ComplaintRate
	case models.MetricConversionRate:
		return r.ConversionRate
	case models.MetricInboxRate:
		return r.InboxRate
	}
	return nil
}

// AbTestResult is the outcome of an experiment analysis
type AbTestResult struct {
	CampaignID       string              `json:"campaign_id"`
	Variants         []VariantResult     `json:"variants"`
	WinningVariantID string              `json:"winning_variant_id,omitempty"`
	WinningMetric    models.Metric       `json:"winning_metric"`
	ConfidenceLevel  int                 `json:"confidence_level"`
	SampleSize       int                 `json:"sample_size"`
	StartDate        *time.Time          `json:"start_date,omitempty"`
	EndDate          time.Time           `json:"end_date"`
	Status           models.AbTestStatus `json:"status"`
}

// AnalyzeAbTestResults aggregates outcomes per variant and, when a variant
// leads on the campaign's winner metric, records it as the winner. Ties go
// to the variant configured first.
func (e *Engine) AnalyzeAbTestResults(ctx context.Context, campaignID string) (*AbTestResult, error) {
	campaign, err := e.loadExperiment(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(campaign.AbTestVariants) == 0 {
		return nil, fmt.Errorf("%w: campaign %s has no variants", ErrNotExperiment, campaignID)
	}

	emails, err := e.store.ListCampaignEmails(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign emails: %w", err)
	}

	byVariant := make(map[string][]*models.Email)
	for _, email := range emails {
		if id := email.VariantID(); id != "" {
			byVariant[id] = append(byVariant[id], email)
		}
	}

	now := e.now()
	result := &AbTestResult{
		CampaignID:      campaignID,
		WinningMetric:   campaign.AbTestWinnerMetric,
		ConfidenceLevel: ConfidenceLevel,
		EndDate:         now,
		Status:          campaign.AbTestStatus,
	}

	for _, v := range campaign.AbTestVariants {
		group := byVariant[v.ID]
		if len(group) == 0 {
			continue
		}
		vr := summarize(v, group)
		result.Variants = append(result.Variants, vr)
		result.SampleSize += vr.Total

		for _, email := range group {
			if email.SentAt != nil && (result.StartDate == nil || email.SentAt.Before(*result.StartDate)) {
				start := *email.SentAt
				result.StartDate = &start
			}
		}
	}

	if len(result.Variants) == 0 {
		return nil, fmt.Errorf("%w: campaign %s", ErrNoData, campaignID)
	}

	winner := -1
	var best float64
	for i := range result.Variants {
		rate := result.Variants[i].Rate(campaign.AbTestWinnerMetric)
		if rate == nil {
			continue
		}
		if winner < 0 || *rate > best {
			winner, best = i, *rate
		}
	}
	// A single variant with data wins even when its metric is unmeasured
	if winner < 0 && len(result.Variants) == 1 {
		winner = 0
	}

	if winner >= 0 {
		result.Variants[winner].IsWinner = true
		result.WinningVariantID = result.Variants[winner].VariantID
		result.Status = models.AbTestStatusCompleted

		campaign.AbTestWinnerVariantID = result.WinningVariantID
		campaign.AbTestStatus = models.AbTestStatusCompleted
		campaign.AbTestWinnerDecidedAt = &now
		if err := e.store.UpdateCampaign(ctx, campaign); err != nil {
			return nil, fmt.Errorf("failed to record winner: %w", err)
		}

		metrics.IncExperimentWinners(string(campaign.AbTestWinnerMetric))
		e.logger.Info("experiment winner decided",
			"campaign_id", campaignID,
			"variant_id", result.WinningVariantID,
			"metric", campaign.AbTestWinnerMetric,
			"value", best,
		)
	}

	return result, nil
}

func summarize(v models.Variant, emails []*models.Email) VariantResult {
	r := VariantResult{VariantID: v.ID, VariantName: v.Name, Total: len(emails)}

	for _, e := range emails {
		if e.BouncedAt != nil {
			r.Bounced++
		}
		if e.OpenedAt != nil {
			r.Opened++
		}
		if e.ClickedAt != nil {
			r.Clicked++
		}
		if e.RepliedAt != nil {
			r.Replied++
		}
		if e.ComplainedAt != nil {
			r.Complained++
		}
	}
	r.Delivered = r.Total - r.Bounced

	r.DeliveryRate = percent(r.Delivered, r.Total)
	r.BounceRate = percent(r.Bounced, r.Total)
	r.ComplaintRate = percent(r.Complained, r.Total)
	r.OpenRate = percent(r.Opened, r.Delivered)
	r.ClickRate = percent(r.Clicked, r.Delivered)
	r.ReplyRate = percent(r.Replied, r.Delivered)
	return r
}

func percent(n, d int) *float64 {
	if d == 0 {
		return nil
	}
	v := float64(n) / float64(d) * 100
	return &v
}
