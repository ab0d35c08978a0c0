package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/foxzi/outreach/internal/models"
)

// PickVariant deterministically assigns an email to one of the campaign's
// variants. The same campaign and email always map to the same variant.
func PickVariant(campaign *models.Campaign, emailID string) (*models.Variant, error) {
	variants := campaign.AbTestVariants
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: campaign %s has no variants", ErrVariantNotFound, campaign.ID)
	}

	hash := sha256.Sum256([]byte(campaign.ID + ":" + emailID))
	bucket := int(binary.BigEndian.Uint64(hash[:8]) % 100)

	dist := campaign.AbTestDistribution
	if dist != nil && dist.Type == models.DistributionPercentage && len(dist.Values) == len(variants) {
		cumulative := 0
		for i, share := range dist.Values {
			cumulative += share
			if bucket < cumulative {
				return &variants[i], nil
			}
		}
		return &variants[len(variants)-1], nil
	}

	return &variants[bucket*len(variants)/100], nil
}

// AssignCampaign applies a variant to every draft or scheduled email of the
// campaign that has none yet, then marks the experiment running. Returns the
// number of emails assigned per variant id.
func (e *Engine) AssignCampaign(ctx context.Context, campaignID string) (map[string]int, error) {
	campaign, err := e.loadExperiment(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.AbTestStatus == models.AbTestStatusCompleted {
		return nil, fmt.Errorf("%w: experiment on campaign %s is completed", ErrInvalidState, campaignID)
	}

	emails, err := e.store.ListCampaignEmails(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign emails: %w", err)
	}

	counts := make(map[string]int, len(campaign.AbTestVariants))
	now := e.now()
	for _, email := range emails {
		if email.Status != models.StatusDraft && email.Status != models.StatusScheduled {
			continue
		}
		if email.VariantID() != "" {
			continue
		}

		variant, err := PickVariant(campaign, email.ID)
		if err != nil {
			return counts, err
		}
		if err := applyVariant(email, campaign.AbTestType, variant, now); err != nil {
			return counts, err
		}
		if err := e.store.UpdateEmail(ctx, email); err != nil {
			return counts, fmt.Errorf("failed to save email %s: %w", email.ID, err)
		}
		counts[variant.ID]++
	}

	if campaign.AbTestStatus != models.AbTestStatusRunning {
		campaign.AbTestStatus = models.AbTestStatusRunning
		if err := e.store.UpdateCampaign(ctx, campaign); err != nil {
			return counts, fmt.Errorf("failed to start experiment: %w", err)
		}
	}

	e.logger.Info("variants assigned", "campaign_id", campaignID, "counts", counts)
	return counts, nil
}
