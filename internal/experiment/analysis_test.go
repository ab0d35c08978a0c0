package experiment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/storage"
)

type outcome struct {
	opened, clicked, replied, bounced, complained bool
}

func addOutcomes(t *testing.T, store *storage.BoltStorage, variantID string, outcomes ...outcome) {
	t.Helper()

	for i, o := range outcomes {
		sentAt := fixedNow.Add(-time.Duration(len(outcomes)-i) * time.Hour)
		event := sentAt.Add(time.Minute)

		e := &models.Email{
			ID:         fmt.Sprintf("%s-%d", variantID, i),
			CampaignID: "spring",
			Status:     models.StatusSent,
			SentAt:     &sentAt,
		}
		e.SetMeta(models.MetaVariantID, variantID)
		if o.opened {
			e.OpenedAt = &event
		}
		if o.clicked {
			e.ClickedAt = &event
		}
		if o.replied {
			e.RepliedAt = &event
		}
		if o.bounced {
			e.BouncedAt = &event
		}
		if o.complained {
			e.ComplainedAt = &event
		}
		if err := store.CreateEmail(context.Background(), e); err != nil {
			t.Fatalf("CreateEmail() error = %v", err)
		}
	}
}

func analyzeWithMetric(t *testing.T, engine *Engine, metric models.Metric) {
	t.Helper()
	req := twoVariantRequest()
	req.WinnerMetric = metric
	createExperiment(t, engine, req)
}

func TestAnalyzeAbTestResults(t *testing.T) {
	engine, store := setupEngine(t)
	ctx := context.Background()
	analyzeWithMetric(t, engine, models.MetricOpenRate)

	// Variant 1: 4 delivered, 2 opened, 1 clicked
	addOutcomes(t, store, "1",
		outcome{opened: true, clicked: true},
		outcome{opened: true},
		outcome{},
		outcome{complained: true},
	)
	// Variant 2: 1 bounced, 3 delivered, 3 opened, 1 replied
	addOutcomes(t, store, "2",
		outcome{opened: true, replied: true},
		outcome{opened: true},
		outcome{opened: true},
		outcome{bounced: true},
	)

	result, err := engine.AnalyzeAbTestResults(ctx, "spring")
	if err != nil {
		t.Fatalf("AnalyzeAbTestResults() error = %v", err)
	}

	if len(result.Variants) != 2 {
		t.Fatalf("got %d variant results, want 2", len(result.Variants))
	}
	a, b := result.Variants[0], result.Variants[1]

	checkRate(t, "1 open", a.OpenRate, 50)
	checkRate(t, "1 click", a.ClickRate, 25)
	checkRate(t, "1 complaint", a.ComplaintRate, 25)
	checkRate(t, "1 delivery", a.DeliveryRate, 100)
	checkRate(t, "2 open", b.OpenRate, 100)
	checkRate(t, "2 reply", b.ReplyRate, 100.0/3)
	checkRate(t, "2 bounce", b.BounceRate, 25)
	checkRate(t, "2 delivery", b.DeliveryRate, 75)

	if b.Delivered != 3 || b.Bounced != 1 || b.Total != 4 {
		t.Errorf("variant 2 counts = %+v", b)
	}
	if a.ConversionRate != nil || a.InboxRate != nil {
		t.Error("conversion and inbox rates must stay unmeasured")
	}

	if result.WinningVariantID != "2" || !b.IsWinner || a.IsWinner {
		t.Errorf("winner = %q (a %v, b %v), want 2", result.WinningVariantID, a.IsWinner, b.IsWinner)
	}
	if result.ConfidenceLevel != 95 || result.SampleSize != 8 {
		t.Errorf("confidence = %d sample = %d", result.ConfidenceLevel, result.SampleSize)
	}
	if result.Status != models.AbTestStatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.StartDate == nil || !result.StartDate.Equal(fixedNow.Add(-4*time.Hour)) {
		t.Errorf("start date = %v", result.StartDate)
	}

	c, _ := store.GetCampaign(ctx, "spring")
	if c.AbTestWinnerVariantID != "2" || c.AbTestStatus != models.AbTestStatusCompleted {
		t.Errorf("campaign winner = %q status = %s", c.AbTestWinnerVariantID, c.AbTestStatus)
	}
	if c.AbTestWinnerDecidedAt == nil || !c.AbTestWinnerDecidedAt.Equal(fixedNow) {
		t.Errorf("decided at = %v", c.AbTestWinnerDecidedAt)
	}
}

func checkRate(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Errorf("%s rate is nil, want %.2f", name, want)
		return
	}
	if diff := *got - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("%s rate = %.4f, want %.4f", name, *got, want)
	}
}

func TestAnalyzeTieGoesToFirstVariant(t *testing.T) {
	engine, store := setupEngine(t)
	analyzeWithMetric(t, engine, models.MetricClickRate)

	addOutcomes(t, store, "2", outcome{clicked: true}, outcome{})
	addOutcomes(t, store, "1", outcome{clicked: true}, outcome{})

	result, err := engine.AnalyzeAbTestResults(context.Background(), "spring")
	if err != nil {
		t.Fatalf("AnalyzeAbTestResults() error = %v", err)
	}
	if result.WinningVariantID != "1" {
		t.Errorf("winner = %q, want the first configured variant", result.WinningVariantID)
	}
}

func TestAnalyzeSkipsNullMetric(t *testing.T) {
	engine, store := setupEngine(t)
	analyzeWithMetric(t, engine, models.MetricOpenRate)

	// Everything from variant 1 bounced: no open rate
	addOutcomes(t, store, "1", outcome{bounced: true}, outcome{bounced: true})
	addOutcomes(t, store, "2", outcome{}, outcome{})

	result, err := engine.AnalyzeAbTestResults(context.Background(), "spring")
	if err != nil {
		t.Fatalf("AnalyzeAbTestResults() error = %v", err)
	}
	if result.Variants[0].OpenRate != nil {
		t.Errorf("open rate = %v, want nil", *result.Variants[0].OpenRate)
	}
	if result.WinningVariantID != "2" {
		t.Errorf("winner = %q, want 2", result.WinningVariantID)
	}
}

func TestAnalyzeOnlyCandidateWins(t *testing.T) {
	for _, metric := range []models.Metric{models.MetricOpenRate, models.MetricBounceRate, models.MetricConversionRate} {
		t.Run(string(metric), func(t *testing.T) {
			engine, store := setupEngine(t)
			analyzeWithMetric(t, engine, metric)
			addOutcomes(t, store, "1", outcome{}, outcome{opened: true}, outcome{})

			result, err := engine.AnalyzeAbTestResults(context.Background(), "spring")
			if err != nil {
				t.Fatalf("AnalyzeAbTestResults() error = %v", err)
			}
			if result.WinningVariantID != "1" {
				t.Errorf("winner = %q, want 1", result.WinningVariantID)
			}
			if result.SampleSize != 3 {
				t.Errorf("sample size = %d, want 3", result.SampleSize)
			}
			if len(result.Variants) != 1 {
				t.Errorf("got %d variant results, want 1", len(result.Variants))
			}
		})
	}
}

func TestAnalyzeErrors(t *testing.T) {
	engine, store := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.AnalyzeAbTestResults(ctx, "missing"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("missing campaign error = %v", err)
	}
	if _, err := engine.AnalyzeAbTestResults(ctx, "spring"); !errors.Is(err, ErrNotExperiment) {
		t.Errorf("plain campaign error = %v", err)
	}

	createExperiment(t, engine, twoVariantRequest())
	// Emails without a variant are not attributed
	store.CreateEmail(ctx, &models.Email{ID: "unassigned", CampaignID: "spring", Status: models.StatusSent})

	if _, err := engine.AnalyzeAbTestResults(ctx, "spring"); !errors.Is(err, ErrNoData) {
		t.Errorf("no data error = %v", err)
	}

	c, _ := store.GetCampaign(ctx, "spring")
	if c.AbTestWinnerVariantID != "" || c.AbTestStatus != models.AbTestStatusSetup {
		t.Error("failed analysis must not record a winner")
	}
}
