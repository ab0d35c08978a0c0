// Package delivery drives due scheduled emails through the send state
// machine: scheduled -> sending (claimed) -> sent | failed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/transport"
)

var (
	ErrContactNotFound = errors.New("Contact not found")
	ErrEmailNotFound   = errors.New("email not found")
	ErrNotRetryable    = errors.New("email is not retryable")
)

// Store is the persistence used by the processor
type Store interface {
	ClaimDue(ctx context.Context, now time.Time) ([]*models.Email, error)
	ReleaseClaim(ctx context.Context, id string) error
	ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error)
	GetEmail(ctx context.Context, id string) (*models.Email, error)
	UpdateEmail(ctx context.Context, e *models.Email) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
}

// Transport delivers a rendered message through an email account
type Transport interface {
	Send(ctx context.Context, accountID string, msg transport.Message) (transport.Receipt, error)
}

// SendCaps enforces per-account send caps. Check runs before an attempt and
// Record only after the transport accepted the message.
type SendCaps interface {
	Check(ctx context.Context, account string) (*ratelimit.Result, error)
	Record(ctx context.Context, account string) error
}

// Config contains processor configuration
type Config struct {
	SendDelay    time.Duration // pause between transport attempts
	SendTimeout  time.Duration // per-attempt transport timeout
	ClaimTimeout time.Duration // claims older than this are released
}

// Result summarizes one ProcessDue run
type Result struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// Processor sends due emails one at a time
type Processor struct {
	store     Store
	transport Transport
	caps      SendCaps
	config    Config
	pacer     *rate.Limiter
	logger    *slog.Logger
}

// NewProcessor creates a processor; caps may be nil
func NewProcessor(store Store, t Transport, caps SendCaps, cfg Config, logger *slog.Logger) *Processor {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 15 * time.Minute
	}

	limit := rate.Inf
	if cfg.SendDelay > 0 {
		limit = rate.Every(cfg.SendDelay)
	}

	return &Processor{
		store:     store,
		transport: t,
		caps:      caps,
		config:    cfg,
		pacer:     rate.NewLimiter(limit, 1),
		logger:    logger,
	}
}

// ProcessDue claims every email due at now and attempts each once, in
// scheduled order. Per-email failures are recorded on the email; only store
// failures and cancellation abort the run, releasing unprocessed claims.
func (p *Processor) ProcessDue(ctx context.Context, now time.Time) (Result, error) {
	var result Result
	start := time.Now()

	if released, err := p.ReleaseStale(ctx, now); err != nil {
		return result, err
	} else if released > 0 {
		p.logger.Warn("released stale claims", "count", released)
	}

	claimed, err := p.store.ClaimDue(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to claim due emails: %w", err)
	}

	defer func() {
		metrics.ObserveDeliveryRun(time.Since(start).Seconds(), len(claimed))
	}()

	if len(claimed) == 0 {
		return result, nil
	}

	p.logger.Info("processing due emails", "count", len(claimed))

	for i, e := range claimed {
		if err := ctx.Err(); err != nil {
			p.releaseAll(claimed[i:])
			return result, err
		}

		outcome, err := p.processOne(ctx, e, now)
		if err != nil {
			p.releaseAll(claimed[i+1:])
			if outcome == outcomeNone {
				p.releaseAll(claimed[i : i+1])
			}
			return result, err
		}

		switch outcome {
		case outcomeSent:
			result.Processed++
			result.Sent++
		case outcomeFailed:
			result.Processed++
			result.Failed++
		case outcomeDeferred:
			result.Deferred++
		}
	}

	p.logger.Info("delivery run complete",
		"processed", result.Processed,
		"sent", result.Sent,
		"failed", result.Failed,
		"deferred", result.Deferred,
		"duration", time.Since(start),
	)

	return result, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSent
	outcomeFailed
	outcomeDeferred
)

func (p *Processor) processOne(ctx context.Context, e *models.Email, now time.Time) (outcome, error) {
	logger := p.logger.With("email_id", e.ID, "account", e.EmailAccountID)

	contact, err := p.store.GetContact(ctx, e.ContactID)
	if err != nil {
		return outcomeNone, fmt.Errorf("failed to load contact %s: %w", e.ContactID, err)
	}
	if contact == nil {
		if err := p.pacer.Wait(ctx); err != nil {
			return outcomeNone, err
		}
		logger.Warn("contact not found", "contact_id", e.ContactID)
		return p.fail(ctx, e, ErrContactNotFound, logger)
	}

	var campaign *models.Campaign
	if e.CampaignID != "" {
		campaign, err = p.store.GetCampaign(ctx, e.CampaignID)
		if err != nil {
			return outcomeNone, fmt.Errorf("failed to load campaign %s: %w", e.CampaignID, err)
		}
	}

	if p.caps != nil {
		res, err := p.caps.Check(ctx, e.EmailAccountID)
		if err != nil {
			return outcomeNone, fmt.Errorf("failed to check send caps: %w", err)
		}
		if !res.Allowed {
			logger.Info("account over send cap, deferring",
				"window", res.Window,
				"retry_after", res.RetryAfter,
			)
			if err := p.store.ReleaseClaim(context.WithoutCancel(ctx), e.ID); err != nil {
				return outcomeDeferred, fmt.Errorf("failed to release email %s: %w", e.ID, err)
			}
			metrics.IncEmailsDeferred(e.EmailAccountID)
			return outcomeDeferred, nil
		}
	}

	if err := p.pacer.Wait(ctx); err != nil {
		return outcomeNone, err
	}

	vars := templateVars(contact, campaign)
	msg := transport.Message{
		To:      contact.Email,
		ToName:  contact.FullName(),
		Subject: Render(e.Subject, vars),
		HTML:    Render(e.Body, vars),
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	receipt, sendErr := p.transport.Send(sendCtx, e.EmailAccountID, msg)
	cancel()

	if sendErr != nil {
		if err := ctx.Err(); err != nil {
			// Interrupted, not rejected: the claim goes back to scheduled
			logger.Warn("delivery interrupted", "error", sendErr)
			return outcomeNone, err
		}
		logger.Warn("delivery failed", "error", sendErr)
		return p.fail(ctx, e, sendErr, logger)
	}

	if p.caps != nil {
		if err := p.caps.Record(context.WithoutCancel(ctx), e.EmailAccountID); err != nil {
			logger.Error("failed to count send", "error", err)
		}
	}

	sentAt := now
	e.Status = models.StatusSent
	e.SentAt = &sentAt
	e.ClaimedAt = nil
	if receipt.MessageID != "" {
		e.MessageID = receipt.MessageID
	}
	if err := p.store.UpdateEmail(context.WithoutCancel(ctx), e); err != nil {
		logger.Error("email sent but not recorded", "message_id", e.MessageID, "error", err)
		return outcomeSent, fmt.Errorf("failed to mark email %s sent: %w", e.ID, err)
	}

	metrics.IncEmailsSent(e.EmailAccountID)
	logger.Info("email sent", "message_id", e.MessageID)
	return outcomeSent, nil
}

func (p *Processor) fail(ctx context.Context, e *models.Email, cause error, logger *slog.Logger) (outcome, error) {
	e.Status = models.StatusFailed
	e.ClaimedAt = nil
	e.BounceReason = truncate(cause.Error(), models.MaxBounceReasonLen)
	if err := p.store.UpdateEmail(context.WithoutCancel(ctx), e); err != nil {
		return outcomeFailed, fmt.Errorf("failed to mark email %s failed: %w", e.ID, err)
	}

	reason := "transport"
	if errors.Is(cause, ErrContactNotFound) {
		reason = "contact_not_found"
	}
	metrics.IncEmailsFailed(e.EmailAccountID, reason)
	logger.Debug("email marked failed", "reason", e.BounceReason)
	return outcomeFailed, nil
}

// ReleaseStale returns claims older than the claim timeout to scheduled
func (p *Processor) ReleaseStale(ctx context.Context, now time.Time) (int, error) {
	released, err := p.store.ReleaseStaleClaims(ctx, now.Add(-p.config.ClaimTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	metrics.AddStaleClaimsReleased(released)
	return released, nil
}

// Retry moves a failed email back to scheduled for immediate delivery
func (p *Processor) Retry(ctx context.Context, id string, now time.Time) (*models.Email, error) {
	e, err := p.store.GetEmail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load email %s: %w", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmailNotFound, id)
	}
	if e.Status != models.StatusFailed || e.SentAt != nil {
		return nil, fmt.Errorf("%w: %s has status %s", ErrNotRetryable, id, e.Status)
	}

	retries := 0
	if v, ok := e.Metadata[models.MetaRetryCount].(float64); ok {
		retries = int(v)
	} else if v, ok := e.Metadata[models.MetaRetryCount].(int); ok {
		retries = v
	}

	scheduledAt := now
	e.Status = models.StatusScheduled
	e.ScheduledAt = &scheduledAt
	e.BounceReason = ""
	e.SetMeta(models.MetaRetryCount, retries+1)

	if err := p.store.UpdateEmail(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to reschedule email %s: %w", id, err)
	}

	p.logger.Info("email rescheduled", "email_id", id, "retry_count", retries+1)
	return e, nil
}

func (p *Processor) releaseAll(emails []*models.Email) {
	ctx := context.Background()
	for _, e := range emails {
		if err := p.store.ReleaseClaim(ctx, e.ID); err != nil {
			p.logger.Error("failed to release claim", "email_id", e.ID, "error", err)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
