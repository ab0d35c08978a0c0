package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/experiment"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/quality"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/storage"
	"github.com/foxzi/outreach/internal/transport"
)

// App is the main application
type App struct {
	config      *config.Config
	store       *storage.BoltStorage
	rateLimiter *ratelimit.Limiter
	router      *transport.Router
	processor   *delivery.Processor
	scorer      *quality.Scorer
	engine      *experiment.Engine
	logger      *slog.Logger

	// serve mode only
	scheduler     *delivery.Scheduler
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New opens the store and wires all components
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	store, err := storage.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	rateLimiter, err := ratelimit.NewLimiter(store.DB(), &ratelimit.Config{
		Accounts: cfg.RateLimits(),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	router, err := NewRouter(cfg, logger.With("component", "transport"))
	if err != nil {
		rateLimiter.Stop()
		store.Close()
		return nil, err
	}

	processor := delivery.NewProcessor(store, router, rateLimiter, delivery.Config{
		SendDelay:    cfg.Delivery.SendDelay,
		SendTimeout:  cfg.Delivery.SendTimeout,
		ClaimTimeout: cfg.Delivery.ClaimTimeout,
	}, logger.With("component", "delivery"))

	return &App{
		config:      cfg,
		store:       store,
		rateLimiter: rateLimiter,
		router:      router,
		processor:   processor,
		scorer:      quality.NewScorer(store, logger.With("component", "quality")),
		engine:      experiment.NewEngine(store, logger.With("component", "experiment")),
		logger:      logger,
	}, nil
}

// NewRouter creates a transport sender for every configured account
func NewRouter(cfg *config.Config, logger *slog.Logger) (*transport.Router, error) {
	router := transport.NewRouter()

	for _, id := range cfg.AccountIDs() {
		acc := cfg.Accounts[id]
		account := transport.Account{ID: id, FromEmail: acc.FromEmail, FromName: acc.FromName}
		accLogger := logger.With("account", id)

		switch acc.Provider {
		case config.ProviderSMTP:
			var signer *transport.DKIMSigner
			if acc.DKIM != nil {
				s, err := transport.NewDKIMSignerFromFile(acc.DKIM.KeyFile, acc.DKIM.Domain, acc.DKIM.Selector)
				if err != nil {
					return nil, fmt.Errorf("account %s: %w", id, err)
				}
				signer = s
			}
			router.Register(id, transport.NewSMTPSender(account, transport.SMTPConfig{
				Host:               acc.SMTP.Host,
				Port:               acc.SMTP.Port,
				Username:           acc.SMTP.Username,
				Password:           acc.SMTP.Password,
				TLS:                acc.SMTP.TLS,
				Timeout:            acc.SMTP.Timeout,
				InsecureSkipVerify: acc.SMTP.InsecureSkipVerify,
			}, signer, accLogger))
		case config.ProviderSendGrid:
			router.Register(id, transport.NewSendGridSender(account, transport.SendGridConfig{
				APIKey:   acc.SendGrid.APIKey,
				Endpoint: acc.SendGrid.BaseURL,
				Category: acc.SendGrid.Category,
			}, accLogger))
		case config.ProviderLog:
			router.Register(id, transport.NewLogSender(account, accLogger))
		default:
			return nil, fmt.Errorf("account %s: unknown provider %q", id, acc.Provider)
		}
	}

	return router, nil
}

func (a *App) Store() *storage.BoltStorage     { return a.store }
func (a *App) Processor() *delivery.Processor { return a.processor }
func (a *App) Scorer() *quality.Scorer        { return a.scorer }
func (a *App) Engine() *experiment.Engine     { return a.engine }
func (a *App) Logger() *slog.Logger           { return a.logger }

// ImportLexicon loads the configured lexicon file into the store
func (a *App) ImportLexicon(ctx context.Context) error {
	path := a.config.Quality.LexiconFile
	if path == "" {
		return nil
	}
	n, err := quality.ImportLexiconFile(ctx, a.store, path)
	if err != nil {
		return fmt.Errorf("failed to import lexicon: %w", err)
	}
	a.logger.Info("lexicon imported", "file", path, "entries", n)
	return nil
}

// Run starts the scheduler and metrics server and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreach",
		"storage", a.config.Storage.Path,
		"schedule", a.config.Delivery.Schedule,
		"accounts", a.router.Accounts(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.ImportLexicon(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)

	if a.config.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector = metrics.NewCollector(m, a.store, a.config.Storage.Path, a.config.Metrics.CollectInterval)
		a.collector.Start(ctx)

		a.metricsServer = metrics.NewServer(m, a.config.Metrics.ListenAddr, a.config.Metrics.Path,
			a.config.Metrics.AllowedIPs, a.logger.With("component", "metrics"))
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	a.scheduler = delivery.NewScheduler(a.processor, a.config.Delivery.Schedule, a.logger.With("component", "scheduler"))
	if err := a.scheduler.Start(ctx); err != nil {
		a.scheduler = nil
		a.Shutdown(context.Background())
		return err
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops background components and closes the store
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop scheduling first; an in-flight batch releases its claims
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	err := a.Close()
	a.logger.Info("shutdown complete")
	return err
}

// Close persists rate limit counters and closes the store
func (a *App) Close() error {
	if err := a.rateLimiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
