// Package ratelimit enforces hourly and daily send caps per sending account.
// Counters survive restarts through a bbolt bucket.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Config contains per-account caps
type Config struct {
	// Accounts maps an email account id to its caps
	Accounts map[string]LimitConfig

	// Default applies to accounts without an entry; nil means unlimited
	Default *LimitConfig

	FlushInterval time.Duration
}

// LimitConfig contains cap values; zero disables a window
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

func (c LimitConfig) unlimited() bool {
	return c.MessagesPerHour <= 0 && c.MessagesPerDay <= 0
}

// Counter tracks sends of one account
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Result contains the cap check result
type Result struct {
	Allowed    bool
	Window     string // "hour" or "day" when denied
	RetryAfter time.Duration
}

// Stats contains the current counters of an account
type Stats struct {
	Account     string
	HourlyCount int
	DailyCount  int
}

// Limiter enforces account send caps
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter
	now      func() time.Time
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter and loads persisted counters
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Allow reports whether account may send one more email and, if so,
// counts it
func (l *Limiter) Allow(ctx context.Context, account string) (*Result, error) {
	limit, ok := l.limitFor(account)
	if !ok {
		return &Result{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	counter := l.counters[account]
	if counter == nil {
		counter = &Counter{HourStart: now, DayStart: now}
		l.counters[account] = counter
	}
	resetExpired(counter, now)

	if result := deny(limit, counter.HourlyCount, counter.DailyCount, counter, now); result != nil {
		return result, nil
	}

	counter.HourlyCount++
	counter.DailyCount++
	return &Result{Allowed: true}, nil
}

// Record counts one completed send without checking the caps. Paired with
// Check it counts only sends that actually happened.
func (l *Limiter) Record(ctx context.Context, account string) error {
	if _, ok := l.limitFor(account); !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	counter := l.counters[account]
	if counter == nil {
		counter = &Counter{HourStart: now, DayStart: now}
		l.counters[account] = counter
	}
	resetExpired(counter, now)

	counter.HourlyCount++
	counter.DailyCount++
	return nil
}

// Check reports whether account may send without counting
func (l *Limiter) Check(ctx context.Context, account string) (*Result, error) {
	limit, ok := l.limitFor(account)
	if !ok {
		return &Result{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	counter := l.counters[account]
	if counter == nil {
		return &Result{Allowed: true}, nil
	}

	now := l.now()
	hourly, daily := counter.HourlyCount, counter.DailyCount
	if now.Sub(counter.HourStart) >= time.Hour {
		hourly = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		daily = 0
	}

	if result := deny(limit, hourly, daily, counter, now); result != nil {
		return result, nil
	}
	return &Result{Allowed: true}, nil
}

// GetStats returns the current counters of account
func (l *Limiter) GetStats(ctx context.Context, account string) *Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{Account: account}
	counter := l.counters[account]
	if counter == nil {
		return stats
	}

	now := l.now()
	if now.Sub(counter.HourStart) < time.Hour {
		stats.HourlyCount = counter.HourlyCount
	}
	if now.Sub(counter.DayStart) < 24*time.Hour {
		stats.DailyCount = counter.DailyCount
	}
	return stats
}

// Stop stops background persistence and flushes counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

func (l *Limiter) limitFor(account string) (LimitConfig, bool) {
	if limit, ok := l.config.Accounts[account]; ok {
		return limit, !limit.unlimited()
	}
	if l.config.Default != nil {
		return *l.config.Default, !l.config.Default.unlimited()
	}
	return LimitConfig{}, false
}

func deny(limit LimitConfig, hourly, daily int, counter *Counter, now time.Time) *Result {
	if limit.MessagesPerHour > 0 && hourly >= limit.MessagesPerHour {
		return &Result{Window: "hour", RetryAfter: counter.HourStart.Add(time.Hour).Sub(now)}
	}
	if limit.MessagesPerDay > 0 && daily >= limit.MessagesPerDay {
		return &Result{Window: "day", RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now)}
	}
	return nil
}

func resetExpired(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	snapshot := make(map[string][]byte, len(l.counters))
	for key, counter := range l.counters {
		data, err := json.Marshal(counter)
		if err != nil {
			continue
		}
		snapshot[key] = data
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		for key, data := range snapshot {
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}
