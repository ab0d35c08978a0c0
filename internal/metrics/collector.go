package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

// StatsProvider reports stored email counts per status
type StatsProvider interface {
	EmailStats(ctx context.Context) (map[models.EmailStatus]int64, error)
}

// trackedStatuses are always exported, even when zero
var trackedStatuses = []models.EmailStatus{
	models.StatusDraft,
	models.StatusScheduled,
	models.StatusSending,
	models.StatusSent,
	models.StatusFailed,
	models.StatusOpened,
	models.StatusClicked,
	models.StatusReplied,
	models.StatusBounced,
}

// Collector periodically refreshes gauges derived from the store and the process
type Collector struct {
	metrics     *Metrics
	stats       StatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new gauge collector
func NewCollector(m *Metrics, stats StatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		metrics:     m,
		stats:       stats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins periodic collection
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect refreshes all gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats == nil {
		return
	}
	stats, err := c.stats.EmailStats(ctx)
	if err != nil {
		return
	}
	for _, status := range trackedStatuses {
		c.metrics.EmailsByStatus.WithLabelValues(string(status)).Set(float64(stats[status]))
	}
}
