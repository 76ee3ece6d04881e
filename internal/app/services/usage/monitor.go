package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/daygent/daygent/internal/app/system"
	"github.com/daygent/daygent/pkg/logger"
)

const (
	// nightlySpec refreshes current-month summaries while traffic is low.
	nightlySpec = "0 3 * * *"
	// closeoutSpec finalizes the previous month shortly after it ends.
	closeoutSpec = "5 0 1 * *"

	rollupTimeout = 5 * time.Minute
)

// Monitor drives the scheduled usage roll-ups: a nightly refresh of the
// current month and a close-out of the previous month on the first day
// of each new one. The daily counter rows stay the source of truth; the
// monitor only recomputes, logs and caches the aggregates.
type Monitor struct {
	svc *Service
	log *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Monitor)(nil)

func NewMonitor(svc *Service, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewDefault("usage-monitor")
	}
	return &Monitor{svc: svc, log: log}
}

func (m *Monitor) Name() string { return "usage-monitor" }

func (m *Monitor) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(nightlySpec, m.refreshCurrent); err != nil {
		return fmt.Errorf("schedule nightly rollup: %w", err)
	}
	if _, err := c.AddFunc(closeoutSpec, m.closeoutPrevious); err != nil {
		return fmt.Errorf("schedule monthly closeout: %w", err)
	}
	c.Start()
	m.cron = c
	m.running = true

	m.log.Infof("usage monitor started (nightly %q, closeout %q)", nightlySpec, closeoutSpec)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	c := m.cron
	m.cron = nil
	m.running = false
	m.mu.Unlock()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	m.log.Info("usage monitor stopped")
	return nil
}

func (m *Monitor) refreshCurrent() {
	ctx, cancel := context.WithTimeout(context.Background(), rollupTimeout)
	defer cancel()

	if _, err := m.svc.Rollup(ctx, ""); err != nil {
		m.log.WithError(err).Error("nightly usage rollup failed")
	}
}

func (m *Monitor) closeoutPrevious() {
	ctx, cancel := context.WithTimeout(context.Background(), rollupTimeout)
	defer cancel()

	month := previousMonth(m.svc.now().UTC())
	summaries, err := m.svc.Rollup(ctx, month)
	if err != nil {
		m.log.WithError(err).Errorf("closeout rollup for %s failed", month)
		return
	}
	for _, summary := range summaries {
		m.log.Infof("closed out %s for workspace %s: %d requests, %d tokens",
			month, summary.WorkspaceID, summary.RequestCount, summary.TotalTokens())
	}
}

// previousMonth returns the YYYY-MM month before the one containing t.
func previousMonth(t time.Time) string {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 0, -1).Format("2006-01")
}
