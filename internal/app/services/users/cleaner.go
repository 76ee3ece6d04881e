package users

import (
	"context"
	"sync"
	"time"

	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/internal/app/system"
	"github.com/daygent/daygent/pkg/logger"
)

// SessionCleaner prunes expired session rows on an hourly cadence so the
// table does not accumulate dead weight between restarts.
type SessionCleaner struct {
	sessions storage.SessionStore
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*SessionCleaner)(nil)

// NewSessionCleaner constructs the cleaner with its default hourly interval.
func NewSessionCleaner(sessions storage.SessionStore, log *logger.Logger) *SessionCleaner {
	if log == nil {
		log = logger.NewDefault("session-cleaner")
	}
	return &SessionCleaner{sessions: sessions, interval: time.Hour, log: log}
}

func (c *SessionCleaner) Name() string { return "session-cleaner" }

func (c *SessionCleaner) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.tick(runCtx)
			}
		}
	}()

	c.log.Info("session cleaner started")
	return nil
}

func (c *SessionCleaner) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (c *SessionCleaner) tick(ctx context.Context) {
	removed, err := c.sessions.DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		c.log.WithError(err).Warn("session cleanup failed")
		return
	}
	if removed > 0 {
		c.log.Infof("pruned %d expired sessions", removed)
	}
}
