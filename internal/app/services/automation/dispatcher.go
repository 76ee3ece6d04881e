package automation

import (
	"context"
	"sync"

	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/metrics"
	"github.com/daygent/daygent/internal/app/services/issues"
	"github.com/daygent/daygent/internal/app/system"
	"github.com/daygent/daygent/pkg/logger"
)

// queueSize bounds the dispatcher's pending event queue.
const queueSize = 256

// Dispatcher consumes the issues event feed and runs matching rules on
// a worker goroutine. OfferEvent never blocks: when the queue is full
// the oldest pending event is dropped and counted. Events produced by
// automation itself are filtered out before queueing.
type Dispatcher struct {
	svc   *Service
	log   *logger.Logger
	queue chan issue.Event

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ system.Service   = (*Dispatcher)(nil)
	_ issues.EventSink = (*Dispatcher)(nil)
)

// NewDispatcher constructs a dispatcher over the automation service.
func NewDispatcher(svc *Service, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("automation-dispatcher")
	}
	return &Dispatcher{
		svc:   svc,
		log:   log,
		queue: make(chan issue.Event, queueSize),
	}
}

func (d *Dispatcher) Name() string { return "automation-dispatcher" }

// OfferEvent enqueues an event for rule execution.
func (d *Dispatcher) OfferEvent(ev issue.Event) {
	if ev.Actor == issue.AutomationActor {
		return
	}
	for {
		select {
		case d.queue <- ev:
			return
		default:
		}
		select {
		case dropped := <-d.queue:
			metrics.RecordAutomationDrop()
			d.log.Warnf("automation queue full; dropped %s event for issue %s", dropped.Kind, dropped.IssueID)
		default:
		}
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(runCtx)

	d.log.Info("automation dispatcher started")
	return nil
}

// run executes rules for queued events until the context ends.
func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.svc.RunForEvent(ctx, ev)
		}
	}
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
