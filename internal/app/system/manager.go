package system

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Service is a lifecycle-managed component: background workers, the
// websocket hub, pollers. Start must return promptly (long work goes in a
// goroutine); Stop blocks until the service has drained or ctx expires.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// stopTimeout bounds how long Stop waits for each service.
const stopTimeout = 10 * time.Second

// Manager starts registered services in registration order and stops them in
// reverse. Register must not be called after Start.
type Manager struct {
	mu       sync.Mutex
	services []Service
	names    map[string]bool
	started  bool
}

// NewManager creates an empty service manager.
func NewManager() *Manager {
	return &Manager{names: make(map[string]bool)}
}

// Register adds a service. Names must be unique.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("register nil service")
	}
	name := svc.Name()
	if name == "" {
		return fmt.Errorf("register service with empty name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("register %s: manager already started", name)
	}
	if m.names[name] {
		return fmt.Errorf("register %s: duplicate service name", name)
	}
	m.names[name] = true
	m.services = append(m.services, svc)
	return nil
}

// Start starts all services in registration order. On failure it stops the
// services already started, in reverse order, before returning the error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	services := make([]Service, len(m.services))
	copy(services, m.services)
	m.mu.Unlock()

	for i, svc := range services {
		if err := svc.Start(ctx); err != nil {
			m.stopServices(services[:i])
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop stops all services in reverse registration order. Every service is
// stopped even when earlier ones fail; the first error is returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	services := make([]Service, len(m.services))
	copy(services, m.services)
	m.started = false
	m.mu.Unlock()

	var firstErr error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := svc.Stop(stopCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
		}
		cancel()
	}
	return firstErr
}

func (m *Manager) stopServices(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = services[i].Stop(stopCtx)
		cancel()
	}
}

// NoopService satisfies Service for modules without background work.
type NoopService struct {
	ServiceName string
}

// Name returns the service name.
func (s NoopService) Name() string { return s.ServiceName }

// Start is a no-op.
func (s NoopService) Start(context.Context) error { return nil }

// Stop is a no-op.
func (s NoopService) Stop(context.Context) error { return nil }
