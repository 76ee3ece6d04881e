package llmproxy

import (
	"sync"
	"time"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// breaker is a per-key circuit breaker. After failureThreshold consecutive
// failures the circuit opens for cooldown; the first call after that runs as
// a half-open probe, and its outcome closes or reopens the circuit.
type breaker struct {
	failureThreshold int
	cooldown         time.Duration

	mu          sync.Mutex
	state       circuitState
	failures    int
	lastFailure time.Time
}

func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitOpen:
		if now.Sub(b.lastFailure) >= b.cooldown {
			b.state = circuitHalfOpen
			return true
		}
		return false
	case circuitHalfOpen:
		// Probe in flight.
		return false
	default:
		return true
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = circuitClosed
	b.failures = 0
}

func (b *breaker) failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = now
	if b.state == circuitHalfOpen {
		b.state = circuitOpen
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = circuitOpen
	}
}

// breakerSet lazily allocates one breaker per provider key.
type breakerSet struct {
	failureThreshold int
	cooldown         time.Duration

	mu  sync.Mutex
	all map[string]*breaker
}

func newBreakerSet(failureThreshold int, cooldown time.Duration) *breakerSet {
	return &breakerSet{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		all:              make(map[string]*breaker),
	}
}

func (s *breakerSet) get(keyID string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.all[keyID]
	if !ok {
		b = &breaker{failureThreshold: s.failureThreshold, cooldown: s.cooldown}
		s.all[keyID] = b
	}
	return b
}
