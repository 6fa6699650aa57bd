package httpx

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerManager keeps one circuit breaker per upstream host. Breakers
// are created lazily with shared settings; state transitions are logged.
type BreakerManager struct {
	breakers    map[string]*gobreaker.CircuitBreaker
	maxFailures uint32
	resetAfter  time.Duration
	stateHook   func(host string, open bool)
	mutex       sync.RWMutex
}

// BreakerStatus is a point-in-time readout of one host's breaker.
type BreakerStatus struct {
	Host      string           `json:"host"`
	State     string           `json:"state"`
	Counts    gobreaker.Counts `json:"counts"`
	ErrorRate float64          `json:"error_rate"`
}

// NewBreakerManager builds a manager with the given trip policy.
func NewBreakerManager(maxFailures int, resetAfter time.Duration) *BreakerManager {
	if maxFailures < 1 {
		maxFailures = 5
	}
	return &BreakerManager{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		maxFailures: uint32(maxFailures),
		resetAfter:  resetAfter,
	}
}

// SetStateHook registers a callback for circuit state transitions, in
// addition to the logged event.
func (m *BreakerManager) SetStateHook(hook func(host string, open bool)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stateHook = hook
}

// For returns the breaker guarding the given host, creating it on first use.
func (m *BreakerManager) For(host string) *gobreaker.CircuitBreaker {
	m.mutex.RLock()
	cb, ok := m.breakers[host]
	m.mutex.RUnlock()
	if ok {
		return cb
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if cb, ok := m.breakers[host]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     m.resetAfter,
		ReadyToTrip: m.tripCondition(),
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("upstream circuit state changed")
			m.mutex.RLock()
			hook := m.stateHook
			m.mutex.RUnlock()
			if hook != nil {
				hook(name, to == gobreaker.StateOpen)
			}
		},
	}
	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[host] = cb
	return cb
}

func (m *BreakerManager) tripCondition() func(counts gobreaker.Counts) bool {
	maxFailures := m.maxFailures
	return func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= maxFailures {
			return true
		}
		// Error-rate trip needs a minimum sample to avoid flapping.
		if counts.Requests >= 10 {
			errorRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			if errorRate >= 50 {
				return true
			}
		}
		return false
	}
}

// Status returns readouts for every host seen so far.
func (m *BreakerManager) Status() []BreakerStatus {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]BreakerStatus, 0, len(m.breakers))
	for host, cb := range m.breakers {
		counts := cb.Counts()
		var errorRate float64
		if counts.Requests > 0 {
			errorRate = float64(counts.TotalFailures) / float64(counts.Requests) * 100
		}
		out = append(out, BreakerStatus{
			Host:      host,
			State:     cb.State().String(),
			Counts:    counts,
			ErrorRate: errorRate,
		})
	}
	return out
}
