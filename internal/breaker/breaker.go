package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/voxstack/api-gateway/internal/domain"
	gwerrors "github.com/voxstack/api-gateway/internal/errors"
	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/pkg/logger"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - calls pass through, failures are counted
	StateClosed State = iota
	// StateOpen - calls are rejected without invoking the wrapped function
	StateOpen
	// StateHalfOpen - probe calls are allowed to test recovery
	StateHalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the immutable settings of one breaker
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	CallTimeout      time.Duration
	MonitoringPeriod time.Duration
}

// DefaultConfig returns the defaults used when a key is created implicitly
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		CallTimeout:      30 * time.Second,
		MonitoringPeriod: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = def.MonitoringPeriod
	}
	return c
}

// FromDomain converts the breaker configuration section, filling defaults
func FromDomain(bc domain.BreakerConfig) Config {
	return Config{
		FailureThreshold: bc.FailureThreshold,
		RecoveryTimeout:  bc.RecoveryTimeout,
		SuccessThreshold: bc.SuccessThreshold,
		CallTimeout:      bc.CallTimeout,
		MonitoringPeriod: bc.MonitoringPeriod,
	}.withDefaults()
}

// Stats is a read-only snapshot of a breaker's counters
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
	NextAttemptTime time.Time `json:"next_attempt_time"`
}

// CircuitBreaker guards one logical downstream target. All counter updates
// happen before any error is returned, so shared state stays consistent even
// when the caller ignores the result.
type CircuitBreaker struct {
	name   string
	config Config
	bus    *events.Bus
	logger *logger.Logger
	clock  func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	lastFailureTime time.Time
	lastSuccessTime time.Time
	nextAttemptTime time.Time
}

// New creates a breaker in the closed state
func New(name string, config Config, bus *events.Bus, log *logger.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		bus:    bus,
		logger: log.BreakerLogger(name),
		clock:  time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn under the breaker. While open it fails fast with a
// circuit-open error without invoking fn. The call is bounded by the
// per-call timeout: the context passed to fn is cancelled at the deadline
// and a stuck fn cannot block the caller past it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	var callErr error
	select {
	case callErr = <-done:
	case <-callCtx.Done():
		// The in-flight work is abandoned; its context is already cancelled.
		if ctx.Err() != nil {
			callErr = ctx.Err()
		} else {
			callErr = gwerrors.NewCallTimeoutError(cb.name, cb.config.CallTimeout)
		}
	}

	if callErr != nil {
		cb.onFailure()
		return callErr
	}
	cb.onSuccess()
	return nil
}

// beforeCall counts the request and enforces the open-state short circuit
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	cb.totalRequests++

	if cb.state == StateOpen {
		if cb.clock().Before(cb.nextAttemptTime) {
			cb.mu.Unlock()
			cb.bus.Publish(events.Event{
				Type:    events.BreakerRequestRejected,
				Service: cb.name,
			})
			return gwerrors.NewCircuitOpenError(cb.name)
		}
		// Recovery timeout elapsed: let this call through as a probe.
		cb.transitionLocked(StateHalfOpen)
		cb.successCount = 0
	}
	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	cb.totalSuccesses++
	cb.lastSuccessTime = cb.clock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			cb.transitionLocked(StateClosed)
		}
	}
	cb.mu.Unlock()

	cb.bus.Publish(events.Event{Type: events.BreakerRequestSucceeded, Service: cb.name})
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	cb.totalFailures++
	cb.lastFailureTime = cb.clock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.nextAttemptTime = cb.clock().Add(cb.config.RecoveryTimeout)
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.nextAttemptTime = cb.clock().Add(cb.config.RecoveryTimeout)
		cb.successCount = 0
		cb.transitionLocked(StateOpen)
	}
	cb.mu.Unlock()

	cb.bus.Publish(events.Event{Type: events.BreakerRequestFailed, Service: cb.name})
}

// transitionLocked changes state and emits the change; callers hold cb.mu
func (cb *CircuitBreaker) transitionLocked(next State) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next

	cb.logger.WithField("from", prev.String()).
		WithField("to", next.String()).
		WithField("failure_count", cb.failureCount).
		Info("Circuit breaker state changed")

	cb.bus.Publish(events.Event{
		Type:    events.BreakerStateChanged,
		Service: cb.name,
		Detail: map[string]interface{}{
			"from": prev.String(),
			"to":   next.String(),
		},
	})
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		LastFailureTime: cb.lastFailureTime,
		LastSuccessTime: cb.lastSuccessTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
}

// Reset forces the breaker closed with zero counters (administrative override)
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextAttemptTime = time.Time{}
	cb.transitionLocked(StateClosed)
	cb.mu.Unlock()

	cb.logger.Info("Circuit breaker reset to closed state")
}
