// Package breaker implements named circuit breakers: three-state
// fault isolators that guard risky operations such as remote API
// calls.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the current position of the breaker state machine.
type State int

const (
	// StateClosed allows calls through; failures are counted.
	StateClosed State = iota
	// StateOpen rejects every call until the reset timeout elapses.
	StateOpen
	// StateHalfOpen allows a probe call through after the reset
	// timeout; its outcome decides the next state.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form in snapshots.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the number of non-expected failures that
	// trips the breaker open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before a probe
	// call is allowed through.
	ResetTimeout time.Duration
	// MonitoringPeriod bounds the window over which failures
	// accumulate while closed; older failures age out.
	MonitoringPeriod time.Duration
	// ExpectedErrors are recorded but never counted toward the
	// threshold and never change state. Matched with errors.Is.
	ExpectedErrors []error
}

// DefaultConfig returns the configuration used when a caller passes
// the zero value.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
}

// OpenError is returned when a call is attempted while the breaker is
// open.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("Circuit breaker %s is open", e.Name)
}

// StateChange describes a breaker transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	State           State     `json:"state"`
	SuccessCount    int64     `json:"success_count"`
	FailureCount    int64     `json:"failure_count"`
	TotalRequests   int64     `json:"total_requests"`
	FailureRate     float64   `json:"failure_rate"`
	LastSuccessTime time.Time `json:"last_success_time"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// Breaker is a single named circuit breaker. All methods are safe for
// concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failureCount  int64
	successCount  int64
	totalRequests int64
	lastFailure   time.Time
	lastSuccess   time.Time
	openedAt      time.Time
	windowStart   time.Time

	onStateChange func(StateChange)
}

// New creates a breaker. A zero Config is replaced by DefaultConfig.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = DefaultConfig().MonitoringPeriod
	}
	return &Breaker{
		name:        name,
		cfg:         cfg,
		state:       StateClosed,
		windowStart: time.Now(),
	}
}

// OnStateChange sets a callback invoked after every transition. The
// callback runs outside the breaker's lock.
func (b *Breaker) OnStateChange(fn func(StateChange)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Name returns the breaker's unique name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanProceed reports whether a call would currently be allowed
// through: the state is not open, or it is open but the reset timeout
// has elapsed.
func (b *Breaker) CanProceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return true
	}
	return time.Since(b.openedAt) >= b.cfg.ResetTimeout
}

// Execute guards an operation. While open it rejects immediately with
// an OpenError without invoking the operation; the first call after
// the reset timeout transitions to half-open and is allowed through.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return &OpenError{Name: b.name}
		}
		change := b.transition(StateHalfOpen)
		b.totalRequests++
		b.mu.Unlock()
		b.notify(change)
		return b.settle(op(ctx))
	}
	b.totalRequests++
	b.mu.Unlock()
	return b.settle(op(ctx))
}

// settle updates counters and state from the operation's outcome.
func (b *Breaker) settle(err error) error {
	now := time.Now()

	b.mu.Lock()
	var change *StateChange

	switch {
	case err == nil:
		b.successCount++
		b.lastSuccess = now
		if b.state == StateHalfOpen {
			b.failureCount = 0
			b.windowStart = now
			change = b.transition(StateClosed)
		}
	case b.isExpected(err):
		// Recorded for observability, never counted toward the
		// threshold.
		b.lastFailure = now
	default:
		if b.state == StateClosed && now.Sub(b.windowStart) > b.cfg.MonitoringPeriod {
			b.failureCount = 0
			b.windowStart = now
		}
		b.failureCount++
		b.lastFailure = now
		switch b.state {
		case StateHalfOpen:
			b.openedAt = now
			change = b.transition(StateOpen)
		case StateClosed:
			if b.failureCount >= int64(b.cfg.FailureThreshold) {
				b.openedAt = now
				change = b.transition(StateOpen)
			}
		}
	}
	b.mu.Unlock()

	b.notify(change)
	return err
}

func (b *Breaker) isExpected(err error) bool {
	for _, expected := range b.cfg.ExpectedErrors {
		if errors.Is(err, expected) {
			return true
		}
	}
	return false
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) *StateChange {
	from := b.state
	b.state = to
	return &StateChange{Name: b.name, From: from, To: to, At: time.Now()}
}

func (b *Breaker) notify(change *StateChange) {
	if change == nil {
		return
	}
	b.mu.Lock()
	fn := b.onStateChange
	b.mu.Unlock()
	if fn != nil {
		fn(*change)
	}
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 0.0
	if b.totalRequests > 0 {
		rate = float64(b.failureCount) / float64(b.totalRequests)
	}
	return Stats{
		State:           b.state,
		SuccessCount:    b.successCount,
		FailureCount:    b.failureCount,
		TotalRequests:   b.totalRequests,
		FailureRate:     rate,
		LastSuccessTime: b.lastSuccess,
		LastFailureTime: b.lastFailure,
	}
}

// Reset forces the breaker closed and zeroes its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var change *StateChange
	if b.state != StateClosed {
		change = b.transition(StateClosed)
	}
	b.failureCount = 0
	b.successCount = 0
	b.totalRequests = 0
	b.windowStart = time.Now()
	b.mu.Unlock()
	b.notify(change)
}

// Open forces the breaker open; the reset timeout starts now.
func (b *Breaker) Open() {
	b.mu.Lock()
	var change *StateChange
	if b.state != StateOpen {
		change = b.transition(StateOpen)
	}
	b.openedAt = time.Now()
	b.mu.Unlock()
	b.notify(change)
}
