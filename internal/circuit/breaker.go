// Package circuit guards remote store calls with per-operation-class circuit
// breakers so a failing store is rejected fast instead of being hammered.
package circuit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	coorderr "github.com/pipecoord/pipecoord/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit breaker is closed, requests pass through
	StateClosed State = iota
	// StateOpen - circuit breaker is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit breaker allows a single probe to test recovery
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Operation classes. Each class gets its own breaker instance so a failing
// write path does not blind the read path.
const (
	ClassRead   = "read"
	ClassWrite  = "write"
	ClassStream = "stream"
)

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker trips open.
	FailureThreshold int `yaml:"failure_threshold"`

	// OpenTimeout is the cool-down after tripping before a probe is allowed.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// OnStateChange is called when state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Breaker implements the circuit breaker pattern for one operation class.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	counts  Counts
	expiry  time.Time
	probing bool
}

// NewBreaker creates a new circuit breaker instance
func NewBreaker(name string, config Config, logger *zap.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// Execute runs fn if the breaker allows it. When the breaker is open and the
// cool-down has not elapsed, it returns CIRCUIT_OPEN without invoking fn.
// The lock is held only around local bookkeeping, never across fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

// beforeRequest is called before executing the request
func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	switch state {
	case StateOpen:
		return coorderr.NewError(coorderr.ErrCodeCircuitOpen,
			"breaker is open, call short-circuited").
			WithComponent("circuit").WithOperation(b.name)
	case StateHalfOpen:
		// Exactly one probe is allowed through.
		if b.probing {
			return coorderr.NewError(coorderr.ErrCodeCircuitOpen,
				"probe already in flight").
				WithComponent("circuit").WithOperation(b.name)
		}
		b.probing = true
	}

	b.counts.Requests++
	return nil
}

// afterRequest is called after executing the request
func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if countsAsFailure(err) {
		b.onFailure(state, now)
	} else {
		b.onSuccess(state, now)
	}
}

// countsAsFailure reports whether err indicates a store health problem.
// Lookup and caller errors come back from a healthy store and must not
// trip the breaker.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if coorderr.IsNotFound(err) ||
		coorderr.IsCode(err, coorderr.ErrCodeInvalidArgument) ||
		coorderr.IsCode(err, coorderr.ErrCodeCorruptPayload) {
		return false
	}
	return true
}

// onSuccess handles successful requests
func (b *Breaker) onSuccess(state State, now time.Time) {
	b.counts.TotalSuccesses++
	b.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen {
		b.probing = false
		b.setState(StateClosed, now)
	}
}

// onFailure handles failed requests
func (b *Breaker) onFailure(state State, now time.Time) {
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++

	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= uint32(b.config.FailureThreshold) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// Failed probe: back to open, cool-down restarts.
		b.probing = false
		b.setState(StateOpen, now)
	}
}

// currentState returns the state of the breaker, transitioning an expired
// open breaker to half-open. Caller must hold b.mu.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && b.expiry.Before(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState changes the state of the breaker. Caller must hold b.mu.
func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state

	switch state {
	case StateClosed:
		b.counts.ConsecutiveFailures = 0
	case StateOpen:
		b.expiry = now.Add(b.config.OpenTimeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	b.logger.Info("breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()))

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// GetState returns the current state of the breaker.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// GetCounts returns a copy of the current counts
func (b *Breaker) GetCounts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset resets the breaker to its initial state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts = Counts{}
	b.probing = false
	b.setState(StateClosed, time.Now())
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

// Manager holds one breaker per operation class.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	logger   *zap.Logger
}

// NewManager creates a manager with breakers for the standard operation
// classes.
func NewManager(config Config, logger *zap.Logger) *Manager {
	m := &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
	for _, class := range []string{ClassRead, ClassWrite, ClassStream} {
		m.breakers[class] = NewBreaker(class, config, logger)
	}
	return m
}

// GetBreaker gets or creates the breaker for the given operation class.
func (m *Manager) GetBreaker(class string) *Breaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[class]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check in case another goroutine created it
	if breaker, exists := m.breakers[class]; exists {
		return breaker
	}

	breaker := NewBreaker(class, m.config, m.logger)
	m.breakers[class] = breaker
	return breaker
}

// States returns the current state of every breaker, keyed by class.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	states := make(map[string]string, len(breakers))
	for _, breaker := range breakers {
		states[breaker.Name()] = breaker.GetState().String()
	}
	return states
}

// ResetAll resets all breakers.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	for _, breaker := range breakers {
		breaker.Reset()
	}
}
