// ABOUTME: Per-agent circuit breaker with Closed, Open and HalfOpen states.
// ABOUTME: Opens after consecutive failures, admits a single trial after a backoff.

package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the circuit rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Config tunes a Breaker. Zero fields take defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial.
	ResetTimeout time.Duration
	// MaxResetTimeout caps the doubling applied after a failed trial.
	MaxResetTimeout time.Duration
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 10 * time.Second
	DefaultMaxResetTimeout  = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.MaxResetTimeout < c.ResetTimeout {
		c.MaxResetTimeout = max(DefaultMaxResetTimeout, c.ResetTimeout)
	}
	return c
}

// Breaker tracks the health of one agent.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	backoff       time.Duration
	trialInFlight bool

	onChange func(from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers a callback run after every transition. It is
// called without the breaker's lock held.
func OnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		cfg:     cfg,
		now:     time.Now,
		backoff: cfg.ResetTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ticket identifies one admitted call. Its outcome is reported back
// through Success, Failure or Release.
type Ticket struct {
	trial bool
}

// Trial reports whether the ticket is the single half-open trial.
func (t Ticket) Trial() bool { return t.trial }

// Allow reports whether a call may proceed. In HalfOpen exactly one caller
// is admitted, holding the trial ticket, until it reports back.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return Ticket{}, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.backoff {
			b.mu.Unlock()
			return Ticket{}, ErrOpen
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return Ticket{trial: true}, nil
	default: // StateHalfOpen
		if b.trialInFlight {
			b.mu.Unlock()
			return Ticket{}, ErrOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return Ticket{trial: true}, nil
	}
}

// Success records a successful call. While HalfOpen only the trial's
// success closes the circuit; calls admitted earlier change nothing.
func (b *Breaker) Success(t Ticket) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if t.trial {
			b.state = StateClosed
			b.failures = 0
			b.trialInFlight = false
			b.backoff = b.cfg.ResetTimeout
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// Failure records a failed call. While HalfOpen only the trial's failure
// reopens the circuit.
func (b *Breaker) Failure(t Ticket) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		if t.trial {
			b.backoff = min(b.backoff*2, b.cfg.MaxResetTimeout)
			b.open()
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// Release gives back a trial slot without judging the agent, for calls
// that ended for reasons unrelated to its health (e.g. cancellation).
func (b *Breaker) Release(t Ticket) {
	b.mu.Lock()
	if b.state == StateHalfOpen && t.trial {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// open must be called with mu held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.trialInFlight = false
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current state. An open circuit whose backoff elapsed
// still reports Open until a caller runs the trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Backoff returns the open duration applied at the next opening.
func (b *Breaker) Backoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff
}
