// Package circuitbreaker implements per-route circuit breakers with
// failure-rate and slow-call-rate tripping over count or time windows.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/portcullis-proxy/portcullis/internal/config"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Decision is the admission verdict for one call.
type Decision struct {
	Admitted bool
	State    State
	// RetryIn is the remaining open interval when denied in Open.
	RetryIn time.Duration
}

// Breaker guards one route. All state transitions happen inside the mutex;
// the critical section does counter math only, never I/O.
type Breaker struct {
	mu    sync.Mutex
	state State
	win   window

	failureRateThreshold float64
	slowRateThreshold    float64
	slowCallDuration     time.Duration
	minCalls             int
	halfOpenPermits      int
	waitInOpen           time.Duration

	openedAt time.Time

	permitsLeft       int
	halfOpenSuccesses int

	totalRejected atomic.Int64

	now          func() time.Time
	onTransition func(to State)
}

// New creates a breaker from configuration.
func New(cfg config.BreakerConfig) *Breaker {
	b := &Breaker{
		state:                StateClosed,
		failureRateThreshold: cfg.FailureRateThreshold,
		slowRateThreshold:    cfg.SlowRateThreshold,
		slowCallDuration:     cfg.SlowCallDuration,
		minCalls:             cfg.MinCalls,
		halfOpenPermits:      cfg.HalfOpenPermits,
		waitInOpen:           cfg.WaitInOpen,
		now:                  time.Now,
	}
	if b.failureRateThreshold <= 0 {
		b.failureRateThreshold = 0.5
	}
	if b.slowRateThreshold <= 0 {
		b.slowRateThreshold = 1.0
	}
	if b.slowCallDuration <= 0 {
		b.slowCallDuration = 2 * time.Second
	}
	if b.minCalls <= 0 {
		b.minCalls = 10
	}
	if b.halfOpenPermits <= 0 {
		b.halfOpenPermits = 3
	}
	if b.waitInOpen <= 0 {
		b.waitInOpen = 30 * time.Second
	}

	size := cfg.WindowSize
	if size <= 0 {
		size = 100
	}
	if cfg.WindowType == "time" {
		b.win = newTimeWindow(size, nil)
	} else {
		b.win = newCountWindow(size)
	}
	return b
}

// OnTransition registers a callback invoked (outside the lock) after each
// state change.
func (b *Breaker) OnTransition(fn func(to State)) {
	b.onTransition = fn
}

// Allow decides whether a call may proceed. Half-open permits are consumed
// on admission and never refunded; each permit covers exactly one call.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return Decision{Admitted: true, State: StateClosed}

	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.waitInOpen {
			b.totalRejected.Add(1)
			b.mu.Unlock()
			return Decision{State: StateOpen, RetryIn: b.waitInOpen - elapsed}
		}
		b.transition(StateHalfOpen)
		b.permitsLeft--
		b.mu.Unlock()
		b.notify(StateHalfOpen)
		return Decision{Admitted: true, State: StateHalfOpen}

	default: // StateHalfOpen
		if b.permitsLeft > 0 {
			b.permitsLeft--
			b.mu.Unlock()
			return Decision{Admitted: true, State: StateHalfOpen}
		}
		b.totalRejected.Add(1)
		b.mu.Unlock()
		return Decision{State: StateHalfOpen}
	}
}

// Record reports a completed call. failed marks calls that errored or timed
// out; duration past the slow-call threshold marks the call slow.
func (b *Breaker) Record(duration time.Duration, failed bool) {
	slow := duration >= b.slowCallDuration

	b.mu.Lock()
	var fired State = -1

	switch b.state {
	case StateClosed:
		b.win.add(failed, slow)
		total, nfailed, nslow := b.win.totals()
		if total >= b.minCalls {
			failureRate := float64(nfailed) / float64(total)
			slowRate := float64(nslow) / float64(total)
			if failureRate > b.failureRateThreshold || slowRate > b.slowRateThreshold {
				b.transition(StateOpen)
				fired = StateOpen
			}
		}

	case StateHalfOpen:
		if failed {
			b.transition(StateOpen)
			fired = StateOpen
		} else {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.halfOpenPermits {
				b.transition(StateClosed)
				fired = StateClosed
			}
		}

	case StateOpen:
		// Late completion from before the trip; nothing to record.
	}

	b.mu.Unlock()
	if fired >= 0 {
		b.notify(fired)
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateHalfOpen:
		b.permitsLeft = b.halfOpenPermits
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.win.reset()
	}
}

func (b *Breaker) notify(to State) {
	if b.onTransition != nil {
		b.onTransition(to)
	}
}

// State returns the current state, honoring open-interval expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view for the admin plane.
type Snapshot struct {
	State            string  `json:"state"`
	WindowTotal      int     `json:"window_total"`
	WindowFailed     int     `json:"window_failed"`
	WindowSlow       int     `json:"window_slow"`
	FailureRate      float64 `json:"failure_rate"`
	SlowRate         float64 `json:"slow_rate"`
	PermitsRemaining int     `json:"permits_remaining"`
	TotalRejected    int64   `json:"total_rejected"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, failed, slow := b.win.totals()
	s := Snapshot{
		State:            b.state.String(),
		WindowTotal:      total,
		WindowFailed:     failed,
		WindowSlow:       slow,
		PermitsRemaining: b.permitsLeft,
		TotalRejected:    b.totalRejected.Load(),
	}
	if total > 0 {
		s.FailureRate = float64(failed) / float64(total)
		s.SlowRate = float64(slow) / float64(total)
	}
	return s
}
