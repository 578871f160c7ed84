// Package resilience wraps outbound agent calls with a circuit breaker,
// so a misbehaving agent can't be hammered with retries by every
// workstack step that happens to target it.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/repr0bated/agentmesh/meshcore"
)

// CircuitState is the breaker's current posture.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// ErrOpen is returned by Execute when the breaker is open and
// rejecting calls outright.
var ErrOpen = errors.New("circuit breaker open")

// ErrorClassifier decides whether err should count toward the breaker's
// failure threshold. Errors the caller is responsible for (bad
// arguments, not-found) should not trip the breaker.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except InvalidArgument,
// NotFound, and Cancelled — the same exclusions meshcore's error kinds
// mark as caller-caused rather than infrastructure failures.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, meshcore.ErrInvalidArgument) || meshcore.IsNotFound(err) || meshcore.IsCancelled(err) {
		return false
	}
	return true
}

// Config tunes a CircuitBreaker.
type Config struct {
	ErrorThreshold   float64       // fraction of failures in the window that trips the breaker
	VolumeThreshold  int           // minimum calls in the window before ErrorThreshold is evaluated
	WindowSize       time.Duration // window over which the error rate is computed; counts reset once it has elapsed
	SleepWindow      time.Duration // how long the breaker stays open before probing half-open
	HalfOpenRequests int           // concurrent probes allowed while half-open
	Classifier       ErrorClassifier
}

// DefaultConfig mirrors common production defaults: 50% error rate over
// a 10-request minimum volume trips the breaker for 30 seconds.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		WindowSize:       30 * time.Second,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 1,
		Classifier:       DefaultErrorClassifier,
	}
}

type bucket struct {
	successes int64
	failures  int64
}

// CircuitBreaker protects a single downstream dependency (here: one
// AgentExecutor). Safe for concurrent use.
type CircuitBreaker struct {
	cfg    Config
	name   string
	logger meshcore.Logger

	mu              sync.Mutex
	state           CircuitState
	openedAt        time.Time
	window          []bucket
	windowStart     time.Time
	halfOpenInUse   int32
}

// New builds a CircuitBreaker named name (used only in logs).
func New(name string, cfg Config, logger meshcore.Logger) *CircuitBreaker {
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultErrorClassifier
	}
	if logger == nil {
		logger = meshcore.NoOpLogger{}
	}
	return &CircuitBreaker{
		cfg:         cfg,
		name:        name,
		logger:      logger,
		state:       StateClosed,
		windowStart: time.Now(),
		window:      []bucket{{}},
	}
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return meshcore.NewMeshError("CircuitBreaker.Execute", "circuit_breaker", ErrOpen)
	}
	err := fn(ctx)
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.SleepWindow {
			cb.state = StateHalfOpen
			cb.halfOpenInUse = 0
		} else {
			return false
		}
	}

	if cb.state == StateHalfOpen {
		if int(cb.halfOpenInUse) >= cb.cfg.HalfOpenRequests {
			return false
		}
		cb.halfOpenInUse++
	}
	return true
}

func (cb *CircuitBreaker) recordResult(err error) {
	counted := cb.cfg.Classifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rotateWindowLocked()
	current := &cb.window[len(cb.window)-1]
	if counted {
		current.failures++
	} else if err == nil {
		current.successes++
	}

	switch cb.state {
	case StateHalfOpen:
		if counted {
			cb.transitionLocked(StateOpen)
		} else {
			cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		successes, failures := cb.totalsLocked()
		total := successes + failures
		if total >= int64(cb.cfg.VolumeThreshold) && failures > 0 {
			if float64(failures)/float64(total) >= cb.cfg.ErrorThreshold {
				cb.transitionLocked(StateOpen)
			}
		}
	}
}

// rotateWindowLocked drops buckets older than WindowSize. Caller must
// hold cb.mu.
func (cb *CircuitBreaker) rotateWindowLocked() {
	if time.Since(cb.windowStart) > cb.cfg.WindowSize {
		cb.window = []bucket{{}}
		cb.windowStart = time.Now()
	}
}

func (cb *CircuitBreaker) totalsLocked() (successes, failures int64) {
	for _, b := range cb.window {
		successes += b.successes
		failures += b.failures
	}
	return
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	if to == StateClosed {
		cb.window = []bucket{{}}
		cb.windowStart = time.Now()
	}
	cb.logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.name,
		"from": from.String(),
		"to":   to.String(),
	})
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
