package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
)

// ErrOpen is returned when a guarded boundary is cooling down after a trip.
var ErrOpen = errors.New("circuit breaker open")

// Policy is the retry and breaker contract shared by every external call.
type Policy struct {
	Name           string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Timeout        time.Duration // per attempt, 0 means no limit
	TripThreshold  uint32
	CoolDown       time.Duration
}

// FromConfig converts a config block into a Policy.
func FromConfig(name string, c config.Policy) Policy {
	return Policy{
		Name:           name,
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMs) * time.Millisecond,
		Multiplier:     c.Multiplier,
		Timeout:        time.Duration(c.TimeoutMs) * time.Millisecond,
		TripThreshold:  uint32(c.TripThreshold),
		CoolDown:       time.Duration(c.CoolDownSecs) * time.Second,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p Policy) schedule(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Retry runs op until it succeeds, returns a Permanent error, exhausts the
// attempt budget or ctx ends. Every attempt gets its own timeout.
func (p Policy) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	start := time.Now()
	err := backoff.RetryNotify(func() error {
		attempt++
		actx, cancel := p.attemptContext(ctx)
		defer cancel()
		return op(actx)
	}, p.schedule(ctx), func(err error, wait time.Duration) {
		observ.Warn("retry_scheduled", map[string]any{
			"boundary": p.Name,
			"attempt":  attempt,
			"wait_ms":  wait.Milliseconds(),
			"error":    err.Error(),
		})
		observ.IncCounter("retry_attempts_total", map[string]string{"boundary": p.Name})
	})
	observ.RecordDuration("external_call", time.Since(start), map[string]string{
		"boundary": p.Name,
		"result":   result(err),
	})
	return err
}

func (p Policy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// Guard pairs a Policy with a consecutive-failure breaker.
type Guard struct {
	policy Policy
	cb     *gobreaker.TwoStepCircuitBreaker
}

// NewGuard builds a guard. onTrip, when set, is called on every breaker
// state change.
func NewGuard(p Policy, onChange func(name string, from, to gobreaker.State)) *Guard {
	threshold := p.TripThreshold
	if threshold == 0 {
		threshold = 1
	}
	settings := gobreaker.Settings{
		Name:        p.Name,
		MaxRequests: 1,
		Timeout:     p.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observ.Warn("breaker_state_changed", map[string]any{
				"boundary": name,
				"from":     from.String(),
				"to":       to.String(),
			})
			observ.SetGauge("breaker_open", boolGauge(to == gobreaker.StateOpen), map[string]string{"boundary": name})
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	}
	return &Guard{policy: p, cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Policy returns the guard's retry policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Do runs op under the breaker and the retry policy. One exhausted call
// counts as one failure; caller cancellation and benign errors do not.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	done, err := g.cb.Allow()
	if err != nil {
		return fmt.Errorf("%s: %w", g.policy.Name, ErrOpen)
	}
	err = g.policy.Retry(ctx, op)
	done(err == nil || errors.Is(err, context.Canceled) || isBenign(err))
	return err
}

// benign errors describe the request, not the boundary's health, e.g. an
// unknown symbol.
type benign interface {
	Benign() bool
}

func isBenign(err error) bool {
	var b benign
	return errors.As(err, &b) && b.Benign()
}

// Retry runs op under the retry policy only, bypassing the breaker gate.
func (g *Guard) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	return g.policy.Retry(ctx, op)
}

// Open reports whether the breaker currently rejects calls.
func (g *Guard) Open() bool {
	return g.cb.State() == gobreaker.StateOpen
}

// State returns the breaker state name.
func (g *Guard) State() string {
	return g.cb.State().String()
}

// ConsecutiveFailures returns the current failure run.
func (g *Guard) ConsecutiveFailures() uint32 {
	return g.cb.Counts().ConsecutiveFailures
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
