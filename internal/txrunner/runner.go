// Package txrunner executes units of work inside serializable transactions
// and re-runs them from scratch when the store reports a serialization
// conflict.
package txrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/teamforge/internal/repository"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 40 * time.Millisecond
	DefaultJitter      = 25 * time.Millisecond
)

// ErrRetryExhausted is returned once every attempt ended in a serialization
// conflict. It wraps the last conflict and is safe for the original caller
// to retry.
var ErrRetryExhausted = errors.New("txrunner: retry attempts exhausted")

// Policy controls how conflicts are retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

// DefaultPolicy returns the 3 attempts / 40ms / 25ms policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay, Jitter: DefaultJitter}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns how long to wait after the given failed attempt (1-based):
// BaseDelay*attempt plus a random value in [0, Jitter).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(attempt)
	if p.Jitter > 0 {
		d += rand.N(p.Jitter)
	}
	return d
}

// Runner retries conflicting transactions on a Transactor.
type Runner struct {
	tx      repository.Transactor
	policy  Policy
	logger  *slog.Logger
	metrics *Metrics
}

// Option customises a Runner.
type Option func(*Runner)

// WithPolicy overrides the retry policy.
func WithPolicy(p Policy) Option {
	return func(r *Runner) {
		r.policy = p.normalized()
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records attempts, conflicts and exhaustion.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// New constructs a Runner over tx.
func New(tx repository.Transactor, opts ...Option) *Runner {
	r := &Runner{
		tx:     tx,
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy reports the effective retry policy.
func (r *Runner) Policy() Policy {
	return r.policy
}

// Do runs fn in a fresh transaction per attempt. Only errors matching
// repository.ErrSerialization are retried; anything else, domain errors
// included, is returned unchanged on first occurrence.
func (r *Runner) Do(ctx context.Context, op string, fn func(ctx context.Context, store repository.Store) error) error {
	var attempt atomic.Int64
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		n := int(attempt.Load())
		if n >= r.policy.MaxAttempts {
			return 0, true
		}
		return r.policy.Delay(n), false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		n := attempt.Add(1)
		r.metrics.observeAttempt(op)
		err := r.tx.WithinTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrSerialization) {
			r.metrics.observeConflict(op)
			r.logger.Debug("transaction conflict", "op", op, "attempt", n, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && errors.Is(err, repository.ErrSerialization) {
		r.metrics.observeExhausted(op)
		r.logger.Warn("transaction retries exhausted", "op", op, "attempts", attempt.Load(), "error", err)
		return fmt.Errorf("%s: %w: %w", op, ErrRetryExhausted, err)
	}
	return err
}

// Run is Do for units of work that produce a value. The value of the last,
// committed attempt is returned.
func Run[T any](ctx context.Context, r *Runner, op string, fn func(ctx context.Context, store repository.Store) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, op, func(ctx context.Context, store repository.Store) error {
		v, err := fn(ctx, store)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
