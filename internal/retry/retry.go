package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds how many attempts are made and how the delay grows between
// them. RateLimitDelay is the floor applied after an explicit rate-limit
// signal, which indicates a quota window rather than a momentary blip.
type Policy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxDelay       time.Duration `yaml:"max_delay"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BaseDelay:      time.Second,
		RateLimitDelay: 5 * time.Second,
		Multiplier:     2.0,
		MaxDelay:       30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.RateLimitDelay < p.BaseDelay {
		p.RateLimitDelay = p.BaseDelay
	}
	if p.Multiplier < 1.5 {
		p.Multiplier = 1.5
	}
	if p.MaxDelay < p.RateLimitDelay {
		p.MaxDelay = p.RateLimitDelay
	}
	return p
}

// Gate is waited on before every attempt. throttle.Gate satisfies it.
type Gate interface {
	Wait(ctx context.Context) error
}

// ExhaustedError is returned once the attempt budget is used up.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: all %d attempts failed: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Executor runs remote calls with classification-driven exponential backoff.
type Executor struct {
	name   string
	policy Policy
	gate   Gate
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

type Option func(*Executor)

// WithGate makes every attempt pass through g before the call is issued.
func WithGate(g Gate) Option {
	return func(e *Executor) {
		e.gate = g
	}
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(name string, p Policy, opts ...Option) *Executor {
	e := &Executor{
		name:   name,
		policy: p.normalized(),
		sleep:  sleepCtx,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name identifies the executor in logs and errors.
func (e *Executor) Name() string { return e.name }

// Policy returns the effective (normalized) policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do invokes fn until it succeeds, fails permanently, the context ends or the
// attempt budget is exhausted. Failures are never swallowed.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := e.policy.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.gate != nil {
			if err := e.gate.Wait(ctx); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.Debug("remote call recovered", "executor", e.name, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		class := Classify(err)
		switch class {
		case ClassCanceled:
			return err
		case ClassPermanent:
			return err
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		wait := delay
		if class == ClassRateLimited && wait < e.policy.RateLimitDelay {
			wait = e.policy.RateLimitDelay
		}
		if hint := retryAfter(err); hint > wait {
			wait = hint
		}
		if wait > e.policy.MaxDelay {
			wait = e.policy.MaxDelay
		}

		e.logger.Warn("remote call failed, backing off",
			"executor", e.name,
			"attempt", attempt,
			"class", class.String(),
			"delay", wait,
			"error", err,
		)

		if err := e.sleep(ctx, wait); err != nil {
			return err
		}

		delay = time.Duration(float64(wait) * e.policy.Multiplier)
		if delay > e.policy.MaxDelay {
			delay = e.policy.MaxDelay
		}
	}

	return &ExhaustedError{Name: e.name, Attempts: e.policy.MaxAttempts, Err: lastErr}
}

// Call is the value-returning form of Executor.Do.
func Call[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
