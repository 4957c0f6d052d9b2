package unit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/npsd/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Policy configures retries and timeouts for one unit.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	// Default: 2 seconds
	InitialDelay time.Duration

	// Multiplier grows the delay after each retry.
	// Default: 2
	Multiplier float64

	// MaxDelay caps any single delay.
	// Default: 60 seconds
	MaxDelay time.Duration

	// Jitter randomizes each delay by ±Jitter of its value (0 disables).
	Jitter float64

	// AttemptTimeout bounds each attempt. Exceeding it is a transient timeout.
	// Default: 60 seconds
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the standard unit policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialDelay:   2 * time.Second,
		Multiplier:     2,
		MaxDelay:       60 * time.Second,
		Jitter:         0.5,
		AttemptTimeout: 60 * time.Second,
	}
}

// withDefaults fills unset timing fields. MaxRetries is left as given so a
// zero-retry policy stays expressible.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Func performs one attempt of a unit's work.
type Func func(ctx context.Context) (any, error)

// Recorder observes unit execution.
type Recorder interface {
	UnitAttempt(id ID, kind Kind)
	UnitFinished(id ID, out Outcome, elapsed time.Duration)
}

// Executor runs units under a Policy. It never panics and never returns an
// error: every call ends in an Outcome.
type Executor struct {
	logger   *logging.Logger
	limiter  *rate.Limiter
	recorder Recorder
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithLimiter gates every attempt on a shared rate limiter. A finite limiter
// with a zero burst would reject every Wait, so its burst is raised to 1.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Executor) {
		if l != nil && l.Limit() != rate.Inf && l.Burst() < 1 {
			l.SetBurst(1)
		}
		e.limiter = l
	}
}

// WithRecorder reports attempts and outcomes.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{logger: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs fn until it succeeds, fails permanently, or exhausts
// p.MaxRetries. Transient failures are retried with exponential backoff.
func (e *Executor) Execute(ctx context.Context, id ID, p Policy, fn Func) (out Outcome) {
	start := time.Now()
	ctx = logging.WithUnit(ctx, string(id))
	if e.recorder != nil {
		defer func() { e.recorder.UnitFinished(id, out, time.Since(start)) }()
	}

	p = p.withDefaults()
	b := p.backOff()

	for attempt := 0; ; attempt++ {
		payload, err := e.attempt(ctx, p, fn)
		if err == nil {
			if e.recorder != nil {
				e.recorder.UnitAttempt(id, "")
			}
			if attempt > 0 {
				e.logger.Info(ctx, "unit recovered after retries", zap.Int("retries", attempt))
			}
			return Success(id, payload)
		}

		kind := Classify(err)
		if ctx.Err() != nil {
			kind = KindCancelled
		}
		if e.recorder != nil {
			e.recorder.UnitAttempt(id, kind)
		}

		if !kind.Transient() {
			e.logger.Warn(ctx, "unit failed permanently",
				zap.String("kind", string(kind)),
				zap.Int("retries", attempt),
				zap.Error(err),
			)
			return Fail(id, kind, failureMessage(err), attempt)
		}
		if attempt >= p.MaxRetries {
			e.logger.Warn(ctx, "unit exhausted retries",
				zap.String("kind", string(kind)),
				zap.Int("retries", attempt),
				zap.Error(err),
			)
			return Fail(id, kind, failureMessage(err), attempt)
		}

		delay := b.NextBackOff()
		e.logger.Debug(ctx, "retrying unit after transient failure",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.MaxRetries+1),
			zap.String("kind", string(kind)),
			zap.Duration("backoff", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Fail(id, KindCancelled, fmt.Sprintf("cancelled while waiting to retry: %v", err), attempt)
		case <-timer.C:
		}
	}
}

type attemptResult struct {
	payload any
	err     error
}

// attempt runs fn once under the attempt timeout. A panic in fn is
// converted to an internal failure; a fn that ignores its context is
// abandoned when the timeout fires.
func (e *Executor) attempt(ctx context.Context, p Policy, fn Func) (any, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, Transient(fmt.Errorf("rate limiter: %w", err))
		}
	}

	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: Permanent(KindInternal, fmt.Errorf("panic: %v", r))}
			}
		}()
		v, err := fn(actx)
		done <- attemptResult{payload: v, err: err}
	}()

	select {
	case r := <-done:
		return r.payload, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindTimeout, Err: fmt.Errorf("attempt exceeded %s: %w", p.AttemptTimeout, context.DeadlineExceeded)}
	}
}

// failureMessage drops the kind prefix of a unit Error; the kind is
// recorded separately on the Failure.
func failureMessage(err error) string {
	var ue *Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err.Error()
	}
	return err.Error()
}

// IsKind reports whether err is a unit Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == kind
}
