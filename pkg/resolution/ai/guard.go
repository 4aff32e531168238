package ai

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
)

const (
	DefaultRatePerSecond = 10
	DefaultBurst         = 10
	DefaultCallTimeout   = 30 * time.Second
)

// Observer is notified after every attempt made through a Guard.
type Observer interface {
	ObserveAICall(ctx context.Context, task TaskKind, elapsed time.Duration, err error)
}

// Guard wraps a Client with a token-bucket rate limit, a per-call timeout
// and retries for retryable error codes. It is safe for concurrent use.
type Guard struct {
	inner    Client
	limiter  *rate.Limiter
	timeout  time.Duration
	policy   fderrors.RetryPolicy
	observer Observer
	logger   logging.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithRate sets the limiter. A non-positive rate disables limiting.
func WithRate(perSecond float64, burst int) GuardOption {
	return func(g *Guard) {
		if perSecond <= 0 {
			g.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p fderrors.RetryPolicy) GuardOption {
	return func(g *Guard) { g.policy = p }
}

// WithObserver registers a call observer.
func WithObserver(o Observer) GuardOption {
	return func(g *Guard) { g.observer = o }
}

// WithGuardLogger sets the logger.
func WithGuardLogger(l logging.Logger) GuardOption {
	return func(g *Guard) {
		if l != nil {
			g.logger = l.With(logging.F("component", "ai_guard"))
		}
	}
}

// withSleep replaces the backoff sleep, for tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) GuardOption {
	return func(g *Guard) { g.sleep = fn }
}

// NewGuard wraps inner.
func NewGuard(inner Client, opts ...GuardOption) *Guard {
	g := &Guard{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(DefaultRatePerSecond), DefaultBurst),
		timeout: DefaultCallTimeout,
		policy:  fderrors.DefaultRetryPolicy(),
		logger:  logging.NewNopLogger(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Classify implements Client.
func (g *Guard) Classify(ctx context.Context, req Request) (*ClassifyResponse, error) {
	req.Task = TaskClassify
	return call(ctx, g, req, g.inner.Classify)
}

// Extract implements Client.
func (g *Guard) Extract(ctx context.Context, req Request) (*ExtractResponse, error) {
	req.Task = TaskExtract
	return call(ctx, g, req, g.inner.Extract)
}

func call[T any](ctx context.Context, g *Guard, req Request, fn func(context.Context, Request) (*T, error)) (*T, error) {
	stage := "ai_" + string(req.Task)
	for attempt := 0; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fderrors.ClassifyError(err, stage)
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := fn(callCtx, req)
		cancel()
		if g.observer != nil {
			g.observer.ObserveAICall(ctx, req.Task, time.Since(start), err)
		}
		if err == nil {
			return resp, nil
		}

		rerr := fderrors.ClassifyError(err, stage)
		if ctx.Err() != nil {
			return nil, rerr
		}
		decision := g.policy.DecideRetry(rerr, attempt)
		if !decision.ShouldRetry {
			g.logger.Warn("AI call failed",
				logging.F("message_id", req.MessageID),
				logging.F("task", string(req.Task)),
				logging.F("attempt", attempt+1),
				logging.F("reason", decision.Reason),
				logging.Err(rerr))
			return nil, rerr
		}

		g.logger.Debug("Retrying AI call",
			logging.F("message_id", req.MessageID),
			logging.F("task", string(req.Task)),
			logging.F("attempt", attempt+1),
			logging.F("backoff", decision.BackoffDuration),
			logging.F("code", string(rerr.Code)))
		if err := g.sleep(ctx, decision.BackoffDuration); err != nil {
			return nil, fderrors.ClassifyError(err, stage)
		}
	}
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
