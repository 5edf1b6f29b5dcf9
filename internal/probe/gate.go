package probe

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/basket/go-keepalive/internal/otel"
	"github.com/basket/go-keepalive/internal/shared"
)

const (
	defaultMaxConcurrent = 10
	defaultMinInterval   = 500 * time.Millisecond
	defaultRetryMargin   = 5 * time.Second

	// A rate-limited call is attempted at most twice.
	maxAttempts = 2
)

type GateConfig struct {
	MaxConcurrent int
	MinInterval   time.Duration
	RetryMargin   time.Duration
	Logger        *slog.Logger
	Metrics       *otel.Metrics
}

// Gate wraps a Client with the global concurrency and rate bounds. One Gate
// is shared by every task in the process.
type Gate struct {
	client  Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	margin  time.Duration
	logger  *slog.Logger
	metrics *otel.Metrics
}

func NewGate(client Client, cfg GateConfig) *Gate {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.RetryMargin < 0 {
		cfg.RetryMargin = defaultRetryMargin
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Gate{
		client:  client,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter: rate.NewLimiter(limit, 1),
		margin:  cfg.RetryMargin,
		logger:  cfg.Logger.With("component", "probe_gate"),
		metrics: cfg.Metrics,
	}
}

// Validate confirms credential is usable and returns the owning account.
func (g *Gate) Validate(ctx context.Context, credential string) (AccountInfo, error) {
	var info AccountInfo
	err := g.do(ctx, "validate", func(ctx context.Context) error {
		var err error
		info, err = g.client.Validate(ctx, credential)
		return err
	})
	if err != nil {
		return AccountInfo{}, err
	}
	return info, nil
}

// Heartbeat issues the liveness check for credential.
func (g *Gate) Heartbeat(ctx context.Context, credential string) (bool, error) {
	var ok bool
	err := g.do(ctx, "heartbeat", func(ctx context.Context) error {
		var err error
		ok, err = g.client.Heartbeat(ctx, credential)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *Gate) do(ctx context.Context, op string, call func(context.Context) error) error {
	return retry.Do(
		func() error { return g.admit(ctx, op, call) },
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			_, ok := IsRateLimited(err)
			return ok
		}),
		retry.DelayType(func(_ uint, err error, _ *retry.Config) time.Duration {
			rl, _ := IsRateLimited(err)
			if rl == nil {
				return g.margin
			}
			return rl.RetryAfter + g.margin
		}),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= maxAttempts {
				return
			}
			rl, _ := IsRateLimited(err)
			g.logger.Warn("probe rate limited, retrying once",
				"op", op,
				"task_id", shared.TaskID(ctx),
				"account_id", shared.AccountID(ctx),
				"retry_after", rl.RetryAfter.String(),
				"margin", g.margin.String())
			g.metrics.RateLimitRetry(ctx, op)
		}),
	)
}

// admit takes a concurrency slot, waits for the shared limiter and runs call.
// Both waits honour ctx.
func (g *Gate) admit(ctx context.Context, op string, call func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := call(ctx)
	g.metrics.ObserveProbe(ctx, op, time.Since(start), err)
	if err != nil && !errors.Is(err, ErrInvalidCredential) {
		g.logger.Debug("probe call failed", "op", op, "task_id", shared.TaskID(ctx), "error", err)
	}
	return err
}
