// Package retry drives a send operation through a bounded number of attempts
// with monotonic backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/pkg/ctxlog"
	"github.com/jonboulle/clockwork"
)

// Config contains retry configuration.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 400 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         time.Second,
	}
}

// Attempt describes the attempt being made.
type Attempt struct {
	Number      int
	MaxAttempts int
}

// Result summarizes a run.
type Result struct {
	// Status is the final status. ERROR_RETRIES_EXHAUSTED when every attempt
	// failed with a retryable status.
	Status domain.Status
	// Last is the status reported by the last attempt.
	Last     domain.Status
	Attempts int
}

// SendFunc performs one attempt.
type SendFunc[T any] func(ctx context.Context, attempt Attempt) (T, domain.Status, error)

// Driver runs send operations with retries.
type Driver struct {
	cfg    Config
	clock  clockwork.Clock
	jitter func(limit time.Duration) time.Duration
}

// NewDriver creates a driver. Invalid values fall back to DefaultConfig.
func NewDriver(cfg Config, clock clockwork.Clock) *Driver {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff < 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Driver{
		cfg:    cfg,
		clock:  clock,
		jitter: randomJitter,
	}
}

// MaxAttempts returns the attempt budget.
func (d *Driver) MaxAttempts() int {
	return d.cfg.MaxAttempts
}

// Backoff returns the delay after the given failed attempt, without jitter.
func (d *Driver) Backoff(attempt int) time.Duration {
	backoff := float64(d.cfg.InitialBackoff) * math.Pow(d.cfg.Multiplier, float64(attempt-1))
	if backoff > float64(d.cfg.MaxBackoff) {
		return d.cfg.MaxBackoff
	}
	return time.Duration(backoff)
}

func (d *Driver) delay(attempt int, prev time.Duration) time.Duration {
	delay := d.Backoff(attempt)
	if d.cfg.Jitter > 0 {
		delay += d.jitter(d.cfg.Jitter)
	}
	return max(prev, delay)
}

func randomJitter(limit time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(limit)))
}

// Run calls send until it succeeds, fails with a non-retryable status, or
// the attempt budget is spent. Delays between attempts never decrease.
func Run[T any](ctx context.Context, d *Driver, send SendFunc[T]) (T, Result, error) {
	var (
		zero T
		prev time.Duration
		res  Result
	)
	logger := ctxlog.FromContext(ctx)

	for n := 1; ; n++ {
		value, status, err := send(ctx, Attempt{Number: n, MaxAttempts: d.cfg.MaxAttempts})
		res.Attempts = n
		res.Last = status

		if status == domain.StatusSuccess {
			res.Status = status
			return value, res, nil
		}

		if !classify(status, err) {
			res.Status = status
			return zero, res, terminalError(ErrTerminal, status, err)
		}

		if n >= d.cfg.MaxAttempts {
			res.Status = domain.StatusErrorRetriesExhausted
			logger.Warn("giving up after retries",
				"attempts", n,
				"last_status", status,
				"error", err,
			)
			return zero, res, terminalError(ErrRetriesExhausted, status, err)
		}

		prev = d.delay(n, prev)
		logger.Debug("send failed, retrying",
			"attempt", n,
			"max_attempts", d.cfg.MaxAttempts,
			"status", status,
			"backoff", prev,
			"error", err,
		)

		select {
		case <-d.clock.After(prev):
		case <-ctx.Done():
			res.Status = status
			return zero, res, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}
}

// Do is Run for operations that only report a status.
func Do(ctx context.Context, d *Driver, send func(ctx context.Context, attempt Attempt) (domain.Status, error)) (Result, error) {
	_, res, err := Run(ctx, d, func(ctx context.Context, attempt Attempt) (struct{}, domain.Status, error) {
		status, err := send(ctx, attempt)
		return struct{}{}, status, err
	})
	return res, err
}

func terminalError(kind error, status domain.Status, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", kind, status)
	}
	return fmt.Errorf("%w: %s: %w", kind, status, err)
}
