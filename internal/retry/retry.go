// Package retry runs an operation with bounded exponential backoff, gated by
// the error classifier's disposition.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/roelfdiedericks/chatstream/internal/llm"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	. "github.com/roelfdiedericks/chatstream/internal/metrics"
)

// ErrCancelled may be returned by an operation to report cancellation explicitly.
var ErrCancelled = errors.New("operation cancelled")

// JitterFraction bounds jitter to [0, JitterFraction * exponential delay).
const JitterFraction = 0.25

// Config controls retry behavior. It is plain data.
type Config struct {
	MaxRetries          int                 `yaml:"maxRetries" json:"maxRetries"`
	BaseDelay           time.Duration       `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay            time.Duration       `yaml:"maxDelay" json:"maxDelay"`
	BackoffMultiplier   float64             `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	RetryableCategories []llm.ErrorCategory `yaml:"retryableCategories" json:"retryableCategories"`
}

// DefaultConfig returns 3 retries starting at 1s, doubling, capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		RetryableCategories: []llm.ErrorCategory{
			llm.CategoryNetwork,
			llm.CategoryRateLimit,
			llm.CategoryServerError,
			llm.CategoryTimeout,
		},
	}
}

// WithDefaults fills unset fields from DefaultConfig. A fully zero Config
// becomes DefaultConfig; otherwise MaxRetries is kept as given, so 0 means
// no retries, and an empty non-nil RetryableCategories retries nothing.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries == 0 && c.BaseDelay == 0 && c.MaxDelay == 0 &&
		c.BackoffMultiplier == 0 && c.RetryableCategories == nil {
		return def
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.RetryableCategories == nil {
		c.RetryableCategories = def.RetryableCategories
	}
	return c
}

// WithMaxRetries returns a copy with a different retry budget.
func (c Config) WithMaxRetries(n int) Config {
	c.MaxRetries = max(n, 0)
	c.RetryableCategories = slices.Clone(c.RetryableCategories)
	return c
}

func (c Config) retries(category llm.ErrorCategory) bool {
	return slices.Contains(c.RetryableCategories, category)
}

// Delay returns a jittered delay for retry n (0-indexed).
func (c Config) Delay(n int) time.Duration {
	return computeBackoff(c, n, rand.Float64()) //nolint:gosec // non-cryptographic jitter is intentional
}

// computeBackoff returns min(base * mult^n + jitter, max) with
// jitter = r * JitterFraction * base * mult^n and r in [0, 1).
func computeBackoff(c Config, n int, r float64) time.Duration {
	mult := c.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	exp := float64(c.BaseDelay) * math.Pow(mult, float64(n))
	delay := exp + exp*JitterFraction*r
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// Attempt describes a scheduled retry, reported before the delay starts.
type Attempt struct {
	Attempt        int // 1 for the first retry
	Delay          time.Duration
	Classification llm.ErrorClassification
}

// Observer is notified before each retry delay (e.g. for a countdown).
type Observer func(Attempt)

// Result is the terminal record of one retried operation.
type Result[T any] struct {
	Success        bool
	Data           T
	Error          *llm.ErrorClassification
	Attempts       int
	ShouldFallback bool
	Cancelled      bool
}

// sleep waits for d or until ctx is done. Replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs op until it succeeds, fails with a non-retryable category, or
// the retry budget is spent. Cancellation is reported as Result.Cancelled and
// never retried.
func Execute[T any](ctx context.Context, op func(ctx context.Context, attempt int) (T, error), cfg Config, observer Observer) Result[T] {
	var res Result[T]

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res
		}

		res.Attempts = attempt + 1
		data, err := op(ctx, attempt)
		if err == nil {
			res.Success = true
			res.Data = data
			res.Error = nil
			res.ShouldFallback = false
			if attempt > 0 {
				MetricOutcome("retry", "execute", "recovered")
			}
			return res
		}

		if ctx.Err() != nil || errors.Is(err, ErrCancelled) {
			L_debug("retry: operation cancelled", "attempt", attempt+1)
			res.Cancelled = true
			res.Error = nil
			res.ShouldFallback = false
			return res
		}

		c := llm.Classify(err)
		res.Error = &c
		res.ShouldFallback = c.ShouldFallback
		MetricError("retry", "attempt", string(c.Category))

		if !c.IsRetryable || !cfg.retries(c.Category) {
			L_debug("retry: not retryable", "category", c.Category, "attempt", attempt+1, "error", c.Message)
			return res
		}
		if attempt >= cfg.MaxRetries {
			L_warn("retry: attempts exhausted", "category", c.Category, "attempts", attempt+1, "error", c.Message)
			MetricOutcome("retry", "execute", "exhausted")
			return res
		}

		delay := cfg.Delay(attempt)
		L_info("retry: scheduling retry",
			"attempt", attempt+1,
			"maxRetries", cfg.MaxRetries,
			"category", c.Category,
			"delay", delay.Round(time.Millisecond))
		if observer != nil {
			observer(Attempt{Attempt: attempt + 1, Delay: delay, Classification: c})
		}

		if err := sleep(ctx, delay); err != nil {
			res.Cancelled = true
			res.Error = nil
			res.ShouldFallback = false
			return res
		}
	}
}
