package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/roelfdiedericks/chatstream/internal/llm"
)

var errNetwork = fmt.Errorf("dial: %w", syscall.ECONNREFUSED)

// fakeSleep records requested delays and returns immediately.
func fakeSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var mu sync.Mutex
	var delays []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return &delays
}

func TestComputeBackoff(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		n    int
		r    float64
		want time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, 2 * time.Second},
		{2, 0, 4 * time.Second},
		{0, 0.5, 1125 * time.Millisecond},
		{1, 0.5, 2250 * time.Millisecond},
		{10, 0, 30 * time.Second}, // capped
	}
	for _, tt := range tests {
		got := computeBackoff(cfg, tt.n, tt.r)
		if got.Round(time.Microsecond) != tt.want {
			t.Errorf("computeBackoff(n=%d, r=%v) = %v, want %v", tt.n, tt.r, got, tt.want)
		}
	}
}

func TestAlwaysFailingNetworkMakesFourAttempts(t *testing.T) {
	delays := fakeSleep(t)

	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BaseDelay = 1000 * time.Millisecond
	cfg.BackoffMultiplier = 2

	var observed []Attempt
	calls := 0
	res := Execute(context.Background(), func(ctx context.Context, attempt int) (string, error) {
		calls++
		return "", errNetwork
	}, cfg, func(a Attempt) { observed = append(observed, a) })

	if calls != 4 || res.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got calls=%d attempts=%d", calls, res.Attempts)
	}
	if res.Success || res.Cancelled {
		t.Fatalf("expected plain failure, got %+v", res)
	}
	if res.Error == nil || res.Error.Category != llm.CategoryNetwork || !res.ShouldFallback {
		t.Fatalf("expected network classification with fallback, got %+v", res.Error)
	}
	if len(*delays) != 3 || len(observed) != 3 {
		t.Fatalf("expected 3 delays, got %d (observed %d)", len(*delays), len(observed))
	}
	for n, d := range *delays {
		lo := time.Duration(1<<n) * 1000 * time.Millisecond
		hi := time.Duration(1<<n) * 1250 * time.Millisecond
		if d < lo || d > hi {
			t.Errorf("delay %d = %v, want within [%v, %v]", n, d, lo, hi)
		}
		if observed[n].Delay != d || observed[n].Attempt != n+1 {
			t.Errorf("observer saw %+v for delay %v", observed[n], d)
		}
	}
}

func TestRealDelaysWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BaseDelay = 20 * time.Millisecond

	var stamps []time.Time
	Execute(context.Background(), func(ctx context.Context, attempt int) (int, error) {
		stamps = append(stamps, time.Now())
		return 0, errNetwork
	}, cfg, nil)

	if len(stamps) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(stamps))
	}
	for n := 1; n < len(stamps); n++ {
		gap := stamps[n].Sub(stamps[n-1])
		lo := time.Duration(1<<(n-1)) * 20 * time.Millisecond
		hi := time.Duration(1<<(n-1))*25*time.Millisecond + 50*time.Millisecond // scheduler slack
		if gap < lo || gap > hi {
			t.Errorf("gap %d = %v, want within [%v, %v]", n, gap, lo, hi)
		}
	}
}

func TestSuccessAfterRetry(t *testing.T) {
	fakeSleep(t)
	res := Execute(context.Background(), func(ctx context.Context, attempt int) (string, error) {
		if attempt < 2 {
			return "", &llm.ProviderError{Provider: "openai", StatusCode: 503, Message: "unavailable"}
		}
		return "done", nil
	}, DefaultConfig(), nil)

	if !res.Success || res.Data != "done" || res.Attempts != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Error != nil {
		t.Errorf("success must clear error, got %+v", res.Error)
	}
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	fakeSleep(t)
	tests := []struct {
		name     string
		err      error
		fallback bool
	}{
		{"configuration", fmt.Errorf("x: %w", llm.ErrNotConfigured), false},
		{"unknown", errors.New("mystery failure"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			res := Execute(context.Background(), func(ctx context.Context, attempt int) (int, error) {
				calls++
				return 0, tt.err
			}, DefaultConfig(), nil)
			if calls != 1 || res.Attempts != 1 {
				t.Errorf("expected a single attempt, got %d", calls)
			}
			if res.ShouldFallback != tt.fallback {
				t.Errorf("ShouldFallback = %v, want %v", res.ShouldFallback, tt.fallback)
			}
		})
	}
}

func TestCategoryGate(t *testing.T) {
	fakeSleep(t)
	cfg := DefaultConfig()
	cfg.RetryableCategories = []llm.ErrorCategory{llm.CategoryRateLimit}

	calls := 0
	Execute(context.Background(), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errNetwork
	}, cfg, nil)
	if calls != 1 {
		t.Errorf("network not in retryable categories, expected 1 call, got %d", calls)
	}
}

func TestCancellationIsDistinct(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := Execute(ctx, func(ctx context.Context, attempt int) (int, error) {
		calls++
		cancel()
		return 0, ctx.Err()
	}, DefaultConfig(), nil)

	if !res.Cancelled || res.Error != nil || res.ShouldFallback {
		t.Fatalf("expected clean cancellation, got %+v", res)
	}
	if calls != 1 {
		t.Errorf("cancellation must not be retried, got %d calls", calls)
	}
}

func TestExplicitCancelError(t *testing.T) {
	res := Execute(context.Background(), func(ctx context.Context, attempt int) (int, error) {
		return 0, fmt.Errorf("stream: %w", ErrCancelled)
	}, DefaultConfig(), nil)
	if !res.Cancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
}

func TestCancelDuringDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	var res Result[int]
	done := make(chan struct{})
	go func() {
		res = Execute(ctx, func(ctx context.Context, attempt int) (int, error) {
			return 0, errNetwork
		}, cfg, func(Attempt) { cancel() })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	if !res.Cancelled || res.Attempts != 1 {
		t.Errorf("expected cancellation after first attempt, got %+v", res)
	}
}

func TestWithMaxRetriesCopies(t *testing.T) {
	base := DefaultConfig()
	capped := base.WithMaxRetries(2)
	capped.RetryableCategories[0] = llm.CategoryUnknown

	if base.MaxRetries != 3 || capped.MaxRetries != 2 {
		t.Errorf("unexpected retries base=%d capped=%d", base.MaxRetries, capped.MaxRetries)
	}
	if base.RetryableCategories[0] != llm.CategoryNetwork {
		t.Error("WithMaxRetries must not alias categories")
	}
	if base.WithMaxRetries(-1).MaxRetries != 0 {
		t.Error("negative retries clamp to zero")
	}
}

func TestWithDefaults(t *testing.T) {
	if got := (Config{}).WithDefaults(); got.MaxRetries != 3 || got.BaseDelay != time.Second {
		t.Errorf("zero config = %+v, want DefaultConfig", got)
	}

	got := Config{MaxRetries: 1, BaseDelay: 5 * time.Millisecond}.WithDefaults()
	if got.MaxRetries != 1 || got.BaseDelay != 5*time.Millisecond {
		t.Errorf("set fields changed: %+v", got)
	}
	if got.MaxDelay != 30*time.Second || got.BackoffMultiplier != 2 || len(got.RetryableCategories) != 4 {
		t.Errorf("unset fields not filled: %+v", got)
	}

	none := Config{BaseDelay: time.Millisecond, RetryableCategories: []llm.ErrorCategory{}}.WithDefaults()
	if none.MaxRetries != 0 || len(none.RetryableCategories) != 0 {
		t.Errorf("explicit empty budget overridden: %+v", none)
	}
}
