package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sells-group/registry-cli/internal/model"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), nil, DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), nil, fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), nil, fastRetry(3), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("still down"), 502)
	})
	if !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ParseErrorNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), nil, fastRetry(5), func(_ context.Context) error {
		calls++
		return &ParseError{URL: "u", Anchor: "table.tt"}
	})
	if !IsParseError(err) {
		t.Errorf("expected parse error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoVal_ReportsToController(t *testing.T) {
	c, _, slept := newTestController(10, time.Minute)
	var calls int
	val, err := DoVal(context.Background(), c, fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("429"), 429)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" {
		t.Errorf("expected ok, got %q", val)
	}
	// The controller paces the retry: one failure means one 200ms wait.
	if len(*slept) != 1 || (*slept)[0] != 200*time.Millisecond {
		t.Errorf("expected controller backoff of 200ms, got %v", *slept)
	}
	if c.Snapshot().ConsecutiveFailures != 0 {
		t.Error("expected success to reset controller failures")
	}
}

func TestDo_StopsWhenCircuitOpens(t *testing.T) {
	c, _, _ := newTestController(2, time.Minute)
	var calls int
	err := Do(context.Background(), c, fastRetry(5), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("503"), 503)
	})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable once the circuit opens, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls before the circuit opened, got %d", calls)
	}
}

func TestDo_CountsAsFailureOverride(t *testing.T) {
	c, _, _ := newTestController(1, time.Minute)
	notFound := errors.New("404")
	cfg := fastRetry(1)
	cfg.CountsAsFailure = func(err error) bool { return !errors.Is(err, notFound) }

	_ = Do(context.Background(), c, cfg, func(_ context.Context) error { return notFound })
	if c.Snapshot().Circuit != CircuitClosed {
		t.Error("client errors must not trip the circuit")
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, nil, fastRetry(5), func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("503"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancellation, got %d", calls)
	}
}

func TestComputeBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	mid := func() float64 { return 0.5 }
	if got := computeBackoff(0, cfg, mid); got != 100*time.Millisecond {
		t.Errorf("attempt 0: got %v", got)
	}
	if got := computeBackoff(3, cfg, mid); got != 800*time.Millisecond {
		t.Errorf("attempt 3: got %v", got)
	}
	if got := computeBackoff(10, cfg, mid); got != time.Second {
		t.Errorf("attempt 10: expected cap, got %v", got)
	}

	cfg.JitterFraction = 0.5
	high := func() float64 { return 1 }
	if got := computeBackoff(0, cfg, high); got != 150*time.Millisecond {
		t.Errorf("expected +50%% jitter, got %v", got)
	}
}

func TestFromControllerConfig(t *testing.T) {
	cfg := FromControllerConfig(model.SourceScrapeSite, 2, 3, 250, 5000, 0.1, FromCircuitConfig(4, 90))
	if cfg.Source != model.SourceScrapeSite || cfg.Burst != 3 || cfg.BackoffBase != 250*time.Millisecond {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Circuit.FailureThreshold != 4 || cfg.Circuit.Cooldown != 90*time.Second {
		t.Errorf("unexpected circuit config: %+v", cfg.Circuit)
	}
	r := FromRetryConfig(5, 10, 20, 0)
	if r.MaxAttempts != 5 || r.InitialBackoff != 10*time.Millisecond || r.JitterFraction != 0 {
		t.Errorf("unexpected retry config: %+v", r)
	}
}
