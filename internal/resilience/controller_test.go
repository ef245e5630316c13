package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sells-group/registry-cli/internal/model"
)

// newTestController returns a controller with an unlimited bucket, no
// jitter and a fake clock. Sleeps advance the clock and are recorded.
func newTestController(threshold int, cooldown time.Duration) (*Controller, *fakeClock, *[]time.Duration) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var slept []time.Duration

	c := NewController(ControllerConfig{
		Source:      model.SourceRegistryAPI,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
		Circuit:     CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown},
	})
	c.nowFunc = clock.Now
	c.breaker.nowFunc = clock.Now
	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.Advance(d)
		return nil
	}
	c.randFunc = func() float64 { return 0.5 }
	return c, clock, &slept
}

func TestController_AcquireNoDelayWhenHealthy(t *testing.T) {
	c, _, slept := newTestController(5, time.Minute)
	p, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Trial || p.Source != model.SourceRegistryAPI {
		t.Errorf("unexpected permit: %+v", p)
	}
	if len(*slept) != 0 {
		t.Errorf("expected no backoff sleep, got %v", *slept)
	}
}

func TestController_ExponentialBackoff(t *testing.T) {
	c, _, slept := newTestController(10, time.Minute)

	for i := 0; i < 4; i++ {
		if _, err := c.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		c.Report(false)
	}

	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), *slept)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep %d: expected %v, got %v", i, d, (*slept)[i])
		}
	}

	// Fourth failure: 100ms * 2^4 = 1.6s, capped at 1s.
	snap := c.Snapshot()
	if snap.ConsecutiveFailures != 4 {
		t.Errorf("expected 4 failures, got %d", snap.ConsecutiveFailures)
	}
	if _, err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last := (*slept)[len(*slept)-1]; last != time.Second {
		t.Errorf("expected capped backoff of 1s, got %v", last)
	}
}

func TestController_SuccessClearsBackoff(t *testing.T) {
	c, _, slept := newTestController(10, time.Minute)
	_, _ = c.Acquire(context.Background())
	c.Report(false)
	c.Report(true)

	if _, err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("expected no sleep after success, got %v", *slept)
	}
	if c.Snapshot().ConsecutiveFailures != 0 {
		t.Error("expected failures reset")
	}
}

func TestController_FailFastWhenOpen(t *testing.T) {
	c, clock, slept := newTestController(2, time.Minute)
	c.Report(false)
	c.Report(false)

	_, err := c.Acquire(context.Background())
	var su *SourceUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("expected SourceUnavailableError, got %v", err)
	}
	if !su.RetryAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("unexpected retryAt %v", su.RetryAt)
	}
	if len(*slept) != 0 {
		t.Errorf("open circuit must fail fast, slept %v", *slept)
	}
	if c.Snapshot().Circuit != CircuitOpen {
		t.Errorf("expected open circuit, got %s", c.Snapshot().Circuit)
	}
}

func TestController_TrialAfterCooldown(t *testing.T) {
	c, clock, _ := newTestController(1, time.Minute)
	c.Report(false)
	clock.Advance(time.Minute)

	p, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Trial {
		t.Error("expected trial permit")
	}

	// Only one trial may be outstanding.
	if _, err := c.Acquire(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected second acquire to fail fast, got %v", err)
	}

	c.Report(true)
	if c.Snapshot().Circuit != CircuitClosed {
		t.Errorf("expected closed circuit, got %s", c.Snapshot().Circuit)
	}
}

func TestController_CancelledContext(t *testing.T) {
	c, _, _ := newTestController(5, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestController_RestoreSchedulesBackoff(t *testing.T) {
	c, _, slept := newTestController(10, time.Minute)
	c.Restore(2)
	if _, err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 400*time.Millisecond {
		t.Errorf("expected restored 400ms backoff, got %v", *slept)
	}
}

func TestControllers_IndependentSources(t *testing.T) {
	cs := NewControllers(
		ControllerConfig{Source: model.SourceRegistryAPI, Circuit: CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}},
		ControllerConfig{Source: model.SourceScrapeSite, Circuit: CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}},
	)
	cs.Get(model.SourceRegistryAPI).Report(false)

	if _, err := cs.Get(model.SourceRegistryAPI).Acquire(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected registry_api to be unavailable, got %v", err)
	}
	if _, err := cs.Get(model.SourceScrapeSite).Acquire(context.Background()); err != nil {
		t.Errorf("scrape_site must be unaffected, got %v", err)
	}

	states := cs.States()
	if states[model.SourceRegistryAPI].Circuit != CircuitOpen || states[model.SourceScrapeSite].Circuit != CircuitClosed {
		t.Errorf("unexpected states: %+v", states)
	}
	if cs.Get(model.SourceEnrichment) == nil {
		t.Error("expected lazily created controller")
	}
}
