package resilience

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/registry-cli/internal/model"
)

// ControllerConfig configures the Rate/Backoff Controller of one source.
type ControllerConfig struct {
	Source model.SourceID

	// RatePerSec is the steady request rate. Zero or negative means unlimited.
	RatePerSec float64
	// Burst is the token bucket size. Default: 1.
	Burst int

	// BackoffBase and BackoffMax bound the failure-driven delay
	// base * 2^consecutive_failures. Defaults: 500ms, 30s.
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFraction float64

	Circuit CircuitBreakerConfig
}

// DefaultControllerConfig returns defaults for source.
func DefaultControllerConfig(source model.SourceID) ControllerConfig {
	return ControllerConfig{
		Source:         source,
		RatePerSec:     1,
		Burst:          1,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		JitterFraction: 0.25,
		Circuit:        DefaultCircuitBreakerConfig(),
	}
}

// Permit authorizes one outbound request.
type Permit struct {
	Source   model.SourceID
	Trial    bool
	IssuedAt time.Time
}

// ControllerState is an observable snapshot of a controller.
type ControllerState struct {
	Source              model.SourceID `json:"source"`
	Circuit             CircuitState   `json:"circuit"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	NextPermitAt        time.Time      `json:"next_permit_at"`
	OpenedAt            time.Time      `json:"opened_at"`
	Trips               int            `json:"trips"`
}

// Controller gates every request to one source. It combines a token bucket,
// an exponential backoff schedule driven by consecutive failures and an
// explicit circuit breaker. It is safe for concurrent use.
type Controller struct {
	cfg     ControllerConfig
	limiter *rate.Limiter
	breaker *CircuitBreaker

	mu       sync.Mutex
	failures int
	nextAt   time.Time

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
	randFunc  func() float64
}

// NewController creates a controller for cfg.Source.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	source := cfg.Source
	userHook := cfg.Circuit.OnStateChange
	cfg.Circuit.OnStateChange = func(from, to CircuitState) {
		zap.L().Info("circuit state change",
			zap.String("source", string(source)),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if userHook != nil {
			userHook(from, to)
		}
	}

	c := &Controller{
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		breaker:   NewCircuitBreaker(cfg.Circuit),
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
		randFunc:  rand.Float64,
	}
	return c
}

// Source returns the source this controller gates.
func (c *Controller) Source() model.SourceID { return c.cfg.Source }

// Acquire blocks until a request may be issued. It fails fast with a
// *SourceUnavailableError while the circuit is open, waits out any pending
// backoff delay, then takes a token from the bucket.
func (c *Controller) Acquire(ctx context.Context) (Permit, error) {
	if err := ctx.Err(); err != nil {
		return Permit{}, err
	}

	trial, retryAt, err := c.breaker.Allow()
	if err != nil {
		return Permit{}, &SourceUnavailableError{Source: c.cfg.Source, RetryAt: retryAt}
	}

	c.mu.Lock()
	wait := c.nextAt.Sub(c.nowFunc())
	c.mu.Unlock()

	if wait > 0 {
		if err := c.sleepFunc(ctx, wait); err != nil {
			if trial {
				c.breaker.Release()
			}
			return Permit{}, err
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if trial {
			c.breaker.Release()
		}
		return Permit{}, err
	}

	return Permit{Source: c.cfg.Source, Trial: trial, IssuedAt: c.nowFunc()}, nil
}

// Report records the outcome of a request issued under a permit.
func (c *Controller) Report(success bool) {
	c.mu.Lock()
	if success {
		c.failures = 0
		c.nextAt = time.Time{}
	} else {
		c.failures++
		c.nextAt = c.nowFunc().Add(c.backoff(c.failures))
	}
	c.mu.Unlock()

	c.breaker.Record(success)
}

// Snapshot returns the externally observable controller state.
func (c *Controller) Snapshot() ControllerState {
	c.mu.Lock()
	failures, next := c.failures, c.nextAt
	c.mu.Unlock()

	_, state := c.breaker.Counters()
	return ControllerState{
		Source:              c.cfg.Source,
		Circuit:             state,
		ConsecutiveFailures: failures,
		NextPermitAt:        next,
		OpenedAt:            c.breaker.OpenedAt(),
		Trips:               c.breaker.Trips(),
	}
}

// Restore seeds the failure counter from a persisted cursor so backoff
// continues where a previous run left off.
func (c *Controller) Restore(consecutiveFailures int) {
	if consecutiveFailures <= 0 {
		return
	}
	c.mu.Lock()
	c.failures = consecutiveFailures
	c.nextAt = c.nowFunc().Add(c.backoff(consecutiveFailures))
	c.mu.Unlock()
}

// backoff returns base * 2^failures with jitter, capped at BackoffMax.
func (c *Controller) backoff(failures int) time.Duration {
	d := computeBackoff(failures, RetryConfig{
		InitialBackoff: c.cfg.BackoffBase,
		MaxBackoff:     c.cfg.BackoffMax,
		Multiplier:     2,
		JitterFraction: c.cfg.JitterFraction,
	}, c.randFunc)
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Controllers holds one controller per source.
type Controllers struct {
	mu          sync.RWMutex
	controllers map[model.SourceID]*Controller
}

// NewControllers creates a registry from the given configs.
func NewControllers(cfgs ...ControllerConfig) *Controllers {
	cs := &Controllers{controllers: make(map[model.SourceID]*Controller, len(cfgs))}
	for _, cfg := range cfgs {
		cs.controllers[cfg.Source] = NewController(cfg)
	}
	return cs
}

// Get returns the controller for source, creating one with defaults if needed.
func (cs *Controllers) Get(source model.SourceID) *Controller {
	cs.mu.RLock()
	c, ok := cs.controllers[source]
	cs.mu.RUnlock()
	if ok {
		return c
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok = cs.controllers[source]; ok {
		return c
	}
	c = NewController(DefaultControllerConfig(source))
	cs.controllers[source] = c
	return c
}

// States returns a snapshot of every controller.
func (cs *Controllers) States() map[model.SourceID]ControllerState {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	states := make(map[model.SourceID]ControllerState, len(cs.controllers))
	for src, c := range cs.controllers {
		states[src] = c.Snapshot()
	}
	return states
}
