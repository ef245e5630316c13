package resilience

import (
	"time"

	"github.com/sells-group/registry-cli/internal/model"
)

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, cooldownSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return cfg
}

// FromControllerConfig converts config values to a ControllerConfig.
func FromControllerConfig(source model.SourceID, ratePerSec float64, burst, backoffBaseMs, backoffMaxMs int, jitterFraction float64, circuit CircuitBreakerConfig) ControllerConfig {
	cfg := DefaultControllerConfig(source)
	cfg.RatePerSec = ratePerSec
	if burst > 0 {
		cfg.Burst = burst
	}
	if backoffBaseMs > 0 {
		cfg.BackoffBase = time.Duration(backoffBaseMs) * time.Millisecond
	}
	if backoffMaxMs > 0 {
		cfg.BackoffMax = time.Duration(backoffMaxMs) * time.Millisecond
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	cfg.Circuit = circuit
	return cfg
}
