package cachekit

import (
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// ResilienceConfig configures the failsafe-go policies wrapped around
// upstream execution in C6 (§6). Both fields are nil by default, which
// disables resilience entirely.
type ResilienceConfig struct {
	// RetryPolicy governs retries of the upstream round trip. Nil
	// disables retry.
	RetryPolicy retrypolicy.RetryPolicy[*http.Response]

	// CircuitBreaker governs short-circuiting of the upstream round
	// trip after repeated failures. Nil disables the breaker.
	CircuitBreaker circuitbreaker.CircuitBreaker[*http.Response]
}

// RetryPolicyBuilder returns a pre-configured retry policy builder:
// retries network errors and 5xx responses, up to 3 retries, with
// exponential backoff from 100ms to 10s.
func RetryPolicyBuilder() retrypolicy.Builder[*http.Response] {
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(r *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return r != nil && r.StatusCode >= 500
		}).
		WithMaxRetries(3).
		WithBackoff(100*time.Millisecond, 10*time.Second)
}

// CircuitBreakerBuilder returns a pre-configured circuit breaker
// builder: opens after 5 consecutive failures, closes after 2
// consecutive half-open successes, with a 60s open delay.
func CircuitBreakerBuilder() circuitbreaker.Builder[*http.Response] {
	return circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(r *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return r != nil && r.StatusCode >= 500
		}).
		WithFailureThreshold(5).
		WithSuccessThreshold(2).
		WithDelay(60 * time.Second)
}

// executeWithResilience runs fn through the configured failsafe-go
// policies, or calls it directly when rc is nil or carries no policies.
func executeWithResilience(rc *ResilienceConfig, fn func() (*http.Response, error)) (*http.Response, error) {
	if rc == nil {
		return fn()
	}

	var policies []failsafe.Policy[*http.Response]
	if rc.RetryPolicy != nil {
		policies = append(policies, rc.RetryPolicy)
	}
	if rc.CircuitBreaker != nil {
		policies = append(policies, rc.CircuitBreaker)
	}
	if len(policies) == 0 {
		return fn()
	}
	return failsafe.With(policies...).Get(fn)
}
