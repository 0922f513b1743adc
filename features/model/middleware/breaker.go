package middleware

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/swarmlab/overseer/runtime/model"
)

type (
	// BreakerOptions tunes the circuit breaker.
	BreakerOptions struct {
		// Name identifies the breaker in state-change callbacks. Defaults
		// to "model".
		Name string
		// OpenTimeout is how long the breaker stays open before probing.
		// Defaults to 30 seconds.
		OpenTimeout time.Duration
		// ConsecutiveFailures trips the breaker. Defaults to 5.
		ConsecutiveFailures uint32
		// OnStateChange is invoked on breaker state transitions.
		OnStateChange func(name string, from, to gobreaker.State)
	}

	breakerClient struct {
		next model.Client
		cb   *gobreaker.CircuitBreaker
	}
)

// Breaker wraps a model.Client with a circuit breaker so a provider brownout
// fails fast instead of piling up blocked agent runs.
func Breaker(opts BreakerOptions) model.Middleware {
	name := opts.Name
	if name == "" {
		name = "model"
	}
	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	failures := opts.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: opts.OnStateChange,
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	return func(next model.Client) model.Client {
		return &breakerClient{next: next, cb: cb}
	}
}

// Complete forwards the call through the breaker.
func (c *breakerClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	out, err := c.cb.Execute(func() (any, error) {
		return c.next.Complete(ctx, req)
	})
	if err != nil {
		return model.Response{}, err
	}
	return out.(model.Response), nil
}
