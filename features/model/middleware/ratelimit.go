// Package middleware provides reusable model.Client decorators: adaptive
// rate limiting and circuit breaking at the provider boundary.
package middleware

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/swarmlab/overseer/runtime/model"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on
	// top of a model.Client. It estimates the token cost of each request,
	// blocks callers until capacity is available, and adjusts its
	// effective tokens-per-minute budget in response to rate limiting
	// signals from the provider.
	//
	// The limiter is process-local. Construct a single instance per
	// process and wrap the provider client with Middleware.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter    *rate.Limiter
		currentTPM float64
		minTPM     float64
		maxTPM     float64
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}
)

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget. When maxTPM is zero or below initialTPM it is
// clamped to initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		// Conservative budget when callers do not provide one.
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	return &AdaptiveRateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(initialTPM/60), int(initialTPM)),
		currentTPM: initialTPM,
		minTPM:     minTPM,
		maxTPM:     maxTPM,
	}
}

// Middleware wraps a model.Client with the limiter.
func (l *AdaptiveRateLimiter) Middleware() model.Middleware {
	return func(next model.Client) model.Client {
		return &limitedClient{next: next, limiter: l}
	}
}

// Complete blocks until the estimated token cost fits in the budget, then
// forwards the call. Provider rate-limit errors halve the budget; successes
// slowly restore it.
func (c *limitedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	cost := estimateTokens(req)
	if err := c.limiter.wait(ctx, cost); err != nil {
		return model.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		if isRateLimited(err) {
			c.limiter.backoff()
		}
		return model.Response{}, err
	}
	c.limiter.probe()
	return resp, nil
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, tokens int) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	if burst := lim.Burst(); tokens > burst {
		tokens = burst
	}
	return lim.WaitN(ctx, tokens)
}

// backoff halves the budget, floored at minTPM.
func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setTPM(l.currentTPM / 2)
}

// probe restores 5% of the gap to maxTPM after a successful call.
func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentTPM >= l.maxTPM {
		return
	}
	l.setTPM(l.currentTPM + (l.maxTPM-l.currentTPM)*0.05)
}

// TPM returns the current tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates the token cost of a request: roughly four
// characters per prompt token plus the completion cap.
func estimateTokens(req model.Request) int {
	est := (len(req.System)+len(req.Prompt))/4 + req.MaxTokens
	if est < 1 {
		est = 1
	}
	return est
}

// isRateLimited recognizes provider rate limiting from the error text. The
// Anthropic SDK surfaces HTTP 429 as "429" with a rate_limit_error type.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit")
}
