// Package model defines the provider-agnostic LLM client contract used by the
// agent driver. Backends live under features/model; middleware decorators
// (rate limiting, circuit breaking) wrap the same interface.
package model

import "context"

type (
	// Client issues completion requests against an LLM provider.
	// Implementations must be safe for concurrent use.
	Client interface {
		// Complete sends a single prompt and returns the completion. The
		// request model identifier is required; backends do not apply
		// defaults so the driver's model selection stays authoritative.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request is one completion call.
	Request struct {
		// Model is the provider model identifier.
		Model string
		// System is the optional system prompt.
		System string
		// Prompt is the user message.
		Prompt string
		// MaxTokens caps the completion length. Required by some providers.
		MaxTokens int
		// Temperature controls sampling; zero means provider default.
		Temperature float64
	}

	// Response is the completion result.
	Response struct {
		// Text is the concatenated text content of the completion.
		Text string
		// Usage reports the token accounting for the call.
		Usage Usage
		// StopReason is the provider's reason for ending the completion.
		StopReason string
	}

	// Usage is the token accounting for one call.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Middleware decorates a Client with additional behavior.
	Middleware func(Client) Client
)

// Chain wraps client with the given middlewares, outermost first.
func Chain(client Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		client = mws[i](client)
	}
	return client
}
