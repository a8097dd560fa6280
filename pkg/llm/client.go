// Package llm provides the completion clients used by the workflow nodes and
// a typed structured-output helper on top of them.
package llm

import "context"

// CompleteOptions holds options for LLM completion.
type CompleteOptions struct {
	CacheSystemPrompt bool
	Temperature       *float64
	MaxTokens         int64
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl marks the system prompt as cacheable where the backend
// supports it.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) CompleteOption {
	return func(o *CompleteOptions) {
		o.Temperature = &t
	}
}

// WithMaxTokens overrides the client's default output token budget.
func WithMaxTokens(n int64) CompleteOption {
	return func(o *CompleteOptions) {
		o.MaxTokens = n
	}
}

func applyOptions(opts []CompleteOption) CompleteOptions {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client is the interface for interacting with an LLM.
type Client interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}
