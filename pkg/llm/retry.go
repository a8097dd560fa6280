package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/sashabaranov/go-openai"
)

// RetryingClient retries transient completion failures with exponential
// backoff. Client errors other than rate limiting are not retried.
type RetryingClient struct {
	log             *slog.Logger
	inner           Client
	maxTries        uint
	initialInterval time.Duration
}

func NewRetryingClient(log *slog.Logger, inner Client, maxTries uint) *RetryingClient {
	if maxTries == 0 {
		maxTries = 3
	}
	return &RetryingClient{
		log:             log,
		inner:           inner,
		maxTries:        maxTries,
		initialInterval: 500 * time.Millisecond,
	}
}

func (c *RetryingClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	attempt := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval

	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		resp, err := c.inner.Complete(ctx, systemPrompt, userPrompt, opts...)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return "", backoff.Permanent(err)
		}
		c.log.Debug("llm: retrying completion", "attempt", attempt, "error", err)
		return "", err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return retryableStatus(aerr.StatusCode)
	}
	var oerr *openai.APIError
	if errors.As(err, &oerr) {
		return retryableStatus(oerr.HTTPStatusCode)
	}
	var rerr *openai.RequestError
	if errors.As(err, &rerr) {
		return retryableStatus(rerr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return true
	}
	return code == 0 || code >= 500
}
