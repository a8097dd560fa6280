// Package capability defines the typed failure values returned by external
// collaborators (LLM, retrieval, metadata, database) so that callers can route
// on the failure kind instead of inspecting error strings.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metrics"
)

// Kind classifies a capability failure.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindMalformedOutput Kind = "malformed_output"
	KindUnavailable     Kind = "unavailable"
	KindRejected        Kind = "rejected"
)

// Error is a failed capability call.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap converts err into an *Error for op. Existing *Error values are kept as
// they are; deadline errors become KindTimeout and anything else
// KindUnavailable.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	kind := KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Malformed reports output that could not be parsed or failed schema checks.
func Malformed(op string, err error) error {
	return &Error{Kind: KindMalformedOutput, Op: op, Err: err}
}

// Rejected reports input the capability refused to act on.
func Rejected(op string, err error) error {
	return &Error{Kind: KindRejected, Op: op, Err: err}
}

// KindOf returns the failure kind of err, or "" if err is not a capability
// error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// Call runs fn under a per-call timeout and wraps any failure as an *Error.
// A zero timeout leaves the parent deadline in place.
func Call[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil {
		metrics.CapabilityCallsTotal.WithLabelValues(op, "error").Inc()
		var zero T
		return zero, Wrap(op, err)
	}
	metrics.CapabilityCallsTotal.WithLabelValues(op, "success").Inc()
	return v, nil
}
