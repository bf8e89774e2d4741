package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/Napageneral/reframe/internal/gemini"
)

// Reason classifies why a model call did not yield a trusted payload.
type Reason string

const (
	ReasonTimeout                Reason = "timeout"
	ReasonSchemaValidationFailed Reason = "schema_validation_failed"
	ReasonUpstreamError          Reason = "upstream_error"
	ReasonUpstreamUnavailable    Reason = "upstream_unavailable"
)

// ErrMissingCredential means no model-access credential is configured.
var ErrMissingCredential = errors.New("model credential not configured")

// Error is the typed failure returned by Client.Call.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ReasonOf maps any error to a failure reason. Context expiry always wins,
// so a call aborted by its deadline reports timeout whatever the transport said.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonTimeout
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Reason
	}
	if errors.Is(err, gemini.ErrMissingAPIKey) || errors.Is(err, ErrMissingCredential) {
		return ReasonUpstreamUnavailable
	}
	var tErr *gemini.TransportError
	if errors.As(err, &tErr) {
		return ReasonUpstreamUnavailable
	}
	return ReasonUpstreamError
}

// classify wraps a transport error, preferring the caller's context state.
func classify(ctx context.Context, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{Reason: ReasonTimeout, Err: fmt.Errorf("%w (%v)", ctxErr, err)}
	}
	return &Error{Reason: ReasonOf(err), Err: err}
}
