package stage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a stage failure.
type Kind string

const (
	// KindValidation marks bad caller input. Never retried, never cached.
	KindValidation Kind = "validation"

	// KindUpstream marks a failure reported by, or while talking to, the worker.
	KindUpstream Kind = "upstream"

	// KindTimeout marks a call that exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindEmptyOutput marks a generate call that kept returning empty text
	// after every attempt.
	KindEmptyOutput Kind = "empty_output"
)

// Sentinel errors matched by [Failure] through errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrUpstream    = errors.New("upstream error")
	ErrTimeout     = errors.New("timeout")
	ErrEmptyOutput = errors.New("empty output")
)

// Failure is the structured error returned by every stage client. It always
// names the stage that failed so callers can tell a transcription outage from
// a synthesis outage.
type Failure struct {
	Stage   Name
	Kind    Kind
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements error.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s %s: %s", f.Stage, f.Kind, f.Message)
}

// Unwrap exposes the kind sentinel and the cause. Timeouts and empty outputs
// also match [ErrUpstream] because callers treat them as upstream failures.
func (f *Failure) Unwrap() []error {
	errs := make([]error, 0, 3)
	switch f.Kind {
	case KindValidation:
		errs = append(errs, ErrValidation)
	case KindUpstream:
		errs = append(errs, ErrUpstream)
	case KindTimeout:
		errs = append(errs, ErrTimeout, ErrUpstream)
	case KindEmptyOutput:
		errs = append(errs, ErrEmptyOutput, ErrUpstream)
	}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

// Status returns the HTTP-like status class for the failure kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Invalid returns a validation [Failure] for stage n.
func Invalid(n Name, msg string) *Failure {
	return &Failure{Stage: n, Kind: KindValidation, Message: msg}
}

// Upstream returns an upstream [Failure] carrying a worker-reported message.
func Upstream(n Name, msg string) *Failure {
	return &Failure{Stage: n, Kind: KindUpstream, Message: msg}
}

// RemoteError is returned by backends when the worker answered but reported a
// failure string (the "error" field of the stage contract).
type RemoteError struct {
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string { return e.Message }

// AsFailure returns the [Failure] in err's chain, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// StatusCode maps any error returned by the pipeline to the caller-facing
// status class: 400 validation, 504 timeout, 502 everything else upstream.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if f, ok := AsFailure(err); ok {
		return f.Kind.Status()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// normalize turns any backend error into a [Failure] for stage n. callCtx is
// the per-call context so that a fired deadline is reported as a timeout even
// when the transport surfaces it as a generic I/O error.
func normalize(n Name, callCtx context.Context, err error) *Failure {
	if f, ok := AsFailure(err); ok {
		if f.Stage == "" {
			cp := *f
			cp.Stage = n
			return &cp
		}
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &Failure{Stage: n, Kind: KindTimeout, Message: "call exceeded its deadline", Err: context.DeadlineExceeded}
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &Failure{Stage: n, Kind: KindUpstream, Message: remote.Message, Err: err}
	}
	return &Failure{Stage: n, Kind: KindUpstream, Message: err.Error(), Err: err}
}
