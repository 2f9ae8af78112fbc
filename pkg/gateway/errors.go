package gateway

import (
	"errors"
	"fmt"

	"github.com/go-go-golems/servitor/pkg/endpoint"
	"github.com/go-go-golems/servitor/pkg/features"
)

type Kind string

const (
	KindValidation       Kind = "validation"
	KindEncoding         Kind = "encoding"
	KindUnavailable      Kind = "unavailable"
	KindPredictionFailed Kind = "prediction_failed"
)

// Error is returned by Handle. The codec or endpoint error that caused it is
// reachable through Unwrap.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable is true only when the endpoint was not ready or timed out.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnavailable
}

func IsRetryable(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Retryable()
	}
	return false
}

// KindOf returns the kind of a gateway error, or "" for any other error.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

func classify(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}

	var notReady *endpoint.NotReadyError
	var encoding *features.EncodingError
	switch {
	case errors.As(err, &notReady), endpoint.IsTimeout(err):
		return &Error{Kind: KindUnavailable, Err: err}
	case errors.As(err, &encoding):
		return &Error{Kind: KindEncoding, Err: err}
	default:
		return &Error{Kind: KindPredictionFailed, Err: err}
	}
}
