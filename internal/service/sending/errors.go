package sending

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a gateway failure.
type ErrorKind string

const (
	// KindTransient covers network errors, timeouts, 5xx, throttling, and
	// open circuit breakers. Retried with exponential backoff.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers invalid addresses, auth failures, and policy
	// rejections. The recipient is recorded failed and the loop advances.
	KindPermanent ErrorKind = "permanent"
)

// GatewayError is the typed error all gateway adapters return on failure.
type GatewayError struct {
	Kind       ErrorKind
	Code       string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway %s (%s)", e.Kind, e.Code)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable gateway error.
func Transient(code string, err error) *GatewayError {
	return &GatewayError{Kind: KindTransient, Code: code, Retryable: true, Err: err}
}

// TransientAfter wraps err as retryable with a provider-suggested delay.
func TransientAfter(code string, retryAfter time.Duration, err error) *GatewayError {
	return &GatewayError{Kind: KindTransient, Code: code, Retryable: true, RetryAfter: retryAfter, Err: err}
}

// Permanent wraps err as a non-retryable gateway error.
func Permanent(code string, err error) *GatewayError {
	return &GatewayError{Kind: KindPermanent, Code: code, Retryable: false, Err: err}
}

// IsTransient reports whether err is a retryable gateway failure. Errors
// that are not GatewayError at all (raw transport errors) are treated as
// transient: the adapter failed before classifying.
func IsTransient(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return err != nil
}

// IsPermanent reports whether err is a classified permanent failure.
func IsPermanent(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == KindPermanent
}

// RetryAfterOf returns the provider-suggested retry delay, or zero.
func RetryAfterOf(err error) time.Duration {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}
