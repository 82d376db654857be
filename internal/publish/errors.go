package publish

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type RetryKind string

const (
	KindNetwork RetryKind = "network"
	KindTimeout RetryKind = "timeout"
	// KindUnknown covers errors the worker did not classify.
	KindUnknown RetryKind = "unknown"
)

type FatalKind string

const (
	KindSessionExpired FatalKind = "session_expired"
	KindBanned         FatalKind = "banned"
)

// RetryableError is a transient publish failure. After, when set, is the
// downstream's hint for the earliest sensible retry.
type RetryableError struct {
	Kind  RetryKind
	After time.Duration
	Err   error
}

func (e *RetryableError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("retryable %s (after %s): %v", e.Kind, e.After, e.Err)
	}
	return fmt.Sprintf("retryable %s: %v", e.Kind, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalAccountError means the account cannot publish until someone intervenes.
type FatalAccountError struct {
	Kind FatalKind
	Err  error
}

func (e *FatalAccountError) Error() string {
	return fmt.Sprintf("fatal %s: %v", e.Kind, e.Err)
}

func (e *FatalAccountError) Unwrap() error { return e.Err }

func Retryable(kind RetryKind, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Kind: kind, Err: err}
}

// RetryAfter marks err as retryable with a suggested delay.
func RetryAfter(kind RetryKind, after time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &RetryableError{Kind: kind, After: after, Err: err}
}

func Fatal(kind FatalKind, err error) error {
	if err == nil {
		return nil
	}
	return &FatalAccountError{Kind: kind, Err: err}
}

// Outcome is the daemon's view of a publish result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeFatal
)

// Classify maps err to an outcome. Errors that are neither RetryableError nor
// FatalAccountError are treated as retryable with KindUnknown.
func Classify(err error) (Outcome, *RetryableError, *FatalAccountError) {
	if err == nil {
		return OutcomeSuccess, nil, nil
	}
	var fe *FatalAccountError
	if errors.As(err, &fe) {
		return OutcomeFatal, nil, fe
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return OutcomeRetry, re, nil
	}
	kind := KindUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return OutcomeRetry, &RetryableError{Kind: kind, Err: err}, nil
}
