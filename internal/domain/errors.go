package domain

import (
	"errors"
	"fmt"
	"time"
)

type AllocationReason string

const (
	SlotTaken         AllocationReason = "slot_taken"
	TooSoon           AllocationReason = "too_soon"
	IntervalViolation AllocationReason = "interval_violation"
	CapacityExhausted AllocationReason = "capacity_exhausted"
)

// AllocationError is surfaced to the caller and never retried automatically.
type AllocationError struct {
	Reason AllocationReason
	At     time.Time // offending or requested instant, zero if none
	Detail string
}

func (e *AllocationError) Error() string {
	msg := "allocation failed: " + string(e.Reason)
	if !e.At.IsZero() {
		msg += " at " + e.At.Format(time.RFC3339)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func NewAllocationError(reason AllocationReason, at time.Time, format string, args ...any) *AllocationError {
	return &AllocationError{Reason: reason, At: at, Detail: fmt.Sprintf(format, args...)}
}

// IsAllocation reports whether err is an AllocationError with the given reason.
// An empty reason matches any AllocationError.
func IsAllocation(err error, reason AllocationReason) bool {
	var ae *AllocationError
	if !errors.As(err, &ae) {
		return false
	}
	return reason == "" || ae.Reason == reason
}
