package models

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by every component. Store implementations wrap driver
// errors with one of these so callers can use errors.Is regardless of backend.
var (
	ErrNotFound              = errors.New("record not found")
	ErrConflict              = errors.New("conflict")
	ErrSerializationConflict = errors.New("serialization conflict")
	ErrLeaseExpired          = errors.New("lease expired")
	ErrLimitExceeded         = errors.New("usage limit exceeded")
	ErrBlocked               = errors.New("tenant is blocked")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrInvalidInput          = errors.New("invalid input")
	ErrForbidden             = errors.New("forbidden")
	ErrLockTimeout           = errors.New("could not obtain lock before timeout")
)

// ValidationError reports a single invalid field. It matches ErrInvalidInput.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// SlotConflictError is returned when a reservation overlaps a live one, or when
// the store kept aborting the booking transaction. Callers see one error either way.
type SlotConflictError struct {
	ResourceId    string
	Requested     Interval
	Conflicting   Interval
	ConflictingId string
}

func (e *SlotConflictError) Error() string {
	if e.ConflictingId == "" {
		return fmt.Sprintf("slot conflict on resource %s for %s", e.ResourceId, e.Requested)
	}
	return fmt.Sprintf("slot conflict on resource %s: requested %s overlaps reservation %s (%s)",
		e.ResourceId, e.Requested, e.ConflictingId, e.Conflicting)
}

func (e *SlotConflictError) Is(target error) bool { return target == ErrConflict }

// UsageLimitError carries the usage snapshot so callers can render "X of Y used".
type UsageLimitError struct {
	Err      error
	Snapshot UsageSnapshot
}

func (e *UsageLimitError) Error() string {
	return fmt.Sprintf("%v (used %s of %s included, policy %s)",
		e.Err, e.Snapshot.TotalUsed().String(), e.Snapshot.IncludedUnits.String(), e.Snapshot.Policy)
}

func (e *UsageLimitError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller may retry the same call unchanged.
// StoreUnavailable is deliberately excluded: infrastructure retries belong to the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerializationConflict) ||
		errors.Is(err, ErrLockTimeout)
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewInterval(start time.Time, d time.Duration) Interval {
	return Interval{Start: start, End: start.Add(d)}
}

// Overlaps uses half-open semantics, so back-to-back intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Valid() bool {
	return !i.Start.IsZero() && i.End.After(i.Start)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.UTC().Format(time.RFC3339), i.End.UTC().Format(time.RFC3339))
}
