package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/valence/internal/values"
)

var (
	ErrOutOfOrder         = errors.New("out-of-order event")
	ErrNoSignal           = errors.New("no signal yet")
	ErrProfileImmature    = errors.New("profile immature")
	ErrInvariantViolation = errors.New("internal invariant violation")
	ErrInsufficientData   = errors.New("insufficient data")
	ErrNegativeElapsed    = errors.New("negative elapsed time")
	ErrDuplicateBelief    = errors.New("belief already applied")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrUserMismatch       = errors.New("snapshots belong to different users")
	ErrInvalidEvent       = values.ErrInvalidEvent
	ErrInvalidExport      = errors.New("invalid export document")
	ErrInvalidRange       = errors.New("invalid snapshot range")
)

// Wire codes for errors crossing the API boundary.
const (
	CodeOutOfOrder       = "OUT_OF_ORDER_EVENT"
	CodeNoSignal         = "NO_SIGNAL"
	CodeImmature         = "PROFILE_IMMATURE"
	CodeInvariant        = "INTERNAL_INVARIANT_VIOLATION"
	CodeInsufficientData = "INSUFFICIENT_DATA"
	CodeInvalid          = "INVALID_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeInternal         = "INTERNAL"
)

// OutOfOrderError reports an event older than the stored reference time.
type OutOfOrderError struct {
	UserID        string
	Value         values.Value
	OccurredAt    time.Time
	ReferenceTime time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order event for %s: occurred_at %s precedes reference_time %s",
		e.Value, e.OccurredAt.Format(time.RFC3339Nano), e.ReferenceTime.Format(time.RFC3339Nano))
}

func (e *OutOfOrderError) Is(target error) bool { return target == ErrOutOfOrder }

// ImmatureError names the user whose profile is below the maturity threshold.
type ImmatureError struct {
	UserID      string
	BeliefCount int
	Threshold   int
}

func (e *ImmatureError) Error() string {
	if e.Threshold == 0 {
		return fmt.Sprintf("profile for %s is still emerging (%d beliefs)", e.UserID, e.BeliefCount)
	}
	return fmt.Sprintf("profile for %s is still emerging (%d of %d beliefs)", e.UserID, e.BeliefCount, e.Threshold)
}

func (e *ImmatureError) Is(target error) bool { return target == ErrProfileImmature }

// InvariantError reports a negative or NaN score.
type InvariantError struct {
	UserID string
	Value  values.Value
	Score  float64
	Detail string
}

func (e *InvariantError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("invariant violation for %s: %s", e.Value, e.Detail)
	}
	return fmt.Sprintf("invariant violation for %s: score %v", e.Value, e.Score)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariantViolation }

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOutOfOrder):
		return CodeOutOfOrder
	case errors.Is(err, ErrInvariantViolation):
		return CodeInvariant
	case errors.Is(err, ErrInsufficientData):
		return CodeInsufficientData
	case errors.Is(err, ErrProfileImmature):
		return CodeImmature
	case errors.Is(err, ErrNoSignal):
		return CodeNoSignal
	case errors.Is(err, ErrSnapshotNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrInvalidExport),
		errors.Is(err, ErrUserMismatch), errors.Is(err, ErrNegativeElapsed),
		errors.Is(err, ErrInvalidRange):
		return CodeInvalid
	default:
		return CodeInternal
	}
}
