package engine

import (
	"context"
	"time"

	"github.com/lazypower/valence/internal/values"
)

// ApplyFunc computes the next aggregates for one belief from the current ones.
// cur holds one entry per requested value, in the order requested; entries
// that have never absorbed a contribution have a zero ReferenceTime. The
// returned slice replaces cur. Returning an error commits nothing.
type ApplyFunc func(cur []values.Aggregate) ([]values.Aggregate, error)

// AggregateStore is the keyed (user_id, value) state behind the engine.
//
// Apply is a read-modify-write that is atomic per key: concurrent applies that
// touch the same (user, value) are serialized, applies on disjoint keys are
// not. A belief already applied for the user returns ErrDuplicateBelief
// without calling fn. On success the belief is recorded so the user's distinct
// belief count grows by exactly one.
//
// Aggregates never returns a torn (reference_time, decayed_score) pair.
// ReplaceUser swaps a user's aggregates and belief receipts for the given ones
// in one step, keeping their snapshot history; nil slices reset the user.
// EraseUser drops everything. Both wait out in-flight applies for the user.
type AggregateStore interface {
	Apply(ctx context.Context, userID, beliefID string, vals []values.Value, fn ApplyFunc) error
	Aggregates(ctx context.Context, userID string) ([]values.Aggregate, int, error)
	Users(ctx context.Context) ([]string, error)
	ReplaceUser(ctx context.Context, userID string, aggs []values.Aggregate, receipts []Receipt) error
	EraseUser(ctx context.Context, userID string) error
}

// Receipt records that a belief was applied for a user.
type Receipt struct {
	BeliefID   string
	OccurredAt time.Time
}

// SnapshotLog is the append-only profile history. GetSnapshot returns nil, nil
// when the id is unknown. Snapshots returns entries ordered by snapshot time;
// zero from/to bounds are open.
type SnapshotLog interface {
	AppendSnapshot(ctx context.Context, s values.Snapshot) error
	Snapshots(ctx context.Context, userID string, from, to time.Time) ([]values.Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (*values.Snapshot, error)
	DeleteSnapshots(ctx context.Context, ids []string) error
}

// Store is the full persistence surface an Engine runs on.
type Store interface {
	AggregateStore
	SnapshotLog
}
