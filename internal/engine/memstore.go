package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lazypower/valence/internal/values"
)

type aggKey struct {
	user  string
	value values.Value
}

// MemStore is an in-process Store. Writers hold one mutex per (user, value),
// taken in canonical value order; the state maps sit behind a single RWMutex
// held only long enough to copy in or out.
//
// ReplaceUser and EraseUser take every key lock for the user, so they never
// interleave with an Apply.
type MemStore struct {
	lockMu sync.Mutex
	locks  map[aggKey]*sync.Mutex

	mu       sync.RWMutex
	aggs     map[aggKey]values.Aggregate
	receipts map[string]map[string]struct{}
	snaps    map[string][]values.Snapshot
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		locks:    make(map[aggKey]*sync.Mutex),
		aggs:     make(map[aggKey]values.Aggregate),
		receipts: make(map[string]map[string]struct{}),
		snaps:    make(map[string][]values.Snapshot),
	}
}

func (m *MemStore) keyLock(k aggKey) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

func (m *MemStore) Apply(ctx context.Context, userID, beliefID string, vals []values.Value, fn ApplyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ordered := append([]values.Value(nil), vals...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index() < ordered[j].Index() })
	for i, v := range ordered {
		if i > 0 && ordered[i-1] == v {
			continue
		}
		l := m.keyLock(aggKey{userID, v})
		l.Lock()
		defer l.Unlock()
	}

	m.mu.RLock()
	_, dup := m.receipts[userID][beliefID]
	cur := make([]values.Aggregate, len(vals))
	for i, v := range vals {
		agg, ok := m.aggs[aggKey{userID, v}]
		if !ok {
			agg = values.Aggregate{UserID: userID, Value: v}
		}
		cur[i] = agg
	}
	m.mu.RUnlock()
	if dup {
		return ErrDuplicateBelief
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.receipts[userID][beliefID]; dup {
		return ErrDuplicateBelief
	}
	for _, agg := range next {
		m.aggs[aggKey{userID, agg.Value}] = agg
	}
	if m.receipts[userID] == nil {
		m.receipts[userID] = make(map[string]struct{})
	}
	m.receipts[userID][beliefID] = struct{}{}
	return nil
}

func (m *MemStore) Aggregates(ctx context.Context, userID string) ([]values.Aggregate, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []values.Aggregate
	for _, v := range values.All {
		if agg, ok := m.aggs[aggKey{userID, v}]; ok {
			out = append(out, agg)
		}
	}
	return out, len(m.receipts[userID]), nil
}

func (m *MemStore) Users(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool, len(m.receipts))
	for u := range m.receipts {
		seen[u] = true
	}
	for u, list := range m.snaps {
		if len(list) > 0 {
			seen[u] = true
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// lockUser takes every key lock for userID in canonical order and returns
// the matching unlock.
func (m *MemStore) lockUser(userID string) func() {
	held := make([]*sync.Mutex, 0, values.Count)
	for _, v := range values.All {
		l := m.keyLock(aggKey{userID, v})
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for _, l := range held {
			l.Unlock()
		}
	}
}

func (m *MemStore) ReplaceUser(ctx context.Context, userID string, aggs []values.Aggregate, receipts []Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, agg := range aggs {
		if !agg.Value.Valid() {
			return fmt.Errorf("replace user: unknown value %q", agg.Value)
		}
	}
	defer m.lockUser(userID)()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(userID)
	for _, agg := range aggs {
		agg.UserID = userID
		m.aggs[aggKey{userID, agg.Value}] = agg
	}
	if len(receipts) > 0 {
		ids := make(map[string]struct{}, len(receipts))
		for _, r := range receipts {
			ids[r.BeliefID] = struct{}{}
		}
		m.receipts[userID] = ids
	}
	return nil
}

func (m *MemStore) EraseUser(ctx context.Context, userID string) error {
	defer m.lockUser(userID)()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(userID)
	delete(m.snaps, userID)
	return nil
}

func (m *MemStore) resetLocked(userID string) {
	for _, v := range values.All {
		delete(m.aggs, aggKey{userID, v})
	}
	delete(m.receipts, userID)
}

func (m *MemStore) AppendSnapshot(ctx context.Context, s values.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Distribution = s.Distribution.Clone()
	list := append(m.snaps[s.UserID], s)
	sort.SliceStable(list, func(i, j int) bool { return list[i].SnapshotTime.Before(list[j].SnapshotTime) })
	m.snaps[s.UserID] = list
	return nil
}

func (m *MemStore) Snapshots(ctx context.Context, userID string, from, to time.Time) ([]values.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []values.Snapshot
	for _, s := range m.snaps[userID] {
		if !from.IsZero() && s.SnapshotTime.Before(from) {
			continue
		}
		if !to.IsZero() && s.SnapshotTime.After(to) {
			continue
		}
		s.Distribution = s.Distribution.Clone()
		out = append(out, s)
	}
	return out, nil
}

func (m *MemStore) GetSnapshot(ctx context.Context, id string) (*values.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, list := range m.snaps {
		for _, s := range list {
			if s.ID == id {
				s.Distribution = s.Distribution.Clone()
				return &s, nil
			}
		}
	}
	return nil, nil
}

func (m *MemStore) DeleteSnapshots(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for user, list := range m.snaps {
		kept := list[:0]
		for _, s := range list {
			if !drop[s.ID] {
				kept = append(kept, s)
			}
		}
		m.snaps[user] = kept
	}
	return nil
}
