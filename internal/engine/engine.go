package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/valence/internal/logger"
	"github.com/lazypower/valence/internal/values"
)

// Ingest outcomes.
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
	StatusNoOp      = "no_op"
)

// Settings are the engine's tunables. Fields that must be positive take the
// defaults when zero or negative. MappingCutoff honors zero (every tag
// counts); a negative cutoff takes the default.
type Settings struct {
	HalfLifeDays       float64
	MappingCutoff      float64
	MaturityThreshold  int
	DriftThreshold     float64
	Compare            CompareOptions
	Retention          RetentionPolicy
	SnapshotSchedule   string
	CompactionSchedule string
	SnapshotWorkers    int
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		HalfLifeDays:       DefaultHalfLifeDays,
		MappingCutoff:      DefaultMappingCutoff,
		MaturityThreshold:  DefaultMaturityThreshold,
		DriftThreshold:     DefaultDriftThreshold,
		Compare:            DefaultCompareOptions(),
		Retention:          DefaultRetentionPolicy(),
		SnapshotSchedule:   "@weekly",
		CompactionSchedule: "@daily",
		SnapshotWorkers:    4,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HalfLifeDays <= 0 {
		s.HalfLifeDays = d.HalfLifeDays
	}
	if s.MappingCutoff < 0 {
		s.MappingCutoff = d.MappingCutoff
	}
	if s.MaturityThreshold <= 0 {
		s.MaturityThreshold = d.MaturityThreshold
	}
	if s.DriftThreshold <= 0 {
		s.DriftThreshold = d.DriftThreshold
	}
	s.Compare = s.Compare.withDefaults()
	if s.Retention.WeeklyFor <= 0 && s.Retention.MonthlyFor <= 0 {
		s.Retention = d.Retention
	}
	if s.SnapshotSchedule == "" {
		s.SnapshotSchedule = d.SnapshotSchedule
	}
	if s.CompactionSchedule == "" {
		s.CompactionSchedule = d.CompactionSchedule
	}
	if s.SnapshotWorkers <= 0 {
		s.SnapshotWorkers = d.SnapshotWorkers
	}
	return s
}

// Engine derives value profiles from belief events and serves comparisons,
// drift reports and snapshots over a Store.
type Engine struct {
	Store    Store
	Settings Settings
	log      *logger.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a new Engine. A nil logger discards output.
func New(st Store, settings Settings, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		Store:    st,
		Settings: settings.withDefaults(),
		log:      log,
		now:      time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// IngestResult reports what one belief did to the store.
type IngestResult struct {
	UserID     string             `json:"user_id"`
	BeliefID   string             `json:"belief_id"`
	Status     string             `json:"status"`
	Aggregates []values.Aggregate `json:"-"`
}

// Ingest applies one belief. All of its contributions commit together or not
// at all: if any tagged value already holds a later reference time the whole
// belief is rejected with *OutOfOrderError and nothing changes. A belief seen
// before for the same user is reported as StatusDuplicate.
func (e *Engine) Ingest(ctx context.Context, ev values.BeliefEvent) (IngestResult, error) {
	res := IngestResult{UserID: ev.UserID, BeliefID: ev.BeliefID}
	if err := ev.Validate(); err != nil {
		return res, err
	}

	contribs := mergeByValue(Evaluate(ev, e.Settings.MappingCutoff))
	if len(contribs) == 0 {
		res.Status = StatusNoOp
		return res, nil
	}
	vals := make([]values.Value, len(contribs))
	for i, c := range contribs {
		vals[i] = c.Value
	}

	var applied []values.Aggregate
	err := e.Store.Apply(ctx, ev.UserID, ev.BeliefID, vals, func(cur []values.Aggregate) ([]values.Aggregate, error) {
		next := make([]values.Aggregate, len(cur))
		for i, c := range contribs {
			agg, err := Absorb(cur[i], c, e.Settings.HalfLifeDays, true)
			if err != nil {
				return nil, err
			}
			next[i] = agg
		}
		applied = next
		return next, nil
	})
	switch {
	case err == nil:
		res.Status = StatusApplied
		res.Aggregates = applied
		return res, nil
	case errors.Is(err, ErrDuplicateBelief):
		res.Status = StatusDuplicate
		e.log.Debug("ingest: duplicate belief ignored", "user_id", ev.UserID, "belief_id", ev.BeliefID)
		return res, nil
	case errors.Is(err, ErrOutOfOrder):
		e.log.Warn("ingest: out-of-order event rejected", "user_id", ev.UserID, "belief_id", ev.BeliefID, "error", err)
	case errors.Is(err, ErrInvariantViolation):
		e.log.Error("ingest: invariant violation", "user_id", ev.UserID, "belief_id", ev.BeliefID, "error", err)
	}
	return res, err
}

func (e *Engine) resolve(asOf time.Time) time.Time {
	if asOf.IsZero() {
		return e.now().UTC()
	}
	return asOf
}

// GetProfile fast-forwards a user's aggregates to asOf (now when zero) and
// normalizes them. Asking for an instant before the latest stored event is
// an ErrNegativeElapsed error.
func (e *Engine) GetProfile(ctx context.Context, userID string, asOf time.Time) (Profile, error) {
	asOf = e.resolve(asOf)
	aggs, beliefs, err := e.Store.Aggregates(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("load aggregates: %w", err)
	}

	raw := make(values.Scores, values.Count)
	for _, agg := range aggs {
		score, err := ScoreAt(agg, asOf, e.Settings.HalfLifeDays)
		if err != nil {
			return Profile{}, fmt.Errorf("query %s at %s: %w", agg.Value, asOf.Format(time.RFC3339), err)
		}
		raw[agg.Value] = score
	}

	p, err := Normalize(userID, asOf, raw, beliefs, e.Settings.MaturityThreshold)
	if err != nil {
		e.log.Error("profile: invariant violation", "user_id", userID, "error", err)
		return Profile{}, err
	}
	return p, nil
}

// Compare compares two users' live profiles at asOf.
func (e *Engine) Compare(ctx context.Context, userA, userB string, asOf time.Time) (Comparison, error) {
	asOf = e.resolve(asOf)
	a, err := e.GetProfile(ctx, userA, asOf)
	if err != nil {
		return Comparison{}, err
	}
	b, err := e.GetProfile(ctx, userB, asOf)
	if err != nil {
		return Comparison{}, err
	}
	c, err := CompareProfiles(a, b, e.Settings.Compare)
	if err != nil {
		return Comparison{}, err
	}
	c.ComparedAt = asOf
	return c, nil
}

// CompareWithImport compares a user's live profile with an imported export.
func (e *Engine) CompareWithImport(ctx context.Context, userID string, doc ExportDocument, asOf time.Time) (Comparison, error) {
	asOf = e.resolve(asOf)
	local, err := e.GetProfile(ctx, userID, asOf)
	if err != nil {
		return Comparison{}, err
	}
	c, err := CompareWithImport(local, doc, e.Settings.Compare)
	if err != nil {
		return Comparison{}, err
	}
	c.ComparedAt = asOf
	return c, nil
}

// Export packages a user's live profile for sharing.
func (e *Engine) Export(ctx context.Context, userID, displayName string, subset []values.Value, asOf time.Time) (ExportDocument, error) {
	asOf = e.resolve(asOf)
	p, err := e.GetProfile(ctx, userID, asOf)
	if err != nil {
		return ExportDocument{}, err
	}
	return BuildExport(p, displayName, subset, asOf)
}

// TakeSnapshot appends the user's profile at `at` to the snapshot log.
// Unless force is set, a snapshot already taken on the same UTC day is
// returned instead and the bool result is false.
func (e *Engine) TakeSnapshot(ctx context.Context, userID string, at time.Time, force bool) (values.Snapshot, bool, error) {
	at = e.resolve(at)
	if !values.Storable(at) {
		return values.Snapshot{}, false, fmt.Errorf("%w: snapshot time %s cannot be stored", ErrInvalidRange, at.Format(time.RFC3339))
	}
	if !force {
		start := at.UTC().Truncate(day)
		existing, err := e.Store.Snapshots(ctx, userID, start, start.Add(day-time.Nanosecond))
		if err != nil {
			return values.Snapshot{}, false, fmt.Errorf("list snapshots: %w", err)
		}
		if len(existing) > 0 {
			return existing[len(existing)-1], false, nil
		}
	}

	p, err := e.GetProfile(ctx, userID, at)
	if err != nil {
		return values.Snapshot{}, false, err
	}
	snap := p.Snapshot(uuid.NewString())
	if err := e.Store.AppendSnapshot(ctx, snap); err != nil {
		return values.Snapshot{}, false, fmt.Errorf("append snapshot: %w", err)
	}
	e.log.Debug("snapshot: taken", "user_id", userID, "snapshot", snap.ID, "mature", snap.Mature)
	return snap, true, nil
}

// SnapshotAll snapshots every known user at `at`, a bounded number at a
// time. Per-user failures are logged and do not stop the sweep; the count of
// new snapshots is returned.
func (e *Engine) SnapshotAll(ctx context.Context, at time.Time) (int, error) {
	at = e.resolve(at)
	users, err := e.Store.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	var taken atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Settings.SnapshotWorkers)
	for _, u := range users {
		u := u
		g.Go(func() error {
			_, created, err := e.TakeSnapshot(gctx, u, at, false)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.log.Warn("snapshot: user skipped", "user_id", u, "error", err)
				return nil
			}
			if created {
				taken.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(taken.Load()), err
	}
	e.log.Info("snapshot: sweep complete", "users", len(users), "taken", taken.Load())
	return int(taken.Load()), nil
}

// Snapshots lists a user's snapshots between from and to; zero bounds are open.
func (e *Engine) Snapshots(ctx context.Context, userID string, from, to time.Time) ([]values.Snapshot, error) {
	return e.Store.Snapshots(ctx, userID, from, to)
}

// GetDrift reports how a user's distribution moved between two snapshots.
// The ids may be given in either order.
func (e *Engine) GetDrift(ctx context.Context, userID, fromID, toID string) (DriftReport, error) {
	load := func(id string) (values.Snapshot, error) {
		s, err := e.Store.GetSnapshot(ctx, id)
		if err != nil {
			return values.Snapshot{}, fmt.Errorf("get snapshot %s: %w", id, err)
		}
		if s == nil || s.UserID != userID {
			return values.Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return *s, nil
	}
	s1, err := load(fromID)
	if err != nil {
		return DriftReport{}, err
	}
	s2, err := load(toID)
	if err != nil {
		return DriftReport{}, err
	}
	if s2.SnapshotTime.Before(s1.SnapshotTime) {
		s1, s2 = s2, s1
	}
	return Drift(s1, s2, e.Settings.DriftThreshold)
}

// DriftSince compares the user's latest snapshot with the latest one taken
// at least lookback before now. Without two such snapshots it fails with
// ErrInsufficientData.
func (e *Engine) DriftSince(ctx context.Context, userID string, lookback time.Duration) (DriftReport, error) {
	if lookback <= 0 {
		return DriftReport{}, fmt.Errorf("%w: lookback must be positive", ErrInvalidRange)
	}
	target := e.now().UTC().Add(-lookback)
	older, err := e.Store.Snapshots(ctx, userID, time.Time{}, target)
	if err != nil {
		return DriftReport{}, fmt.Errorf("list snapshots: %w", err)
	}
	if len(older) == 0 {
		return DriftReport{}, fmt.Errorf("%w: no snapshot for %s on or before %s", ErrInsufficientData, userID, target.Format("2006-01-02"))
	}
	all, err := e.Store.Snapshots(ctx, userID, time.Time{}, time.Time{})
	if err != nil {
		return DriftReport{}, fmt.Errorf("list snapshots: %w", err)
	}
	from, to := older[len(older)-1], all[len(all)-1]
	if from.ID == to.ID {
		return DriftReport{}, fmt.Errorf("%w: no snapshot for %s after %s", ErrInsufficientData, userID, from.SnapshotTime.Format("2006-01-02"))
	}
	return Drift(from, to, e.Settings.DriftThreshold)
}

// CompactSnapshots applies the retention policy to every user's snapshot
// log and returns the number of snapshots removed. Live aggregates are not
// touched.
func (e *Engine) CompactSnapshots(ctx context.Context, now time.Time) (int, error) {
	now = e.resolve(now)
	users, err := e.Store.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	removed := 0
	for _, u := range users {
		snaps, err := e.Store.Snapshots(ctx, u, time.Time{}, time.Time{})
		if err != nil {
			return removed, fmt.Errorf("list snapshots for compaction: %w", err)
		}
		_, drop := Thin(snaps, now, e.Settings.Retention)
		if len(drop) == 0 {
			continue
		}
		ids := make([]string, len(drop))
		for i, s := range drop {
			ids[i] = s.ID
		}
		if err := e.Store.DeleteSnapshots(ctx, ids); err != nil {
			return removed, fmt.Errorf("delete snapshots: %w", err)
		}
		removed += len(ids)
	}
	if removed > 0 {
		e.log.Info("compact: thinned snapshot log", "removed", removed)
	}
	return removed, nil
}

// RebuildResult summarizes a replay.
type RebuildResult struct {
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	NoOps      int `json:"no_ops"`
}

// Rebuild replaces a user's aggregates with a replay of events in
// occurred_at order. It is the correction path for out-of-order delivery.
// Every event must belong to userID. The replay is staged in memory and
// swapped in with one ReplaceUser call, so a failure leaves the stored user
// as it was. Snapshot history is kept. Beliefs ingested for the user while
// the replay is staged are overwritten by the swap unless events includes
// them.
func (e *Engine) Rebuild(ctx context.Context, userID string, events []values.BeliefEvent) (RebuildResult, error) {
	var res RebuildResult
	for _, ev := range events {
		if ev.UserID != userID {
			return res, fmt.Errorf("%w: event %s belongs to another user", ErrInvalidEvent, ev.BeliefID)
		}
		if err := ev.Validate(); err != nil {
			return res, err
		}
	}

	sorted := append([]values.BeliefEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OccurredAt.Before(sorted[j].OccurredAt) })

	staging := New(NewMemStore(), e.Settings, logger.Nop())
	var receipts []Receipt
	for _, ev := range sorted {
		r, err := staging.Ingest(ctx, ev)
		if err != nil {
			return RebuildResult{}, fmt.Errorf("replay %s: %w", ev.BeliefID, err)
		}
		switch r.Status {
		case StatusApplied:
			res.Applied++
			receipts = append(receipts, Receipt{BeliefID: ev.BeliefID, OccurredAt: ev.OccurredAt})
		case StatusDuplicate:
			res.Duplicates++
		default:
			res.NoOps++
		}
	}
	aggs, _, err := staging.Store.Aggregates(ctx, userID)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("read replay: %w", err)
	}
	if err := e.Store.ReplaceUser(ctx, userID, aggs, receipts); err != nil {
		return RebuildResult{}, fmt.Errorf("replace user: %w", err)
	}
	e.log.Info("rebuild: replay complete", "user_id", userID, "applied", res.Applied, "duplicates", res.Duplicates)
	return res, nil
}

// EraseUser removes every trace of a user: aggregates, receipts, snapshots.
func (e *Engine) EraseUser(ctx context.Context, userID string) error {
	if err := e.Store.EraseUser(ctx, userID); err != nil {
		return fmt.Errorf("erase user: %w", err)
	}
	e.log.Info("erase: user removed", "user_id", userID)
	return nil
}

// StartScheduler runs the snapshot sweep and snapshot compaction on their
// cron schedules.
func (e *Engine) StartScheduler() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return nil
	}

	c := cron.New()
	if err := c.AddFunc(e.Settings.SnapshotSchedule, func() {
		if _, err := e.SnapshotAll(context.Background(), time.Time{}); err != nil {
			e.log.Error("snapshot: sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("snapshot schedule %q: %w", e.Settings.SnapshotSchedule, err)
	}
	if err := c.AddFunc(e.Settings.CompactionSchedule, func() {
		if _, err := e.CompactSnapshots(context.Background(), time.Time{}); err != nil {
			e.log.Error("compact: failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("compaction schedule %q: %w", e.Settings.CompactionSchedule, err)
	}
	c.Start()
	e.cron = c
	e.log.Info("scheduler: started", "snapshots", e.Settings.SnapshotSchedule, "compaction", e.Settings.CompactionSchedule)
	return nil
}

// Stop shuts down the engine's background jobs.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		e.cron.Stop()
		e.cron = nil
	}
}
