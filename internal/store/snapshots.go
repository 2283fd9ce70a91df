package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/valence/internal/values"
)

// AppendSnapshot writes a snapshot. Snapshots are never updated in place.
func (db *DB) AppendSnapshot(ctx context.Context, s values.Snapshot) error {
	dist, err := json.Marshal(s.Distribution)
	if err != nil {
		return fmt.Errorf("marshal distribution: %w", err)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err = db.ExecContext(ctx, `
		INSERT INTO profile_snapshots (id, user_id, snapshot_ns, distribution, intensity, mature, has_signal, belief_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.SnapshotTime.UnixNano(), string(dist), s.Intensity,
		boolInt(s.Mature), boolInt(s.HasSignal), s.BeliefCount, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = "id, user_id, snapshot_ns, distribution, intensity, mature, has_signal, belief_count"

// Snapshots returns a user's snapshots in time order. Zero bounds are open;
// non-zero bounds are inclusive.
func (db *DB) Snapshots(ctx context.Context, userID string, from, to time.Time) ([]values.Snapshot, error) {
	query := "SELECT " + snapshotColumns + " FROM profile_snapshots WHERE user_id = ?"
	args := []any{userID}
	if !from.IsZero() {
		query += " AND snapshot_ns >= ?"
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += " AND snapshot_ns <= ?"
		args = append(args, to.UnixNano())
	}
	query += " ORDER BY snapshot_ns, id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []values.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSnapshot returns a snapshot by id, or nil if it doesn't exist.
func (db *DB) GetSnapshot(ctx context.Context, id string) (*values.Snapshot, error) {
	row := db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM profile_snapshots WHERE id = ?", id)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSnapshots removes snapshots by id. Unknown ids are ignored.
func (db *DB) DeleteSnapshots(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete snapshots: %w", err)
	}
	defer tx.Rollback()

	// Chunked to stay under SQLite's bound-parameter limit.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		batch := ids[start:end]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		if _, err := tx.ExecContext(ctx, "DELETE FROM profile_snapshots WHERE id IN ("+placeholders+")", args...); err != nil {
			return fmt.Errorf("delete snapshots: %w", err)
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (values.Snapshot, error) {
	var s values.Snapshot
	var ns int64
	var dist string
	var mature, signal int
	if err := sc.Scan(&s.ID, &s.UserID, &ns, &dist, &s.Intensity, &mature, &signal, &s.BeliefCount); err != nil {
		if err == sql.ErrNoRows {
			return s, err
		}
		return s, fmt.Errorf("scan snapshot: %w", err)
	}
	s.SnapshotTime = time.Unix(0, ns).UTC()
	s.Mature = mature == 1
	s.HasSignal = signal == 1
	if dist != "" && dist != "null" {
		if err := json.Unmarshal([]byte(dist), &s.Distribution); err != nil {
			return s, fmt.Errorf("decode distribution for %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
