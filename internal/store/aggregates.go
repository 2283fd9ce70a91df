package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/values"
)

var _ engine.Store = (*DB)(nil)

// Apply runs fn over the current aggregates for vals inside one write
// transaction and stores its result together with the belief receipt.
func (db *DB) Apply(ctx context.Context, userID, beliefID string, vals []values.Value, fn engine.ApplyFunc) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM belief_receipts WHERE user_id = ? AND belief_id = ?", userID, beliefID,
	).Scan(&one)
	if err == nil {
		return engine.ErrDuplicateBelief
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check receipt: %w", err)
	}

	cur := make([]values.Aggregate, len(vals))
	for i, v := range vals {
		agg, err := getAggregate(ctx, tx, userID, v)
		if err != nil {
			return err
		}
		cur[i] = agg
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	var occurred int64
	for _, agg := range next {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO value_aggregates (user_id, value, reference_ns, decayed_score, belief_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, value) DO UPDATE SET
				reference_ns = excluded.reference_ns,
				decayed_score = excluded.decayed_score,
				belief_count = excluded.belief_count,
				updated_at = excluded.updated_at
		`, userID, string(agg.Value), agg.ReferenceTime.UnixNano(), agg.DecayedScore, agg.BeliefCount, now)
		if err != nil {
			return fmt.Errorf("upsert aggregate %s: %w", agg.Value, err)
		}
		if ns := agg.ReferenceTime.UnixNano(); ns > occurred {
			occurred = ns
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO belief_receipts (user_id, belief_id, occurred_ns, applied_at) VALUES (?, ?, ?, ?)",
		userID, beliefID, occurred, now,
	); err != nil {
		return fmt.Errorf("record receipt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}
	return nil
}

func getAggregate(ctx context.Context, tx *sql.Tx, userID string, v values.Value) (values.Aggregate, error) {
	agg := values.Aggregate{UserID: userID, Value: v}
	var refNS int64
	err := tx.QueryRowContext(ctx, `
		SELECT reference_ns, decayed_score, belief_count
		FROM value_aggregates WHERE user_id = ? AND value = ?
	`, userID, string(v)).Scan(&refNS, &agg.DecayedScore, &agg.BeliefCount)
	if err == sql.ErrNoRows {
		return agg, nil
	}
	if err != nil {
		return agg, fmt.Errorf("get aggregate %s: %w", v, err)
	}
	agg.ReferenceTime = time.Unix(0, refNS).UTC()
	return agg, nil
}

// Aggregates returns the user's stored aggregates in canonical value order
// and the number of distinct beliefs applied, read from one transaction.
func (db *DB) Aggregates(ctx context.Context, userID string) ([]values.Aggregate, int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT value, reference_ns, decayed_score, belief_count
		FROM value_aggregates WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("query aggregates: %w", err)
	}
	byValue := make(map[values.Value]values.Aggregate)
	for rows.Next() {
		var name string
		var refNS int64
		agg := values.Aggregate{UserID: userID}
		if err := rows.Scan(&name, &refNS, &agg.DecayedScore, &agg.BeliefCount); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.Value = values.Value(name)
		agg.ReferenceTime = time.Unix(0, refNS).UTC()
		byValue[agg.Value] = agg
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	var beliefs int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM belief_receipts WHERE user_id = ?", userID,
	).Scan(&beliefs); err != nil {
		return nil, 0, fmt.Errorf("count beliefs: %w", err)
	}

	var out []values.Aggregate
	for _, v := range values.All {
		if agg, ok := byValue[v]; ok {
			out = append(out, agg)
		}
	}
	return out, beliefs, nil
}

// Users lists every user with applied beliefs or snapshot history.
func (db *DB) Users(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM belief_receipts
		UNION
		SELECT user_id FROM profile_snapshots
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ReplaceUser swaps a user's aggregates and receipts in one transaction,
// keeping snapshots.
func (db *DB) ReplaceUser(ctx context.Context, userID string, aggs []values.Aggregate, receipts []engine.Receipt) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if err := deleteUser(ctx, tx, userID, false); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, agg := range aggs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO value_aggregates (user_id, value, reference_ns, decayed_score, belief_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, userID, string(agg.Value), agg.ReferenceTime.UnixNano(), agg.DecayedScore, agg.BeliefCount, now); err != nil {
			return fmt.Errorf("insert aggregate %s: %w", agg.Value, err)
		}
	}
	for _, r := range receipts {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO belief_receipts (user_id, belief_id, occurred_ns, applied_at) VALUES (?, ?, ?, ?)",
			userID, r.BeliefID, r.OccurredAt.UnixNano(), now,
		); err != nil {
			return fmt.Errorf("insert receipt %s: %w", r.BeliefID, err)
		}
	}
	return tx.Commit()
}

// EraseUser deletes everything stored for a user.
func (db *DB) EraseUser(ctx context.Context, userID string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin erase: %w", err)
	}
	defer tx.Rollback()

	if err := deleteUser(ctx, tx, userID, true); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteUser(ctx context.Context, tx *sql.Tx, userID string, snapshots bool) error {
	stmts := []string{
		"DELETE FROM value_aggregates WHERE user_id = ?",
		"DELETE FROM belief_receipts WHERE user_id = ?",
	}
	if snapshots {
		stmts = append(stmts, "DELETE FROM profile_snapshots WHERE user_id = ?")
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s, userID); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
	}
	return nil
}
