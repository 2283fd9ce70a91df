package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/lazypower/valence/internal/values"
)

// RetentionPolicy controls snapshot thinning. Snapshots younger than
// WeeklyFor keep one per ISO week, younger than MonthlyFor one per calendar
// month, and older ones one per calendar quarter.
type RetentionPolicy struct {
	WeeklyFor  time.Duration
	MonthlyFor time.Duration
}

// DefaultRetentionPolicy keeps weekly detail for 90 days and monthly detail
// for a year.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		WeeklyFor:  90 * day,
		MonthlyFor: 365 * day,
	}
}

// bucket names the retention slot a snapshot falls into at time now.
func (p RetentionPolicy) bucket(s values.Snapshot, now time.Time) string {
	t := s.SnapshotTime.UTC()
	age := now.Sub(t)
	switch {
	case age < p.WeeklyFor:
		y, w := t.ISOWeek()
		return fmt.Sprintf("w%04d-%02d", y, w)
	case age < p.MonthlyFor:
		return fmt.Sprintf("m%04d-%02d", t.Year(), int(t.Month()))
	default:
		return fmt.Sprintf("q%04d-%d", t.Year(), (int(t.Month())-1)/3+1)
	}
}

// Thin partitions one user's snapshots into those to keep and those to
// drop. Each retention slot keeps its latest snapshot. Inputs are not
// modified; keep is ordered by snapshot time.
func Thin(snaps []values.Snapshot, now time.Time, policy RetentionPolicy) (keep, drop []values.Snapshot) {
	if policy.WeeklyFor <= 0 && policy.MonthlyFor <= 0 {
		policy = DefaultRetentionPolicy()
	}

	best := make(map[string]int)
	for i, s := range snaps {
		b := policy.bucket(s, now)
		j, ok := best[b]
		if !ok || s.SnapshotTime.After(snaps[j].SnapshotTime) ||
			(s.SnapshotTime.Equal(snaps[j].SnapshotTime) && s.ID > snaps[j].ID) {
			best[b] = i
		}
	}

	kept := make(map[int]bool, len(best))
	for _, i := range best {
		kept[i] = true
	}
	for i, s := range snaps {
		if kept[i] {
			keep = append(keep, s)
		} else {
			drop = append(drop, s)
		}
	}
	sort.SliceStable(keep, func(i, j int) bool { return keep[i].SnapshotTime.Before(keep[j].SnapshotTime) })
	return keep, drop
}
