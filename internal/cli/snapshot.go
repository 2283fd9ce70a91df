package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/valence/internal/engine"
)

// --- snapshot command ---

var (
	snapshotAll   bool
	snapshotForce bool
	snapshotAt    string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <user> | --all",
	Short: "Record a profile snapshot",
	Long:  "Record a snapshot of a user's profile. A user already snapshotted on the same UTC day is skipped unless --force.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if snapshotAll == (len(args) == 1) {
			return fmt.Errorf("give a user or --all")
		}
		at, err := parseTimeFlag("at", snapshotAt)
		if err != nil {
			return err
		}
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		if snapshotAll {
			n, err := s.eng.SnapshotAll(cmd.Context(), at)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "took %d snapshots\n", n)
			return nil
		}

		snap, created, err := s.eng.TakeSnapshot(cmd.Context(), args[0], at, snapshotForce)
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintf(out, "already snapshotted %s (%s); use --force for another\n", humanize.Time(snap.SnapshotTime), snap.ID)
			return nil
		}
		fmt.Fprintf(out, "snapshot %s for %s (%d beliefs, mature=%v)\n", snap.ID, snap.UserID, snap.BeliefCount, snap.Mature)
		return nil
	},
}

// --- snapshots command ---

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <user>",
	Short: "List a user's snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		snaps, err := s.eng.Snapshots(cmd.Context(), args[0], time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return writeJSON(out, snaps)
		}
		if len(snaps) == 0 {
			fmt.Fprintf(out, "No snapshots for %s yet.\n", args[0])
			return nil
		}
		for _, sn := range snaps {
			p := engine.ProfileFromSnapshot(sn, s.eng.Settings.MaturityThreshold)
			top := "-"
			if sn.HasSignal {
				top = p.TopValues(1)[0].DisplayName()
			}
			fmt.Fprintf(out, "  %s  %s  %-14s %4d beliefs  top: %s\n",
				sn.ID, sn.SnapshotTime.Format("2006-01-02"), humanize.Time(sn.SnapshotTime), sn.BeliefCount, top)
		}
		return nil
	},
}

// --- drift command ---

var driftSince string

var driftCmd = &cobra.Command{
	Use:   "drift <user> <from-snapshot> <to-snapshot> | <user> --since 30d",
	Short: "Show how a user's values moved between two snapshots",
	Long: "Compare two snapshots by id, or with --since compare the latest snapshot " +
		"with the latest one taken at least that long ago (e.g. 30d, 2w, 36h).",
	Args: cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var lookback time.Duration
		switch {
		case driftSince != "" && len(args) == 1:
			var err error
			if lookback, err = engine.ParseLookback(driftSince); err != nil {
				return err
			}
		case driftSince == "" && len(args) == 3:
		default:
			return fmt.Errorf("give two snapshot ids, or --since")
		}

		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		var rep engine.DriftReport
		if lookback > 0 {
			rep, err = s.eng.DriftSince(cmd.Context(), args[0], lookback)
		} else {
			rep, err = s.eng.GetDrift(cmd.Context(), args[0], args[1], args[2])
		}
		if err != nil {
			return explainImmature(cmd.OutOrStdout(), err)
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return writeJSON(out, rep)
		}
		fmt.Fprintf(out, "## %s: %s → %s\n\n", rep.UserID, rep.FromTime.Format("2006-01-02"), rep.ToTime.Format("2006-01-02"))
		if n := engine.DriftNarrative(rep); n != "" {
			fmt.Fprintln(out, n)
		} else {
			fmt.Fprintf(out, "No value moved more than %.0f points.\n", rep.Threshold*100)
		}
		fmt.Fprintln(out)
		for _, sh := range rep.Shifts {
			mark := ""
			if sh.Notable {
				mark = "*"
			}
			fmt.Fprintf(out, "  %-15s %5.1f%% → %5.1f%%  %+6.1f %s\n", sh.Value.DisplayName(), sh.From*100, sh.To*100, sh.Delta*100, mark)
		}
		fmt.Fprintf(out, "\nIntensity change %+.3f\n", rep.IntensityDelta)
		return nil
	},
}

// --- compact command ---

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Thin old snapshots to weekly, monthly and quarterly resolution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.eng.CompactSnapshots(cmd.Context(), time.Time{})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d snapshots\n", n)
		return nil
	},
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotAll, "all", false, "Snapshot every known user")
	snapshotCmd.Flags().BoolVar(&snapshotForce, "force", false, "Snapshot even if one exists for today")
	snapshotCmd.Flags().StringVar(&snapshotAt, "at", "", "Snapshot time (RFC3339 or YYYY-MM-DD, default now)")
	snapshotsCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	driftCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	driftCmd.Flags().StringVar(&driftSince, "since", "", "Compare the latest snapshot with one at least this old (30d, 2w, 36h)")
}
