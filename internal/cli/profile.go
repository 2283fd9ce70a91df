package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/values"
)

var (
	asOfFlag string
	jsonOut  bool
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- profile command ---

var profileCmd = &cobra.Command{
	Use:   "profile <user>",
	Short: "Show a user's value profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfile,
}

func runProfile(cmd *cobra.Command, args []string) error {
	asOf, err := parseTimeFlag("as-of", asOfFlag)
	if err != nil {
		return err
	}
	s, err := openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.eng.GetProfile(cmd.Context(), args[0], asOf)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, p)
	}

	fmt.Fprintf(out, "## %s (%s, %d beliefs)\n\n", p.UserID, p.Tier(), p.BeliefCount)
	fmt.Fprintln(out, engine.Narrative(p))
	if !p.HasSignal {
		return nil
	}

	fmt.Fprintln(out)
	for _, v := range p.Ranked() {
		share := p.Distribution[v]
		fmt.Fprintf(out, "  %-15s %s %5.1f%%\n", v.DisplayName(), bar(share, 30), share*100)
	}

	fmt.Fprintln(out, "\n### Dimensions")
	dims := p.DimensionScores()
	for _, d := range values.Dimensions {
		fmt.Fprintf(out, "  %-20s %5.1f%%\n", d.DisplayName(), dims[d]*100)
	}

	snaps, err := s.eng.Snapshots(cmd.Context(), p.UserID, time.Time{}, time.Time{})
	if err == nil && len(snaps) > 0 {
		last := snaps[len(snaps)-1]
		fmt.Fprintf(out, "\nLast snapshot %s (%s)\n", humanize.Time(last.SnapshotTime), last.ID)
	}
	return nil
}

// --- compare command ---

var compareImport string

var compareCmd = &cobra.Command{
	Use:   "compare <user-a> <user-b> | <user> --import <export.json>",
	Short: "Compare two users' profiles, or one user with an imported export",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCompare,
}

func runCompare(cmd *cobra.Command, args []string) error {
	if (compareImport == "") == (len(args) == 1) {
		return fmt.Errorf("give two users, or one user and --import")
	}
	asOf, err := parseTimeFlag("as-of", asOfFlag)
	if err != nil {
		return err
	}
	s, err := openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()

	var c engine.Comparison
	if compareImport != "" {
		data, err := os.ReadFile(compareImport)
		if err != nil {
			return fmt.Errorf("read export: %w", err)
		}
		doc, err := engine.ParseExport(data)
		if err != nil {
			return err
		}
		c, err = s.eng.CompareWithImport(cmd.Context(), args[0], doc, asOf)
		if err != nil {
			return explainImmature(cmd.OutOrStdout(), err)
		}
	} else {
		c, err = s.eng.Compare(cmd.Context(), args[0], args[1], asOf)
		if err != nil {
			return explainImmature(cmd.OutOrStdout(), err)
		}
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, c)
	}
	fmt.Fprintf(out, "## %s vs %s\n\n", c.UserA, c.UserB)
	fmt.Fprintln(out, engine.ComparisonNarrative(c))
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %-15s %7s %7s %7s\n", "value", c.UserA, c.UserB, "delta")
	for _, row := range c.Values {
		mark := ""
		if row.Classification != engine.Neutral {
			mark = string(row.Classification)
		}
		fmt.Fprintf(out, "  %-15s %6.1f%% %6.1f%% %+6.1f  %s\n", row.Value.DisplayName(), row.A*100, row.B*100, row.Delta*100, mark)
	}
	return nil
}

// explainImmature prints encouragement for immature profiles and passes the
// error through.
func explainImmature(w io.Writer, err error) error {
	var im *engine.ImmatureError
	if errors.As(err, &im) {
		fmt.Fprintln(w, engine.ImmatureNarrative(im))
	}
	return err
}

// --- export command ---

var (
	exportName   string
	exportValues string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <user>",
	Short: "Write a shareable export of a user's profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subset, err := parseValues(exportValues)
		if err != nil {
			return err
		}
		asOf, err := parseTimeFlag("as-of", asOfFlag)
		if err != nil {
			return err
		}
		name := exportName
		if name == "" {
			name = args[0]
		}

		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		doc, err := s.eng.Export(cmd.Context(), args[0], name, subset, asOf)
		if err != nil {
			return err
		}
		if exportOut == "" || exportOut == "-" {
			return writeJSON(cmd.OutOrStdout(), doc)
		}
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create export: %w", err)
		}
		defer f.Close()
		if err := writeJSON(f, doc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d values for %s to %s\n", len(doc.Values), name, exportOut)
		return nil
	},
}

// --- erase command ---

var eraseYes bool

var eraseCmd = &cobra.Command{
	Use:   "erase <user>",
	Short: "Remove every aggregate, receipt and snapshot for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !eraseYes {
			return fmt.Errorf("erase is permanent; pass --yes to confirm")
		}
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.eng.EraseUser(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "erased %s\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{profileCmd, compareCmd, exportCmd} {
		c.Flags().StringVar(&asOfFlag, "as-of", "", "Evaluate at this time (RFC3339 or YYYY-MM-DD, default now)")
	}
	profileCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	compareCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	compareCmd.Flags().StringVar(&compareImport, "import", "", "Compare against an export file")

	exportCmd.Flags().StringVar(&exportName, "name", "", "Display name (default: the user id)")
	exportCmd.Flags().StringVar(&exportValues, "values", "", "Comma-separated values to share (default: all)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")

	eraseCmd.Flags().BoolVar(&eraseYes, "yes", false, "Confirm permanent erasure")
}
