package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "valence",
	Short: "Derive and compare value profiles from belief events",
	Long: "Valence turns tagged belief events into decaying per-value scores, " +
		"normalized profiles, drift reports and pairwise comparisons. Single Go binary, SQLite storage.",
	SilenceUsage: true,
}

// Global flags.
var (
	configPath string
	dbPath     string
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.valence/config.toml, or $VALENCE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default ~/.valence/valence.db, or $VALENCE_DB)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(eraseCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(compactCmd)
}
