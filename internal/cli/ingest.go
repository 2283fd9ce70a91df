package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/valence/internal/client"
	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/events"
	"github.com/lazypower/valence/internal/ingest"
)

// --- ingest command ---

var ingestSort bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.jsonl>",
	Short: "Apply belief events from a JSONL file to the local database",
	Long: "Apply belief events in file order. Events older than a user's latest stored event " +
		"are rejected; use --sort to order the file by occurred_at first, or `valence rebuild` to replay a user.",
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	evs, err := readEvents(out, args[0])
	if err != nil {
		return err
	}
	if ingestSort {
		events.SortByTime(evs)
	}

	s, err := openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()

	counts := map[string]int{}
	outOfOrder := 0
	for _, ev := range evs {
		res, err := s.eng.Ingest(cmd.Context(), ev)
		switch {
		case err == nil:
			counts[res.Status]++
		case errors.Is(err, engine.ErrOutOfOrder):
			outOfOrder++
			fmt.Fprintf(out, "  rejected %s: %v\n", ev.BeliefID, err)
		case errors.Is(err, engine.ErrInvalidEvent):
			counts["invalid"]++
			fmt.Fprintf(out, "  rejected %s: %v\n", ev.BeliefID, err)
		default:
			return fmt.Errorf("ingest %s: %w", ev.BeliefID, err)
		}
	}

	fmt.Fprintf(out, "%s applied, %s duplicate, %s no-op, %s out of order, %s invalid\n",
		humanize.Comma(int64(counts[engine.StatusApplied])),
		humanize.Comma(int64(counts[engine.StatusDuplicate])),
		humanize.Comma(int64(counts[engine.StatusNoOp])),
		humanize.Comma(int64(outOfOrder)),
		humanize.Comma(int64(counts["invalid"])))
	if outOfOrder > 0 {
		fmt.Fprintln(out, "Out-of-order events were not applied. Replay the affected users with `valence rebuild`.")
	}
	return nil
}

// --- push command ---

var pushURL string

var pushCmd = &cobra.Command{
	Use:   "push <file.jsonl>",
	Short: "Send belief events from a JSONL file to a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runPush,
}

func runPush(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	evs, err := readEvents(out, args[0])
	if err != nil {
		return err
	}

	c := client.New(pushURL)
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	if !c.Healthy(ctx) {
		return fmt.Errorf("server not reachable at %s", c.URL())
	}

	results, err := c.Push(ctx, evs)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Status]++
		if r.Error != "" {
			fmt.Fprintf(out, "  rejected %s: %s (%s)\n", r.BeliefID, r.Error, r.Code)
		}
	}
	fmt.Fprintf(out, "pushed %s events to %s: %d applied, %d duplicate, %d no-op, %d rejected\n",
		humanize.Comma(int64(len(results))), c.URL(),
		counts[engine.StatusApplied], counts[engine.StatusDuplicate], counts[engine.StatusNoOp], counts["rejected"])
	return nil
}

// --- publish command ---

var publishCmd = &cobra.Command{
	Use:   "publish <file.jsonl>",
	Short: "Publish belief events from a JSONL file to Kafka",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		evs, err := readEvents(out, args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pub, err := ingest.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer pub.Close()

		if err := pub.Publish(cmd.Context(), evs...); err != nil {
			return err
		}
		fmt.Fprintf(out, "published %s events to %s\n", humanize.Comma(int64(len(evs))), cfg.Kafka.Topic)
		return nil
	},
}

// --- consume command ---

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume belief events from Kafka until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		consumer, err := ingest.NewConsumer(s.cfg.IngestConfig(), s.eng, s.log)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(os.Stderr, "consuming %s as %s (dead letters: %s)\n", s.cfg.Kafka.Topic, s.cfg.Kafka.GroupID, s.cfg.Kafka.DLQTopic)
		if err := consumer.Run(ctx); err != nil {
			return err
		}
		st := consumer.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "%d applied, %d duplicate, %d no-op, %d dead-lettered, %d failed\n",
			st.Applied, st.Duplicates, st.NoOps, st.DeadLettered, st.Failed)
		return nil
	},
}

// --- rebuild command ---

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <user> <file.jsonl>",
	Short: "Discard a user's aggregates and replay their events in time order",
	Long: "Rebuild is the correction path for out-of-order delivery. Events in the file that " +
		"belong to other users are ignored. Snapshot history is kept.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		user := args[0]
		evs, err := readEvents(out, args[1])
		if err != nil {
			return err
		}
		mine := events.ForUser(evs, user)
		if len(mine) == 0 {
			return fmt.Errorf("no events for %s in %s", user, args[1])
		}

		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.eng.Rebuild(cmd.Context(), user, mine)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "rebuilt %s from %s events: %d applied, %d duplicate, %d no-op\n",
			user, humanize.Comma(int64(len(mine))), res.Applied, res.Duplicates, res.NoOps)
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestSort, "sort", false, "Sort events by occurred_at before applying")
	pushCmd.Flags().StringVar(&pushURL, "url", "", "Server URL (default $VALENCE_URL or "+client.DefaultServerURL+")")
}
