package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/valence/internal/ingest"
	"github.com/lazypower/valence/internal/server"
)

var serveConsume bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: "Start the HTTP API server. Scheduled snapshots and compaction run in the background " +
		"unless [snapshots] enabled = false. With --consume, belief events are also read from Kafka.",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveConsume, "consume", false, "Also consume belief events from Kafka")
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.cfg.Snapshots.Enabled {
		if err := s.eng.StartScheduler(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "  snapshots: %s, compaction: %s\n", s.cfg.Snapshots.Schedule, s.cfg.Snapshots.CompactionSchedule)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumerDone := make(chan struct{})
	if serveConsume {
		consumer, err := ingest.NewConsumer(s.cfg.IngestConfig(), s.eng, s.log)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		go func() {
			defer close(consumerDone)
			consumer.Run(ctx)
		}()
		fmt.Fprintf(os.Stderr, "  kafka: consuming %s as %s\n", s.cfg.Kafka.Topic, s.cfg.Kafka.GroupID)
	} else {
		close(consumerDone)
	}

	srv := server.New(s.eng, VersionString(), s.log)
	addr := s.cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "valence serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", s.db.Path)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = httpServer.Shutdown(shutdownCtx)
	<-consumerDone
	return err
}
