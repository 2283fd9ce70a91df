package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lazypower/valence/internal/config"
	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/events"
	"github.com/lazypower/valence/internal/logger"
	"github.com/lazypower/valence/internal/store"
	"github.com/lazypower/valence/internal/values"
)

// loadConfig loads the config file and applies the --db flag.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// openDB is a helper that opens the database for CLI commands.
func openDB(cfg config.Config) (*store.DB, error) {
	path := cfg.Database.Path
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}

// session bundles what a one-shot command needs. Close releases it.
type session struct {
	cfg config.Config
	db  *store.DB
	eng *engine.Engine
	log *logger.Logger
}

func (s *session) Close() {
	s.eng.Stop()
	s.log.Sync()
	s.db.Close()
}

// openSession loads config, opens the database and builds an engine. One-shot
// commands log at warn unless the config asks for debug.
func openSession(quiet bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts := cfg.LoggerOptions()
	if quiet && opts.Level != "debug" {
		opts.Level = "warn"
	}
	log, err := logger.New(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return &session{
		cfg: cfg,
		db:  db,
		eng: engine.New(db, cfg.Settings(), log),
		log: log,
	}, nil
}

// parseTimeFlag accepts RFC3339 or a bare date. Empty means now.
func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s: want RFC3339 or YYYY-MM-DD, got %q", name, v)
}

// parseValues parses a comma-separated value list.
func parseValues(s string) ([]values.Value, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []values.Value
	for _, part := range strings.Split(s, ",") {
		v, ok := values.Parse(strings.TrimSpace(part))
		if !ok {
			return nil, fmt.Errorf("unknown value %q", part)
		}
		out = append(out, v)
	}
	return out, nil
}

// readEvents reads a JSONL file, reporting skipped lines to w.
func readEvents(w io.Writer, path string) ([]values.BeliefEvent, error) {
	var (
		b   events.Batch
		err error
	)
	if path == "-" {
		b, err = events.Read(os.Stdin)
	} else {
		b, err = events.ParseFile(path)
	}
	if err != nil {
		return nil, err
	}
	for _, s := range b.Skipped {
		fmt.Fprintf(w, "  skipped %s\n", s.Error())
	}
	return b.Events, nil
}

func bar(share float64, width int) string {
	n := min(max(int(share*float64(width)+0.5), 0), width)
	return strings.Repeat("█", n) + strings.Repeat("·", width-n)
}
