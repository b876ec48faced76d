package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dshills/ecfr-mirror/internal/config"
	"github.com/dshills/ecfr-mirror/internal/fetcher"
	"github.com/dshills/ecfr-mirror/internal/ingest"
	"github.com/dshills/ecfr-mirror/internal/logging"
	"github.com/dshills/ecfr-mirror/internal/search"
	"github.com/dshills/ecfr-mirror/internal/storage"
	"github.com/dshills/ecfr-mirror/pkg/types"
)

// app holds what a command needs. Commands that only read the database
// never build the fetcher.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *storage.SQLiteStorage
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dbPathFlag != "" {
		cfg.DBPath = dbPathFlag
	}
	if debugFlag {
		cfg.Debug = true
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openApp loads configuration, builds the logger and opens the database,
// creating its directory when needed.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := storage.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("database opened", "path", cfg.DBPath, "driver", storage.DriverName)

	return &app{cfg: cfg, logger: logger, store: store}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
	a.logger.Sync()
}

func (a *app) searcher() (*search.Searcher, error) {
	return search.NewSearcher(a.store, search.Options{
		CacheSize:    a.cfg.Search.CacheSize,
		DefaultLimit: a.cfg.Search.DefaultLimit,
		Logger:       a.logger,
	})
}

// engine wires the full ingestion pipeline. workers overrides the
// configured pool size when positive.
func (a *app) engine(workers int, onOutcome func(types.TitleOutcome)) (*ingest.Engine, error) {
	if workers <= 0 {
		workers = a.cfg.Ingest.Workers
	}

	s, err := a.searcher()
	if err != nil {
		return nil, err
	}

	f := fetcher.New(fetcher.Config{
		BaseURL:          a.cfg.Fetch.BaseURL,
		UserAgent:        a.cfg.Fetch.UserAgent,
		Timeout:          a.cfg.Fetch.Timeout,
		MaxRetries:       a.cfg.Fetch.MaxRetries,
		RetryDelay:       a.cfg.Fetch.RetryDelay,
		MaxDocumentBytes: a.cfg.Fetch.MaxDocumentBytes,
		ArchiveDir:       a.cfg.ArchiveDir(),
	}, fetcher.NewRateGate(a.cfg.Fetch.RequestInterval), a.logger)

	return ingest.New(ingest.Deps{
		Store:    a.store,
		Fetcher:  f,
		Searcher: s,
		Logger:   a.logger,
	}, ingest.Config{
		Workers:        workers,
		PersistRetries: a.cfg.Ingest.PersistRetries,
		OnOutcome:      onOutcome,
	})
}

// parseTitles accepts "1,7,40", "1-5" and mixes of both. An empty string
// selects every title.
func parseTitles(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return nil, nil
	}

	var titles []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(field, "-")
		first, err := parseTitle(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = parseTitle(hi); err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("invalid title range %q", field)
			}
		}
		for n := first; n <= last; n++ {
			titles = append(titles, n)
		}
	}
	if len(titles) == 0 {
		return nil, fmt.Errorf("no titles in %q", s)
	}
	return titles, nil
}

func parseTitle(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid title number %q", s)
	}
	if !types.ValidTitle(n) {
		return 0, fmt.Errorf("%w: %d", types.ErrInvalidTitle, n)
	}
	return n, nil
}
