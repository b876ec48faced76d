package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/ecfr-mirror/internal/change"
	"github.com/dshills/ecfr-mirror/internal/logging"
	"github.com/dshills/ecfr-mirror/internal/parser"
	"github.com/dshills/ecfr-mirror/internal/search"
	"github.com/dshills/ecfr-mirror/internal/storage"
	"github.com/dshills/ecfr-mirror/pkg/types"
)

// ErrBatchInProgress is returned when IngestTitles is called while another
// batch is running on the same Engine
var ErrBatchInProgress = errors.New("an ingestion batch is already running")

const (
	DefaultWorkers           = 4
	DefaultPersistRetryDelay = 500 * time.Millisecond
)

// Fetcher downloads one title document
type Fetcher interface {
	Fetch(ctx context.Context, title int) (*types.Document, error)
}

// Parser turns a title document into a tree
type Parser interface {
	Parse(data []byte, title int) (*types.TitleTree, error)
}

// Config contains configuration for the engine
type Config struct {
	Workers           int           // Titles processed concurrently (default: 4)
	PersistRetries    int           // Extra attempts after a persistence failure
	PersistRetryDelay time.Duration // First delay between persistence attempts

	// OnOutcome, when set, is called as each title finishes. Calls may come
	// from several goroutines at once.
	OnOutcome func(types.TitleOutcome)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PersistRetries < 0 {
		c.PersistRetries = 0
	}
	if c.PersistRetryDelay <= 0 {
		c.PersistRetryDelay = DefaultPersistRetryDelay
	}
	return c
}

// Engine coordinates the ingestion pipeline: fetch -> parse -> detect -> persist
type Engine struct {
	store    storage.Storage
	fetcher  Fetcher
	parser   Parser
	searcher *search.Searcher
	cfg      Config
	logger   *logging.Logger

	lock     RunLock
	newRunID func() string
}

// Deps are the components an Engine drives. Parser and Searcher are created
// with defaults when nil.
type Deps struct {
	Store    storage.Storage
	Fetcher  Fetcher
	Parser   Parser
	Searcher *search.Searcher
	Logger   *logging.Logger
}

// New creates a new Engine instance
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("engine requires a fetcher")
	}
	logger := logging.Or(deps.Logger)
	if deps.Parser == nil {
		deps.Parser = parser.New(logger)
	}
	if deps.Searcher == nil {
		s, err := search.NewSearcher(deps.Store, search.Options{Logger: logger})
		if err != nil {
			return nil, err
		}
		deps.Searcher = s
	}

	return &Engine{
		store:    deps.Store,
		fetcher:  deps.Fetcher,
		parser:   deps.Parser,
		searcher: deps.Searcher,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		newRunID: uuid.NewString,
	}, nil
}

// normalizeTitles validates, dedupes and sorts the requested titles. An
// empty request means every title.
func normalizeTitles(ids []int) ([]int, error) {
	if len(ids) == 0 {
		return types.AllTitles(), nil
	}
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !types.ValidTitle(id) {
			return nil, fmt.Errorf("%w: %d", types.ErrInvalidTitle, id)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out, nil
}

// IngestTitles fetches, parses and stores the given titles. A failing title
// never stops the batch; its outcome carries the error class and message.
// Cancelling ctx stops new titles from starting; a title that is already
// writing finishes its commit or rollback.
func (e *Engine) IngestTitles(ctx context.Context, ids []int, force bool) (*types.BatchResult, error) {
	titles, err := normalizeTitles(ids)
	if err != nil {
		return nil, err
	}

	if !e.lock.TryAcquire() {
		return nil, ErrBatchInProgress
	}
	defer e.lock.Release()

	startTime := time.Now()
	runID := e.newRunID()
	logger := e.logger.With("run_id", runID)
	logger.Info("ingestion batch started", "titles", len(titles), "workers", e.cfg.Workers, "force", force)

	outcomes := make([]types.TitleOutcome, len(titles))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)

	for i, title := range titles {
		if ctx.Err() != nil {
			outcomes[i] = e.notStarted(title)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = e.notStarted(title)
				return nil
			}
			outcomes[i] = e.ingestTitle(ctx, logger, runID, title, force)
			return nil
		})
	}
	_ = g.Wait() // workers report through outcomes

	result := &types.BatchResult{RunID: runID, Outcomes: outcomes, Duration: time.Since(startTime)}
	for _, o := range outcomes {
		switch o.Status {
		case types.OutcomeSucceeded:
			result.Succeeded++
		case types.OutcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	logger.Info("ingestion batch finished",
		"succeeded", result.Succeeded, "skipped", result.Skipped, "failed", result.Failed,
		"duration", result.Duration)
	return result, nil
}

func (e *Engine) notStarted(title int) types.TitleOutcome {
	o := types.TitleOutcome{
		Title:        title,
		Status:       types.OutcomeFailed,
		ErrorClass:   types.ClassCancelled,
		ErrorMessage: types.ErrCancelled.Error(),
	}
	e.report(o)
	return o
}

func (e *Engine) report(o types.TitleOutcome) {
	if e.cfg.OnOutcome != nil {
		e.cfg.OnOutcome(o)
	}
}

// ingestTitle runs one title through the pipeline. Ingestion record writes
// and the commit itself run without cancellation so that the stored state
// always matches the reported outcome.
func (e *Engine) ingestTitle(ctx context.Context, logger *logging.Logger, runID string, title int, force bool) types.TitleOutcome {
	start := time.Now()
	logger = logger.With("title", title)
	persistCtx := context.WithoutCancel(ctx)

	outcome := types.TitleOutcome{Title: title}
	finish := func() types.TitleOutcome {
		outcome.Duration = time.Since(start)
		e.report(outcome)
		return outcome
	}
	fail := func(stage string, err error, doc *types.Document) types.TitleOutcome {
		if ctx.Err() != nil && stage != "persist" {
			err = fmt.Errorf("%w during %s: %v", types.ErrCancelled, stage, err)
		}
		outcome.Status = types.OutcomeFailed
		outcome.ErrorClass = types.ErrorClass(err)
		outcome.ErrorMessage = err.Error()

		rec := &types.IngestionRecord{
			TitleNumber:  title,
			RunID:        runID,
			LastFetched:  time.Now(),
			Status:       types.StatusFailed,
			ErrorClass:   outcome.ErrorClass,
			ErrorMessage: outcome.ErrorMessage,
		}
		if doc != nil {
			rec.LastFetched = doc.FetchedAt
			rec.FileSize = doc.Size
			rec.FileHash = doc.Fingerprint
		}
		if serr := e.store.SaveIngestionRecord(persistCtx, rec); serr != nil {
			logger.Error("failed to record ingestion failure", "error", serr)
		}
		logger.Warn("title failed", "stage", stage, "error_class", outcome.ErrorClass, "error", err)
		return finish()
	}

	prior, err := e.store.GetIngestionRecord(ctx, title)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fail("load record", &types.PersistenceError{Title: title, Op: "load ingestion record", Err: err}, nil)
	}
	if errors.Is(err, storage.ErrNotFound) {
		prior = nil
	}

	if err := e.store.SaveIngestionRecord(persistCtx, &types.IngestionRecord{
		TitleNumber: title,
		RunID:       runID,
		LastFetched: time.Now(),
		Status:      types.StatusInProgress,
	}); err != nil {
		return fail("record start", &types.PersistenceError{Title: title, Op: "save ingestion record", Err: err}, nil)
	}

	doc, err := e.fetcher.Fetch(ctx, title)
	if err != nil {
		return fail("fetch", err, nil)
	}

	decision := change.Decide(doc.Fingerprint, prior, force)
	if decision.Action == change.Skip {
		err := e.store.SaveIngestionRecord(persistCtx, &types.IngestionRecord{
			TitleNumber: title,
			RunID:       runID,
			LastFetched: doc.FetchedAt,
			FileSize:    doc.Size,
			FileHash:    doc.Fingerprint,
			Status:      types.StatusCompleted,
		})
		if err != nil {
			return fail("record skip", &types.PersistenceError{Title: title, Op: "save ingestion record", Err: err}, doc)
		}
		outcome.Status = types.OutcomeSkipped
		outcome.Reason = decision.Reason
		logger.Info("title unchanged, skipped", "fingerprint", doc.Fingerprint)
		return finish()
	}
	outcome.Reason = decision.Reason

	tree, err := e.parser.Parse(doc.Body, title)
	if err != nil {
		return fail("parse", err, doc)
	}
	tree.SourceFile = doc.SourceFile
	if ctx.Err() != nil {
		return fail("parse", ctx.Err(), doc)
	}

	meta := types.IngestionMeta{
		RunID:       runID,
		Fingerprint: doc.Fingerprint,
		FileSize:    doc.Size,
		FetchedAt:   doc.FetchedAt,
	}
	result, attempts, err := e.persist(persistCtx, logger, tree, meta)
	outcome.Attempts = attempts
	if err != nil {
		return fail("persist", err, doc)
	}

	e.searcher.Purge()

	outcome.Status = types.OutcomeSucceeded
	outcome.RecordsProcessed = result.RecordsProcessed
	logger.Info("title ingested",
		"fingerprint", doc.Fingerprint, "records", result.RecordsProcessed,
		"inserted", result.Inserted, "updated", result.Updated,
		"unchanged", result.Unchanged, "deleted", result.Deleted,
		"reason", decision.Reason)
	return finish()
}

// persist writes the tree, retrying persistence errors. Integrity errors
// and anything else stop at once.
func (e *Engine) persist(ctx context.Context, logger *logging.Logger, tree *types.TitleTree, meta types.IngestionMeta) (*types.IngestionResult, int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.PersistRetryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.1

	attempts := 0
	operation := func() (*types.IngestionResult, error) {
		attempts++
		result, err := e.store.UpsertTitle(ctx, tree, meta)
		if err == nil {
			return result, nil
		}
		var persistErr *types.PersistenceError
		if errors.As(err, &persistErr) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(e.cfg.PersistRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("persist attempt failed, retrying", "attempt", attempts, "next_in", next, "error", err)
		}),
	)
	return result, attempts, err
}

// CheckForUpdates fetches each title and reports whether it differs from
// the last completed ingestion. Nothing is written. Titles that could not
// be fetched are left out of the map and reported in the joined error.
func (e *Engine) CheckForUpdates(ctx context.Context, ids []int) (map[int]change.Status, error) {
	titles, err := normalizeTitles(ids)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		statuses = make(map[int]change.Status, len(titles))
		errs     []error
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)

	for _, title := range titles {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			status, err := e.checkTitle(ctx, title)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("title %d: %w", title, err))
				return nil
			}
			statuses[title] = status
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return statuses, errors.Join(errs...)
}

func (e *Engine) checkTitle(ctx context.Context, title int) (change.Status, error) {
	rec, err := e.store.GetIngestionRecord(ctx, title)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if errors.Is(err, storage.ErrNotFound) {
		rec = nil
	}
	doc, err := e.fetcher.Fetch(ctx, title)
	if err != nil {
		return "", err
	}
	return change.Check(doc.Fingerprint, rec), nil
}

// Search runs a ranked full-text query
func (e *Engine) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	if req.Format == "" {
		req.Format = search.FormatText
	}
	req.UseCache = true
	return e.searcher.Search(ctx, req)
}

// GetTitle returns the stored tree of a title
func (e *Engine) GetTitle(ctx context.Context, title int) (*types.TitleTree, error) {
	if !types.ValidTitle(title) {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidTitle, title)
	}
	return e.store.GetTitle(ctx, title)
}

// GetStatistics returns row counts and ingestion activity
func (e *Engine) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	return e.store.GetStatistics(ctx)
}

// ListTitles returns every stored title
func (e *Engine) ListTitles(ctx context.Context) ([]types.TitleListing, error) {
	return e.store.ListTitles(ctx)
}

// Running reports whether a batch is in progress
func (e *Engine) Running() bool {
	return e.lock.Held()
}
