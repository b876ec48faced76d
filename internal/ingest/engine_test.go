package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ecfr-mirror/internal/change"
	"github.com/dshills/ecfr-mirror/internal/fetcher"
	"github.com/dshills/ecfr-mirror/internal/search"
	"github.com/dshills/ecfr-mirror/internal/storage"
	"github.com/dshills/ecfr-mirror/internal/testutil"
	"github.com/dshills/ecfr-mirror/pkg/types"
)

// fakeSource serves title documents the way the bulk data service lays
// them out. Titles without a body answer 404.
type fakeSource struct {
	mu       sync.Mutex
	docs     map[int][]byte
	requests atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{docs: make(map[int][]byte)}
}

func (f *fakeSource) set(title int, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[title] = body
}

func (f *fakeSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	var title int
	if _, err := fmt.Sscanf(r.URL.Path, "/title-%d/", &title); err != nil {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	body, ok := f.docs[title]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(body)
}

type testEnv struct {
	source *fakeSource
	store  *storage.SQLiteStorage
	engine *Engine
}

func setupEngine(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	source := newFakeSource()
	srv := httptest.NewServer(source)
	t.Cleanup(srv.Close)

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := fetcher.New(fetcher.Config{
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}, nil, nil)

	eng, err := New(Deps{Store: store, Fetcher: f}, cfg)
	require.NoError(t, err)
	return &testEnv{source: source, store: store, engine: eng}
}

func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func requireOutcome(t *testing.T, result *types.BatchResult, title int) types.TitleOutcome {
	t.Helper()
	o, ok := result.Outcome(title)
	require.True(t, ok, "no outcome for title %d", title)
	return o
}

func TestNew(t *testing.T) {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = New(Deps{Store: store}, Config{})
	assert.Error(t, err, "fetcher is required")

	_, err = New(Deps{Fetcher: fetcher.New(fetcher.Config{}, nil, nil)}, Config{})
	assert.Error(t, err, "store is required")

	eng, err := New(Deps{Store: store, Fetcher: fetcher.New(fetcher.Config{}, nil, nil)}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, eng.cfg.Workers)
	assert.Zero(t, eng.cfg.PersistRetries)
	assert.Equal(t, DefaultPersistRetryDelay, eng.cfg.PersistRetryDelay)
	assert.NotNil(t, eng.parser)
	assert.NotNil(t, eng.searcher)
}

func TestIngestTitles_Success(t *testing.T) {
	env := setupEngine(t, Config{Workers: 2})
	body10 := testutil.SingleSection(10).Bytes()
	env.source.set(10, body10)
	env.source.set(12, testutil.SingleSection(12).Bytes())

	ctx := context.Background()
	result, err := env.engine.IngestTitles(ctx, []int{12, 10, 12}, false)
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	require.Len(t, result.Outcomes, 2, "duplicate titles collapse")
	assert.Equal(t, 10, result.Outcomes[0].Title, "outcomes are sorted by title")
	assert.Equal(t, 2, result.Succeeded)
	assert.Zero(t, result.Failed)

	o := requireOutcome(t, result, 10)
	assert.Equal(t, types.OutcomeSucceeded, o.Status)
	assert.Equal(t, change.ReasonNeverIngested, o.Reason)
	assert.Equal(t, 1, o.Attempts)
	assert.Greater(t, o.RecordsProcessed, 0)

	tree, err := env.store.GetTitle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Test Title 10", tree.Name)
	assert.Equal(t, 1, tree.Counts().Sections)

	rec, err := env.store.GetIngestionRecord(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, fingerprint(body10), rec.FileHash)
	assert.Equal(t, int64(len(body10)), rec.FileSize)
	assert.Equal(t, result.RunID, rec.RunID)
	assert.False(t, env.engine.Running())
}

func TestIngestTitles_UnchangedSkipped(t *testing.T) {
	env := setupEngine(t, Config{})
	env.source.set(10, testutil.SingleSection(10).Bytes())
	ctx := context.Background()

	_, err := env.engine.IngestTitles(ctx, []int{10}, false)
	require.NoError(t, err)
	before, err := env.store.TitleUpdatedAt(ctx, 10)
	require.NoError(t, err)

	result, err := env.engine.IngestTitles(ctx, []int{10}, false)
	require.NoError(t, err)

	o := requireOutcome(t, result, 10)
	assert.Equal(t, types.OutcomeSkipped, o.Status)
	assert.Equal(t, change.ReasonUnchanged, o.Reason)
	assert.Zero(t, o.Attempts)
	assert.Equal(t, 1, result.Skipped)

	after, err := env.store.TitleUpdatedAt(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, before, after, "skipped title is not rewritten")

	rec, err := env.store.GetIngestionRecord(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Zero(t, rec.RecordsProcessed)
	assert.Equal(t, result.RunID, rec.RunID)
}

func TestIngestTitles_Force(t *testing.T) {
	env := setupEngine(t, Config{})
	env.source.set(10, testutil.SingleSection(10).Bytes())
	ctx := context.Background()

	_, err := env.engine.IngestTitles(ctx, []int{10}, false)
	require.NoError(t, err)

	result, err := env.engine.IngestTitles(ctx, []int{10}, true)
	require.NoError(t, err)

	o := requireOutcome(t, result, 10)
	assert.Equal(t, types.OutcomeSucceeded, o.Status)
	assert.Equal(t, change.ReasonForced, o.Reason)

	// Identical content: the reconciler leaves every row alone
	counts, err := env.store.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Sections)
}

func TestIngestTitles_MalformedIsolated(t *testing.T) {
	env := setupEngine(t, Config{Workers: 2})
	env.source.set(10, testutil.SingleSection(10).Bytes())
	env.source.set(11, []byte(`<?xml version="1.0"?><DLPSTEXTCLASS><DIV1 N="11" TYPE="TITLE">`))
	ctx := context.Background()

	result, err := env.engine.IngestTitles(ctx, []int{10, 11}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	bad := requireOutcome(t, result, 11)
	assert.Equal(t, types.OutcomeFailed, bad.Status)
	assert.Equal(t, types.ClassMalformed, bad.ErrorClass)
	assert.NotEmpty(t, bad.ErrorMessage)

	_, err = env.store.GetTitle(ctx, 11)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec, err := env.store.GetIngestionRecord(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, types.ClassMalformed, rec.ErrorClass)

	_, err = env.store.GetTitle(ctx, 10)
	assert.NoError(t, err)
}

func TestIngestTitles_FailureKeepsPriorData(t *testing.T) {
	env := setupEngine(t, Config{})
	env.source.set(10, testutil.SingleSection(10).Bytes())
	ctx := context.Background()

	_, err := env.engine.IngestTitles(ctx, []int{10}, false)
	require.NoError(t, err)
	before, err := env.store.GetTitle(ctx, 10)
	require.NoError(t, err)

	env.source.set(10, []byte("not xml at all"))
	result, err := env.engine.IngestTitles(ctx, []int{10}, false)
	require.NoError(t, err)
	assert.Equal(t, types.ClassMalformed, requireOutcome(t, result, 10).ErrorClass)

	after, err := env.store.GetTitle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, before.Signature(), after.Signature())

	// The failed record forces a full ingest once the source recovers
	env.source.set(10, testutil.SingleSection(10).Bytes())
	result, err = env.engine.IngestTitles(ctx, []int{10}, false)
	require.NoError(t, err)
	o := requireOutcome(t, result, 10)
	assert.Equal(t, types.OutcomeSucceeded, o.Status)
	assert.Equal(t, change.ReasonPreviousFailed, o.Reason)
}

func TestIngestTitles_NotFoundContinues(t *testing.T) {
	env := setupEngine(t, Config{Workers: 1})
	env.source.set(10, testutil.SingleSection(10).Bytes())
	env.source.set(14, testutil.SingleSection(14).Bytes())

	result, err := env.engine.IngestTitles(context.Background(), []int{10, 13, 14}, false)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Succeeded)
	missing := requireOutcome(t, result, 13)
	assert.Equal(t, types.OutcomeFailed, missing.Status)
	assert.Equal(t, types.ClassPermanentFetch, missing.ErrorClass)
	assert.Equal(t, types.OutcomeSucceeded, requireOutcome(t, result, 14).Status)
}

func TestIngestTitles_InvalidTitle(t *testing.T) {
	env := setupEngine(t, Config{})

	_, err := env.engine.IngestTitles(context.Background(), []int{10, 51}, false)
	assert.ErrorIs(t, err, types.ErrInvalidTitle)
	assert.Zero(t, env.source.requests.Load())
}

func TestIngestTitles_CancelledBeforeStart(t *testing.T) {
	env := setupEngine(t, Config{})
	env.source.set(10, testutil.SingleSection(10).Bytes())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.engine.IngestTitles(ctx, []int{10, 12}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	for _, o := range result.Outcomes {
		assert.Equal(t, types.ClassCancelled, o.ErrorClass)
	}

	// Titles that never started leave no trace
	_, err = env.store.GetIngestionRecord(context.Background(), 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, env.source.requests.Load())
}

// blockingFetcher holds every fetch until release is closed
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) Fetch(ctx context.Context, title int) (*types.Document, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, &types.TransientFetchError{Title: title, Err: ctx.Err()}
	}
	body := testutil.SingleSection(title).Bytes()
	return &types.Document{
		Title:       title,
		Body:        body,
		Fingerprint: fingerprint(body),
		Size:        int64(len(body)),
		FetchedAt:   time.Now(),
	}, nil
}

func newBlockingEngine(t *testing.T) (*Engine, *blockingFetcher, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bf := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	eng, err := New(Deps{Store: store, Fetcher: bf}, Config{Workers: 1})
	require.NoError(t, err)
	return eng, bf, store
}

func TestIngestTitles_ConcurrentBatchRejected(t *testing.T) {
	eng, bf, _ := newBlockingEngine(t)

	done := make(chan error, 1)
	go func() {
		_, err := eng.IngestTitles(context.Background(), []int{10}, false)
		done <- err
	}()

	<-bf.entered
	assert.True(t, eng.Running())

	_, err := eng.IngestTitles(context.Background(), []int{12}, false)
	assert.ErrorIs(t, err, ErrBatchInProgress)

	close(bf.release)
	require.NoError(t, <-done)
	assert.False(t, eng.Running())
}

func TestIngestTitles_CancelledDuringFetch(t *testing.T) {
	eng, bf, store := newBlockingEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan *types.BatchResult, 1)
	go func() {
		result, err := eng.IngestTitles(ctx, []int{10, 12}, false)
		assert.NoError(t, err)
		resultCh <- result
	}()

	<-bf.entered
	cancel()
	result := <-resultCh

	assert.Equal(t, 2, result.Failed)
	first := requireOutcome(t, result, 10)
	assert.Equal(t, types.ClassCancelled, first.ErrorClass)

	rec, err := store.GetIngestionRecord(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, types.ClassCancelled, rec.ErrorClass)

	_, err = store.GetTitle(context.Background(), 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Title 12 was still queued and never started
	_, err = store.GetIngestionRecord(context.Background(), 12)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// flakyStore fails the first failures calls to UpsertTitle with err
type flakyStore struct {
	storage.Storage
	failures int32
	err      error
	calls    atomic.Int32
}

func (f *flakyStore) UpsertTitle(ctx context.Context, tree *types.TitleTree, meta types.IngestionMeta) (*types.IngestionResult, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return f.Storage.UpsertTitle(ctx, tree, meta)
}

func newFlakyEngine(t *testing.T, failures int32, failErr error, retries int) (*Engine, *flakyStore, *fakeSource) {
	t.Helper()
	source := newFakeSource()
	srv := httptest.NewServer(source)
	t.Cleanup(srv.Close)

	base, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })

	store := &flakyStore{Storage: base, failures: failures, err: failErr}
	f := fetcher.New(fetcher.Config{BaseURL: srv.URL, MaxRetries: 1, RetryDelay: time.Millisecond}, nil, nil)
	eng, err := New(Deps{Store: store, Fetcher: f}, Config{
		PersistRetries:    retries,
		PersistRetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return eng, store, source
}

func TestIngestTitles_PersistenceErrorRetried(t *testing.T) {
	busy := &types.PersistenceError{Title: 10, Op: "commit", Err: errors.New("database is locked")}
	eng, store, source := newFlakyEngine(t, 1, busy, 2)
	source.set(10, testutil.SingleSection(10).Bytes())

	result, err := eng.IngestTitles(context.Background(), []int{10}, false)
	require.NoError(t, err)

	o := requireOutcome(t, result, 10)
	assert.Equal(t, types.OutcomeSucceeded, o.Status)
	assert.Equal(t, 2, o.Attempts)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestIngestTitles_PersistenceRetriesExhausted(t *testing.T) {
	busy := &types.PersistenceError{Title: 10, Op: "commit", Err: errors.New("database is locked")}
	eng, store, source := newFlakyEngine(t, 10, busy, 1)
	source.set(10, testutil.SingleSection(10).Bytes())

	result, err := eng.IngestTitles(context.Background(), []int{10}, false)
	require.NoError(t, err)

	o := requireOutcome(t, result, 10)
	assert.Equal(t, types.OutcomeFailed, o.Status)
	assert.Equal(t, types.ClassPersistence, o.ErrorClass)
	assert.Equal(t, 2, o.Attempts)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestIngestTitles_IntegrityErrorNotRetried(t *testing.T) {
	dup := &types.DataIntegrityError{Title: 10, Entity: "section", Key: "10.1"}
	eng, store, source := newFlakyEngine(t, 10, dup, 3)
	source.set(10, testutil.SingleSection(10).Bytes())

	result, err := eng.IngestTitles(context.Background(), []int{10}, false)
	require.NoError(t, err)

	o := requireOutcome(t, result, 10)
	assert.Equal(t, types.ClassDataIntegrity, o.ErrorClass)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestIngestTitles_OnOutcome(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
	)
	env := setupEngine(t, Config{Workers: 3, OnOutcome: func(o types.TitleOutcome) {
		mu.Lock()
		seen = append(seen, o.Title)
		mu.Unlock()
	}})
	env.source.set(10, testutil.SingleSection(10).Bytes())

	_, err := env.engine.IngestTitles(context.Background(), []int{10, 11, 12}, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{10, 11, 12}, seen)
}

func TestIngestTitles_SearchReflectsNewContent(t *testing.T) {
	env := setupEngine(t, Config{})
	ctx := context.Background()

	doc := testutil.SingleSection(10)
	env.source.set(10, doc.Bytes())
	_, err := env.engine.IngestTitles(ctx, []int{10}, false)
	require.NoError(t, err)

	resp, err := env.engine.Search(ctx, search.Request{Query: "scope"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	cached, err := env.engine.Search(ctx, search.Request{Query: "scope"})
	require.NoError(t, err)
	assert.True(t, cached.CacheHit)

	sec := &doc.Chapters[0].Subchapters[0].Parts[0].Sections[0]
	sec.Heading = "Purpose."
	sec.Paragraphs = []string{"This part states the purpose of the regulations in this title."}
	env.source.set(10, doc.Bytes())

	result, err := env.engine.IngestTitles(ctx, []int{10}, false)
	require.NoError(t, err)
	assert.Equal(t, change.ReasonContentChanged, requireOutcome(t, result, 10).Reason)

	resp, err = env.engine.Search(ctx, search.Request{Query: "scope"})
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Empty(t, resp.Results)

	resp, err = env.engine.Search(ctx, search.Request{Query: "purpose"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Purpose.", resp.Results[0].Heading)
}

func TestCheckForUpdates(t *testing.T) {
	env := setupEngine(t, Config{})
	ctx := context.Background()
	doc := testutil.SingleSection(10)
	env.source.set(10, doc.Bytes())

	statuses, err := env.engine.CheckForUpdates(ctx, []int{10})
	require.NoError(t, err)
	assert.Equal(t, change.StatusChanged, statuses[10], "never ingested")

	_, err = env.engine.IngestTitles(ctx, []int{10}, false)
	require.NoError(t, err)

	statuses, err = env.engine.CheckForUpdates(ctx, []int{10})
	require.NoError(t, err)
	assert.Equal(t, change.StatusUnchanged, statuses[10])

	doc.Name = "Renamed Title"
	env.source.set(10, doc.Bytes())
	statuses, err = env.engine.CheckForUpdates(ctx, []int{10, 13})
	require.Error(t, err, "title 13 cannot be fetched")
	assert.Contains(t, err.Error(), "title 13")
	assert.Equal(t, change.StatusChanged, statuses[10])
	_, ok := statuses[13]
	assert.False(t, ok)

	// Checking writes nothing
	rec, err := env.store.GetIngestionRecord(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.NotEqual(t, fingerprint(doc.Bytes()), rec.FileHash)
}

func TestGetTitle_Invalid(t *testing.T) {
	env := setupEngine(t, Config{})
	_, err := env.engine.GetTitle(context.Background(), 0)
	assert.ErrorIs(t, err, types.ErrInvalidTitle)
}

func TestNormalizeTitles(t *testing.T) {
	all, err := normalizeTitles(nil)
	require.NoError(t, err)
	assert.Len(t, all, 50)

	got, err := normalizeTitles([]int{40, 7, 40, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 7, 40}, got)

	_, err = normalizeTitles([]int{-1})
	assert.ErrorIs(t, err, types.ErrInvalidTitle)
}

// TestRunLock_ConcurrentAcquisition tests RunLock behavior under concurrent access.
func TestRunLock_ConcurrentAcquisition(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "TryAcquire succeeds when lock is available",
			testFunc: func(t *testing.T) {
				var lock RunLock
				assert.True(t, lock.TryAcquire())
				assert.True(t, lock.Held())
				lock.Release()
				assert.False(t, lock.Held())
			},
		},
		{
			name: "TryAcquire fails when lock is held",
			testFunc: func(t *testing.T) {
				var lock RunLock
				require.True(t, lock.TryAcquire())
				assert.False(t, lock.TryAcquire(), "second TryAcquire should fail while lock is held")
				lock.Release()
			},
		},
		{
			name: "Release makes lock available again",
			testFunc: func(t *testing.T) {
				var lock RunLock
				require.True(t, lock.TryAcquire())
				lock.Release()
				assert.True(t, lock.TryAcquire(), "lock should be available after Release")
				lock.Release()
			},
		},
		{
			name: "Concurrent goroutines attempting acquisition",
			testFunc: func(t *testing.T) {
				var lock RunLock
				const numGoroutines = 100

				acquired := make([]bool, numGoroutines)
				var wg sync.WaitGroup
				wg.Add(numGoroutines)
				for i := 0; i < numGoroutines; i++ {
					go func(idx int) {
						defer wg.Done()
						acquired[idx] = lock.TryAcquire()
					}(i)
				}
				wg.Wait()

				successCount := 0
				for _, success := range acquired {
					if success {
						successCount++
					}
				}
				assert.Equal(t, 1, successCount, "exactly one goroutine should acquire the lock")
				lock.Release()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}
