// Package ingest coordinates the ingestion pipeline for eCFR titles.
//
// The engine runs each requested title through fetch, change detection,
// parse and persist, several titles at a time:
//
//	eng, err := ingest.New(ingest.Deps{
//	    Store:   db,
//	    Fetcher: fetcher.New(fetchCfg, gate, logger),
//	    Logger:  logger,
//	}, ingest.Config{Workers: 4})
//
//	result, err := eng.IngestTitles(ctx, []int{1, 7, 40}, false)
//	fmt.Printf("%d succeeded, %d skipped, %d failed\n",
//	    result.Succeeded, result.Skipped, result.Failed)
//
// # Incremental Ingestion
//
// A title whose fetched document has the same SHA-256 fingerprint as its
// last completed ingestion is skipped without parsing. Pass force to
// re-ingest regardless.
//
// # Failure Isolation
//
// One failing title never aborts the batch. Its outcome and ingestion
// record carry an error class (transient_fetch, permanent_fetch,
// malformed_document, data_integrity, persistence, cancelled) and the
// rows stored by earlier runs stay untouched.
//
// # Cancellation
//
// Cancelling the context stops titles that have not started. A title that
// has begun its database transaction finishes it, so the database is never
// left with a partial title.
//
// Only one batch may run per Engine. A second call while one is running
// returns ErrBatchInProgress.
package ingest
