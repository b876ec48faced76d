// Package fetcher downloads per-title eCFR XML documents from GovInfo.
//
// Each title lives at a fixed bulk data location:
//
//	{BaseURL}/title-{n}/ECFR-title{n}.xml
//
// Fetch returns the raw bytes with their sha256 fingerprint, which the change
// detector compares against the last completed ingestion.
//
// # Retries
//
// Network errors, timeouts, 429 and 5xx responses are transient and retried
// with exponential backoff up to MaxRetries attempts. A Retry-After header
// replaces the computed delay. 404, 410, other 4xx responses, empty bodies and
// bodies above MaxDocumentBytes fail immediately.
//
// # Rate Limiting
//
// Every attempt first waits on a RateGate. Pass the same gate to every
// fetcher of a batch so the request interval holds across workers:
//
//	gate := fetcher.NewRateGate(500 * time.Millisecond)
//	f := fetcher.New(cfg, gate, logger)
package fetcher
