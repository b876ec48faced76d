// Package change decides whether a fetched title needs to be ingested.
//
// Detection is title-granular: a document either matches the fingerprint
// of the last completed ingestion, in which case nothing is written, or it
// is ingested in full and reconciled row by row by the storage layer.
package change

import "github.com/dshills/ecfr-mirror/pkg/types"

// Action is what the orchestrator should do with a fetched title.
type Action string

const (
	FullIngest Action = "full_ingest"
	Skip       Action = "skip"
)

// Reasons attached to a Decision.
const (
	ReasonForced           = "forced"
	ReasonNeverIngested    = "never ingested"
	ReasonPreviousFailed   = "previous attempt did not complete"
	ReasonContentChanged   = "content changed"
	ReasonUnchanged        = "unchanged since last ingestion"
	ReasonEmptyFingerprint = "no fingerprint"
)

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Reason string
}

// Decide compares the fingerprint of a freshly fetched document with the
// title's ingestion record. Only a completed record with an identical
// fingerprint is skipped; the age of the record does not matter.
func Decide(fingerprint string, rec *types.IngestionRecord, force bool) Decision {
	switch {
	case force:
		return Decision{Action: FullIngest, Reason: ReasonForced}
	case rec == nil:
		return Decision{Action: FullIngest, Reason: ReasonNeverIngested}
	case rec.Status != types.StatusCompleted:
		return Decision{Action: FullIngest, Reason: ReasonPreviousFailed}
	case fingerprint == "":
		return Decision{Action: FullIngest, Reason: ReasonEmptyFingerprint}
	case rec.FileHash != fingerprint:
		return Decision{Action: FullIngest, Reason: ReasonContentChanged}
	default:
		return Decision{Action: Skip, Reason: ReasonUnchanged}
	}
}

// Status reports whether the source differs from what is stored.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusChanged   Status = "changed"
)

// Check is Decide without the force flag, reduced to changed/unchanged.
func Check(fingerprint string, rec *types.IngestionRecord) Status {
	if Decide(fingerprint, rec, false).Action == Skip {
		return StatusUnchanged
	}
	return StatusChanged
}
