package types

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors for validation
var (
	ErrInvalidTitle = errors.New("title number must be between 1 and 50")
	ErrEmptyTree    = errors.New("title tree has no title number")
)

// Error classes recorded on ingestion records and batch outcomes.
const (
	ClassTransientFetch = "transient_fetch"
	ClassPermanentFetch = "permanent_fetch"
	ClassMalformed      = "malformed_document"
	ClassDataIntegrity  = "data_integrity"
	ClassPersistence    = "persistence"
	ClassCancelled      = "cancelled"
	ClassInternal       = "internal"
)

// TransientFetchError is a fetch failure that may succeed on retry:
// network errors, timeouts, 429 and 5xx responses.
type TransientFetchError struct {
	Title      int
	URL        string
	StatusCode int // 0 when no response was received
	RetryAfter time.Duration
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient fetch error for title %d: HTTP %d from %s: %v", e.Title, e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("transient fetch error for title %d from %s: %v", e.Title, e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is a fetch failure that retrying will not fix.
type PermanentFetchError struct {
	Title      int
	URL        string
	StatusCode int
	Err        error
}

func (e *PermanentFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent fetch error for title %d: HTTP %d from %s: %v", e.Title, e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("permanent fetch error for title %d from %s: %v", e.Title, e.URL, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// MalformedDocumentError reports a document that could not be turned into a
// complete tree. Location is a slash separated element path.
type MalformedDocumentError struct {
	Title    int
	Location string
	Reason   string
	Err      error
}

func (e *MalformedDocumentError) Error() string {
	msg := fmt.Sprintf("malformed document for title %d", e.Title)
	if e.Location != "" {
		msg += " at " + e.Location
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

// DataIntegrityError is a constraint violation: a duplicate natural key in
// the parsed tree or one rejected by the database. It is not retried.
type DataIntegrityError struct {
	Title  int
	Entity string
	Key    string
	Err    error
}

func (e *DataIntegrityError) Error() string {
	msg := fmt.Sprintf("data integrity violation for title %d", e.Title)
	if e.Entity != "" {
		msg += fmt.Sprintf(": %s %q", e.Entity, e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

// PersistenceError is a storage failure other than a constraint violation
// (busy database, I/O error). The transaction has been rolled back.
type PersistenceError struct {
	Title int
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error for title %d during %s: %v", e.Title, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var transient *TransientFetchError
	var persistence *PersistenceError
	return errors.As(err, &transient) || errors.As(err, &persistence)
}

// ErrorClass maps an error to the class name stored with ingestion outcomes.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}

	var (
		transient *TransientFetchError
		permanent *PermanentFetchError
		malformed *MalformedDocumentError
		integrity *DataIntegrityError
		persist   *PersistenceError
	)
	switch {
	case errors.Is(err, ErrCancelled):
		return ClassCancelled
	case errors.As(err, &malformed):
		return ClassMalformed
	case errors.As(err, &integrity):
		return ClassDataIntegrity
	case errors.As(err, &persist):
		return ClassPersistence
	case errors.As(err, &permanent):
		return ClassPermanentFetch
	case errors.As(err, &transient):
		return ClassTransientFetch
	default:
		return ClassInternal
	}
}

// ErrCancelled marks titles that did not finish because the batch was
// cancelled before their data was committed.
var ErrCancelled = errors.New("ingestion cancelled")
