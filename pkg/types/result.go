package types

import "time"

// Document is one fetched title document.
type Document struct {
	Title       int
	URL         string
	SourceFile  string // archived path when archiving is enabled, otherwise URL
	Body        []byte
	Fingerprint string // sha256 of Body, hex encoded
	StatusCode  int
	Size        int64
	FetchedAt   time.Time
}

// IngestionStatus is the lifecycle state of a title's last ingestion attempt.
type IngestionStatus string

const (
	StatusPending    IngestionStatus = "pending"
	StatusInProgress IngestionStatus = "in_progress"
	StatusCompleted  IngestionStatus = "completed"
	StatusFailed     IngestionStatus = "failed"
)

// IngestionRecord is the persisted state of the last attempt for one title.
type IngestionRecord struct {
	TitleNumber      int             `json:"title_number" yaml:"title_number"`
	RunID            string          `json:"run_id" yaml:"run_id"`
	LastFetched      time.Time       `json:"last_fetched" yaml:"last_fetched"`
	FileSize         int64           `json:"file_size" yaml:"file_size"`
	FileHash         string          `json:"file_hash" yaml:"file_hash"`
	Status           IngestionStatus `json:"status" yaml:"status"`
	ErrorClass       string          `json:"error_class,omitempty" yaml:"error_class,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	RecordsProcessed int             `json:"records_processed" yaml:"records_processed"`
}

// IngestionMeta describes the fetch that produced a tree. The storage layer
// writes it into the completed ingestion record inside the commit.
type IngestionMeta struct {
	RunID       string
	Fingerprint string
	FileSize    int64
	FetchedAt   time.Time
}

// IngestionResult summarizes one committed title. Inserted, Updated,
// Unchanged and Deleted count sections.
type IngestionResult struct {
	TitleNumber      int
	TitleID          int64
	Inserted         int
	Updated          int
	Unchanged        int
	Deleted          int
	RecordsProcessed int // rows written, excluding untouched sections
	Counts           EntityCounts
}

// OutcomeStatus is the result of one title within a batch.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeFailed    OutcomeStatus = "failed"
)

// TitleOutcome is the per-title entry of a BatchResult.
type TitleOutcome struct {
	Title            int           `json:"title" yaml:"title"`
	Status           OutcomeStatus `json:"status" yaml:"status"`
	Reason           string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	ErrorClass       string        `json:"error_class,omitempty" yaml:"error_class,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	RecordsProcessed int           `json:"records_processed" yaml:"records_processed"`
	Attempts         int           `json:"attempts" yaml:"attempts"`
	Duration         time.Duration `json:"duration" yaml:"duration"`
}

// BatchResult is the report of one IngestTitles call. Outcomes are ordered by
// title number.
type BatchResult struct {
	RunID     string         `json:"run_id" yaml:"run_id"`
	Outcomes  []TitleOutcome `json:"outcomes" yaml:"outcomes"`
	Succeeded int            `json:"succeeded" yaml:"succeeded"`
	Skipped   int            `json:"skipped" yaml:"skipped"`
	Failed    int            `json:"failed" yaml:"failed"`
	Duration  time.Duration  `json:"duration" yaml:"duration"`
}

// Outcome returns the outcome for a title, if present.
func (b *BatchResult) Outcome(title int) (TitleOutcome, bool) {
	for _, o := range b.Outcomes {
		if o.Title == title {
			return o, true
		}
	}
	return TitleOutcome{}, false
}

// SectionSummary is one ranked search hit.
type SectionSummary struct {
	SectionID     int64   `json:"section_id" yaml:"section_id"`
	TitleNumber   int     `json:"title_number" yaml:"title_number"`
	TitleName     string  `json:"title_name" yaml:"title_name"`
	ChapterNumber string  `json:"chapter_number" yaml:"chapter_number"`
	PartNumber    int     `json:"part_number" yaml:"part_number"`
	SectionNumber string  `json:"section_number" yaml:"section_number"`
	Heading       string  `json:"heading" yaml:"heading"`
	Snippet       string  `json:"snippet" yaml:"snippet"`
	Score         float64 `json:"score" yaml:"score"`
}

// TitleListing is one row of ListTitles.
type TitleListing struct {
	TitleNumber int             `json:"title_number" yaml:"title_number"`
	TitleName   string          `json:"title_name" yaml:"title_name"`
	AmendedDate string          `json:"amended_date,omitempty" yaml:"amended_date,omitempty"`
	Parts       int             `json:"parts" yaml:"parts"`
	Sections    int             `json:"sections" yaml:"sections"`
	Status      IngestionStatus `json:"status,omitempty" yaml:"status,omitempty"`
	LastFetched time.Time       `json:"last_fetched,omitempty" yaml:"last_fetched,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
}

// Statistics describes the contents of the mirror.
type Statistics struct {
	Counts         EntityCounts            `json:"counts" yaml:"counts"`
	StatusCounts   map[IngestionStatus]int `json:"status_counts" yaml:"status_counts"`
	RecentActivity []IngestionRecord       `json:"recent_activity" yaml:"recent_activity"`
	DatabaseSize   int64                   `json:"database_size" yaml:"database_size"`
	FTSRows        int                     `json:"fts_rows" yaml:"fts_rows"`
}
