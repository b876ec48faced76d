package storage

import (
	"context"

	"github.com/dshills/ecfr-mirror/pkg/types"
)

// Storage defines the interface for persisting and querying regulation data
type Storage interface {
	// Title operations
	UpsertTitle(ctx context.Context, tree *types.TitleTree, meta types.IngestionMeta) (*types.IngestionResult, error)
	GetTitle(ctx context.Context, titleNumber int) (*types.TitleTree, error)
	DeleteTitle(ctx context.Context, titleNumber int) error
	ListTitles(ctx context.Context) ([]types.TitleListing, error)

	// Ingestion record operations
	GetIngestionRecord(ctx context.Context, titleNumber int) (*types.IngestionRecord, error)
	SaveIngestionRecord(ctx context.Context, rec *types.IngestionRecord) error

	// Search operations
	Search(ctx context.Context, query string, limit int) ([]types.SectionSummary, error)

	// Status operations
	GetStatistics(ctx context.Context) (*types.Statistics, error)
	CountRows(ctx context.Context) (types.EntityCounts, error)

	// Database operations
	Vacuum(ctx context.Context) error
	Backup(ctx context.Context, destPath string) error
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction. Writes made through it become
// visible to other readers only after Commit.
type Tx interface {
	UpsertTitle(ctx context.Context, tree *types.TitleTree, meta types.IngestionMeta) (*types.IngestionResult, error)
	DeleteTitle(ctx context.Context, titleNumber int) error

	Commit() error
	Rollback() error
}

// Compile-time checks
var (
	_ Storage = (*SQLiteStorage)(nil)
	_ Tx      = (*sqliteTx)(nil)
)
