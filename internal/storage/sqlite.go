package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/ecfr-mirror/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a backup target is already present
	ErrAlreadyExists = errors.New("already exists")
)

const (
	dateLayout = "2006-01-02"
	busyMillis = 5000
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // one writer; titles commit serially
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
		{fmt.Sprintf("PRAGMA busy_timeout=%d", busyMillis), "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db, path: dbPath, now: time.Now}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *SQLiteStorage) Path() string {
	return s.path
}

// SchemaVersion returns the applied schema version
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (string, error) {
	v, err := SchemaVersion(ctx, s.db)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// Title operations

// UpsertTitle reconciles the stored title with tree in a single transaction
// and records the completed ingestion before committing. Any failure rolls
// back every change for the title.
func (s *SQLiteStorage) UpsertTitle(ctx context.Context, tree *types.TitleTree, meta types.IngestionMeta) (*types.IngestionResult, error) {
	if tree == nil {
		return nil, types.ErrEmptyTree
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, classifyError(tree.Number, "begin", err)
	}

	result, err := tx.UpsertTitle(ctx, tree, meta)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyError(tree.Number, "commit", err)
	}
	return result, nil
}

func (t *sqliteTx) UpsertTitle(ctx context.Context, tree *types.TitleTree, meta types.IngestionMeta) (*types.IngestionResult, error) {
	if tree == nil {
		return nil, types.ErrEmptyTree
	}
	return t.storage.upsertTitleWithQuerier(ctx, t.querier(), tree, meta)
}

// deleteTitleWithQuerier removes the title row, which cascades to every
// descendant, and the title's ingestion record so the next run ingests it
// again instead of skipping it as unchanged.
func (s *SQLiteStorage) deleteTitleWithQuerier(ctx context.Context, q querier, titleNumber int) error {
	var removed int64
	for _, stmt := range []string{
		"DELETE FROM titles WHERE title_number = ?",
		"DELETE FROM ingestion_records WHERE title_number = ?",
	} {
		result, err := q.ExecContext(ctx, stmt, titleNumber)
		if err != nil {
			return fmt.Errorf("failed to delete title: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		removed += n
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTitle removes a title, everything below it and its ingestion record
func (s *SQLiteStorage) DeleteTitle(ctx context.Context, titleNumber int) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.DeleteTitle(ctx, titleNumber); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (t *sqliteTx) DeleteTitle(ctx context.Context, titleNumber int) error {
	return t.storage.deleteTitleWithQuerier(ctx, t.querier(), titleNumber)
}

// Ingestion record operations

func (s *SQLiteStorage) getIngestionRecordWithQuerier(ctx context.Context, q querier, titleNumber int) (*types.IngestionRecord, error) {
	query := `
		SELECT title_number, run_id, last_fetched, file_size, file_hash, status,
		       error_class, error_message, records_processed
		FROM ingestion_records WHERE title_number = ?
	`
	var rec types.IngestionRecord
	var runID, fetched, hash, errClass, errMsg sql.NullString
	var status string
	err := q.QueryRowContext(ctx, query, titleNumber).Scan(
		&rec.TitleNumber, &runID, &fetched, &rec.FileSize, &hash, &status,
		&errClass, &errMsg, &rec.RecordsProcessed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion record: %w", err)
	}

	rec.RunID = runID.String
	rec.LastFetched = parseTime(fetched)
	rec.FileHash = hash.String
	rec.Status = types.IngestionStatus(status)
	rec.ErrorClass = errClass.String
	rec.ErrorMessage = errMsg.String
	return &rec, nil
}

// GetIngestionRecord returns the last ingestion attempt for a title
func (s *SQLiteStorage) GetIngestionRecord(ctx context.Context, titleNumber int) (*types.IngestionRecord, error) {
	return s.getIngestionRecordWithQuerier(ctx, s.querier(), titleNumber)
}

func (s *SQLiteStorage) saveIngestionRecordWithQuerier(ctx context.Context, q querier, rec *types.IngestionRecord) error {
	if !types.ValidTitle(rec.TitleNumber) {
		return fmt.Errorf("%w: %d", types.ErrInvalidTitle, rec.TitleNumber)
	}
	status := rec.Status
	if status == "" {
		status = types.StatusPending
	}

	query := `
		INSERT INTO ingestion_records (title_number, run_id, last_fetched, file_size, file_hash, status,
		                               error_class, error_message, records_processed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(title_number) DO UPDATE SET
			run_id = excluded.run_id,
			last_fetched = excluded.last_fetched,
			file_size = excluded.file_size,
			file_hash = excluded.file_hash,
			status = excluded.status,
			error_class = excluded.error_class,
			error_message = excluded.error_message,
			records_processed = excluded.records_processed,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		rec.TitleNumber, nullString(rec.RunID), formatTime(rec.LastFetched), rec.FileSize,
		nullString(rec.FileHash), string(status), nullString(rec.ErrorClass), nullString(rec.ErrorMessage),
		rec.RecordsProcessed, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save ingestion record: %w", err)
	}
	rec.Status = status
	return nil
}

// SaveIngestionRecord creates or overwrites the ingestion record of a title
func (s *SQLiteStorage) SaveIngestionRecord(ctx context.Context, rec *types.IngestionRecord) error {
	return s.saveIngestionRecordWithQuerier(ctx, s.querier(), rec)
}

// Error classification

// classifyError maps a database failure to the error taxonomy. Typed errors
// pass through unchanged.
func classifyError(title int, op string, err error) error {
	if err == nil {
		return nil
	}
	var integrity *types.DataIntegrityError
	var persist *types.PersistenceError
	if errors.As(err, &integrity) || errors.As(err, &persist) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &types.PersistenceError{Title: title, Op: op, Err: err}
	}
	if isConstraintError(err) {
		return &types.DataIntegrityError{Title: title, Entity: op, Err: err}
	}
	return &types.PersistenceError{Title: title, Op: op, Err: err}
}

func isConstraintError(err error) bool {
	if driverConstraintError(err) {
		return true
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// Value helpers

func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatDate(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

func parseDate(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
