package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ecfr-mirror/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	return storage
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// sampleTree returns a title with one chapter, one subchapter and one part
// numbered like the title, holding sections "{n}.1" and "{n}.2".
func sampleTree(n int) *types.TitleTree {
	sec1 := fmt.Sprintf("%d.1", n)
	sec2 := fmt.Sprintf("%d.2", n)
	return &types.TitleTree{
		Number:      n,
		Name:        fmt.Sprintf("Title %d", n),
		AmendedDate: day(2024, 1, 2),
		Chapters: []types.Chapter{{
			Number: "I",
			Name:   "CHAPTER I—AGENCY",
			Subchapters: []types.Subchapter{{
				Letter: "A",
				Name:   "SUBCHAPTER A—GENERAL",
				Parts: []types.Part{{
					Number:    n,
					Name:      fmt.Sprintf("PART %d—GENERAL PROVISIONS", n),
					Authority: "42 U.S.C. 2201",
					Sections: []types.Section{
						{
							Number:  sec1,
							Heading: "Purpose.",
							Content: "(a) This part governs reactor licensing.\n\n(1) Terms are defined in § " + sec2 + ".",
							NodeID:  fmt.Sprintf("%d:1.0.1.1.1.0.1.1", n),
							Paragraphs: []types.Paragraph{
								{Marker: "(a)", Content: "This part governs reactor licensing.", Parent: -1, Ordinal: 1, Depth: 0},
								{Marker: "(1)", Content: "Terms are defined in § " + sec2 + ".", Parent: 0, Ordinal: 1, Depth: 1},
							},
							CrossReferences: []types.CrossReference{
								{Citation: "§ " + sec2, Type: types.RefInternal, TargetTitle: n, TargetSection: sec2},
							},
							Amendments: []types.Amendment{
								{Date: day(1980, 1, 2), Citation: "45 FR 1000", ChangeType: types.ChangeAdded},
							},
						},
						{
							Number:  sec2,
							Heading: "Definitions.",
							Content: "Licensee means the holder of a license.",
							NodeID:  fmt.Sprintf("%d:1.0.1.1.1.0.1.2", n),
							Paragraphs: []types.Paragraph{
								{Content: "Licensee means the holder of a license.", Parent: -1, Ordinal: 1, Depth: 0},
							},
							CrossReferences: []types.CrossReference{},
							Amendments: []types.Amendment{
								{Date: day(1981, 3, 4), Citation: "46 FR 2000", ChangeType: types.ChangeAdded},
							},
						},
					},
				}},
			}},
		}},
	}
}

func sampleMeta(runID string) types.IngestionMeta {
	return types.IngestionMeta{
		RunID:       runID,
		Fingerprint: "abc123",
		FileSize:    4096,
		FetchedAt:   time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

// sectionID looks up the surrogate key of a section by number.
func sectionID(t *testing.T, s *SQLiteStorage, number string) int64 {
	t.Helper()
	var id int64
	err := s.db.QueryRow("SELECT id FROM sections WHERE section_number = ?", number).Scan(&id)
	require.NoError(t, err)
	return id
}

// assertIndexConsistent checks that the search index holds exactly one row
// per section with the section's current text.
func assertIndexConsistent(t *testing.T, s *SQLiteStorage) {
	t.Helper()
	var sections, indexed, mismatched int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM sections").Scan(&sections))
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM sections_fts").Scan(&indexed))
	require.NoError(t, s.db.QueryRow(`
		SELECT COUNT(*) FROM sections s
		LEFT JOIN sections_fts f ON f.rowid = s.id
		WHERE f.rowid IS NULL OR f.section_number IS NOT s.section_number
		   OR f.heading IS NOT s.section_heading OR f.content IS NOT s.section_content`).Scan(&mismatched))
	assert.Equal(t, sections, indexed, "index rows should match section rows")
	assert.Zero(t, mismatched, "index rows should carry current section text")
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	assert.NotNil(t, storage)
	assert.NotNil(t, storage.db)
	assert.NotEmpty(t, BuildMode)
}

func TestClose(t *testing.T) {
	storage := setupTestDB(t)
	err := storage.Close()
	assert.NoError(t, err)
}

func TestMigrations_Applied(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()

	version, err := SchemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version.String())

	for _, name := range []string{"titles", "chapters", "subchapters", "parts", "sections",
		"paragraphs", "cross_references", "amendments", "ingestion_records", "sections_fts"} {
		var found string
		err := storage.db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE name = ?", name).Scan(&found)
		require.NoError(t, err, "table %s should exist", name)
	}

	var triggers int
	err = storage.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND tbl_name = 'sections'").Scan(&triggers)
	require.NoError(t, err)
	assert.Equal(t, 3, triggers)

	// Applying again is a no-op
	require.NoError(t, ApplyMigrations(ctx, storage.db))
}

func TestRollbackMigration_RebuildsIndex(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	_, err := storage.UpsertTitle(ctx, sampleTree(10), sampleMeta("run-1"))
	require.NoError(t, err)

	require.NoError(t, RollbackMigration(ctx, storage.db))
	version, err := SchemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version.String())

	// Re-applying backfills the index from existing sections
	require.NoError(t, ApplyMigrations(ctx, storage.db))
	assertIndexConsistent(t, storage)

	results, err := storage.Search(ctx, "licensee", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "10.2", results[0].SectionNumber)
}

func TestIngestionRecord_SaveGet(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()

	_, err := storage.GetIngestionRecord(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	rec := &types.IngestionRecord{
		TitleNumber: 7,
		RunID:       "run-1",
		LastFetched: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Status:      types.StatusInProgress,
	}
	require.NoError(t, storage.SaveIngestionRecord(ctx, rec))

	got, err := storage.GetIngestionRecord(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, rec.LastFetched.Equal(got.LastFetched))

	// Overwritten on the next attempt
	rec.Status = types.StatusFailed
	rec.ErrorClass = types.ClassPermanentFetch
	rec.ErrorMessage = "404"
	require.NoError(t, storage.SaveIngestionRecord(ctx, rec))

	got, err = storage.GetIngestionRecord(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, types.ClassPermanentFetch, got.ErrorClass)
	assert.Equal(t, "404", got.ErrorMessage)

	err = storage.SaveIngestionRecord(ctx, &types.IngestionRecord{TitleNumber: 51})
	assert.ErrorIs(t, err, types.ErrInvalidTitle)
}

func TestBeginTx_CommitRollback(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()

	// Test commit
	tx, err := storage.BeginTx(ctx)
	require.NoError(t, err)

	_, err = tx.UpsertTitle(ctx, sampleTree(10), sampleMeta("run-1"))
	require.NoError(t, err)

	err = tx.Commit()
	require.NoError(t, err)

	// Verify committed
	rec, err := storage.GetIngestionRecord(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)

	// Test rollback
	tx2, err := storage.BeginTx(ctx)
	require.NoError(t, err)

	_, err = tx2.UpsertTitle(ctx, sampleTree(20), sampleMeta("run-2"))
	require.NoError(t, err)

	err = tx2.Rollback()
	require.NoError(t, err)

	// Verify not committed
	_, err = storage.GetTitle(ctx, 20)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = storage.GetIngestionRecord(ctx, 20)
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := storage.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Titles)
	assertIndexConsistent(t, storage)
}

func TestDeleteTitle_Cascades(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	_, err := storage.UpsertTitle(ctx, sampleTree(10), sampleMeta("run-1"))
	require.NoError(t, err)

	before, err := storage.CountRows(ctx)
	require.NoError(t, err)

	_, err = storage.UpsertTitle(ctx, sampleTree(20), sampleMeta("run-1"))
	require.NoError(t, err)

	require.NoError(t, storage.DeleteTitle(ctx, 20))

	after, err := storage.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "deleting a title should remove every descendant row")
	assertIndexConsistent(t, storage)

	_, err = storage.GetIngestionRecord(ctx, 20)
	assert.ErrorIs(t, err, ErrNotFound, "deleted title must not be skipped as unchanged next run")
	_, err = storage.GetIngestionRecord(ctx, 10)
	assert.NoError(t, err)

	assert.ErrorIs(t, storage.DeleteTitle(ctx, 20), ErrNotFound)
}

func TestDeleteTitle_FailedRecordOnly(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	require.NoError(t, storage.SaveIngestionRecord(ctx, &types.IngestionRecord{
		TitleNumber:  7,
		Status:       types.StatusFailed,
		ErrorClass:   types.ClassPermanentFetch,
		ErrorMessage: "404",
		RunID:        "run-1",
		LastFetched:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}))

	require.NoError(t, storage.DeleteTitle(ctx, 7))
	_, err := storage.GetIngestionRecord(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, storage.DeleteTitle(ctx, 7), ErrNotFound)
}

func TestListTitles(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	for _, n := range []int{20, 10} {
		_, err := storage.UpsertTitle(ctx, sampleTree(n), sampleMeta("run-1"))
		require.NoError(t, err)
	}

	listings, err := storage.ListTitles(ctx)
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, 10, listings[0].TitleNumber)
	assert.Equal(t, 20, listings[1].TitleNumber)
	assert.Equal(t, 1, listings[0].Parts)
	assert.Equal(t, 2, listings[0].Sections)
	assert.Equal(t, "2024-01-02", listings[0].AmendedDate)
	assert.Equal(t, types.StatusCompleted, listings[0].Status)
	assert.False(t, listings[0].UpdatedAt.IsZero())
}

func TestGetStatistics(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	_, err := storage.UpsertTitle(ctx, sampleTree(10), sampleMeta("run-1"))
	require.NoError(t, err)
	require.NoError(t, storage.SaveIngestionRecord(ctx, &types.IngestionRecord{
		TitleNumber: 11,
		Status:      types.StatusFailed,
		ErrorClass:  types.ClassMalformed,
	}))

	stats, err := storage.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts.Titles)
	assert.Equal(t, 2, stats.Counts.Sections)
	assert.Equal(t, 3, stats.Counts.Paragraphs)
	assert.Equal(t, 2, stats.FTSRows)
	assert.Equal(t, 1, stats.StatusCounts[types.StatusCompleted])
	assert.Equal(t, 1, stats.StatusCounts[types.StatusFailed])
	require.Len(t, stats.RecentActivity, 1, "only fetched titles count as activity")
	assert.Equal(t, 10, stats.RecentActivity[0].TitleNumber)
	assert.Greater(t, stats.DatabaseSize, int64(0))
}

func TestBackup(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	_, err := storage.UpsertTitle(ctx, sampleTree(10), sampleMeta("run-1"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, storage.Backup(ctx, dest))

	copied, err := NewSQLiteStorage(dest)
	require.NoError(t, err)
	defer copied.Close()

	counts, err := copied.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Sections)

	results, err := copied.Search(ctx, "reactor", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	err = storage.Backup(ctx, dest)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestVacuum(t *testing.T) {
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "ecfr.db"))
	require.NoError(t, err)
	defer storage.Close()

	ctx := context.Background()
	_, err = storage.UpsertTitle(ctx, sampleTree(10), sampleMeta("run-1"))
	require.NoError(t, err)
	require.NoError(t, storage.DeleteTitle(ctx, 10))

	require.NoError(t, storage.Vacuum(ctx))
	assertIndexConsistent(t, storage)
}

func TestClassifyError(t *testing.T) {
	integrity := &types.DataIntegrityError{Title: 1, Entity: "section"}

	tests := []struct {
		name  string
		err   error
		class string
	}{
		{"constraint", errors.New("UNIQUE constraint failed: sections.part_id, sections.section_number"), types.ClassDataIntegrity},
		{"foreign key", errors.New("FOREIGN KEY constraint failed"), types.ClassDataIntegrity},
		{"busy", errors.New("database is locked"), types.ClassPersistence},
		{"cancelled", context.Canceled, types.ClassPersistence},
		{"typed passes through", integrity, types.ClassDataIntegrity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError(1, "upsert sections", tt.err)
			assert.Equal(t, tt.class, types.ErrorClass(err))
		})
	}
	assert.Nil(t, classifyError(1, "noop", nil))
}

func TestFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"reactor licensing", "reactor licensing"},
		{"licens*", "licens*"},
		{"10.1", `"10.1"`},
		{`part-time "x`, `"part-time" "x"`},
		{"reactor OR holder", "reactor OR holder"},
		{"reactor NOT holder", "reactor NOT holder"},
		{"reactor AND holder", "reactor AND holder"},
		{"reactor or holder", "reactor or holder"},
		{"OR reactor", "reactor"},
		{"reactor NOT", "reactor"},
		{"reactor OR AND holder", "reactor OR holder"},
		{"NOT AND OR", ""},
		{"reactor OR -- holder", "reactor OR holder"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ftsQuery(tt.in))
		})
	}
}

func TestSearch_Operators(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	_, err := storage.UpsertTitle(ctx, sampleTree(10), sampleMeta("run-1"))
	require.NoError(t, err)

	numbers := func(query string) []string {
		results, err := storage.Search(ctx, query, 10)
		require.NoError(t, err, query)
		var out []string
		for _, r := range results {
			out = append(out, r.SectionNumber)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"10.1", "10.2"}, numbers("reactor OR holder"))
	assert.Empty(t, numbers("reactor AND holder"))
	assert.Empty(t, numbers("reactor holder"))
	assert.Equal(t, []string{"10.1"}, numbers("reactor NOT holder"))
	assert.Equal(t, []string{"10.1"}, numbers("OR reactor NOT"))
}
