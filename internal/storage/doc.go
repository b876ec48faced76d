// Package storage provides SQLite-based persistence for mirrored eCFR titles.
//
// The storage layer manages:
//   - Titles, chapters, subchapters, parts and sections
//   - Paragraph trees, cross references and amendment history
//   - Per-title ingestion records
//   - The sections_fts full-text index
//
// # Database Schema
//
// Tables:
//   - titles: one row per title number (1-50)
//   - chapters, subchapters, parts: the hierarchy, each keyed to its parent
//   - sections: regulatory text plus a content hash of the parsed section
//   - paragraphs: nested paragraphs with parent_id, ordinal and depth
//   - cross_references: citations, with target_section_id once resolved
//   - amendments: append-only publication history
//   - ingestion_records: last attempt per title
//   - sections_fts: FTS5 index kept current by triggers on sections
//
// Every child row cascades from its parent, so deleting a title removes
// everything below it, index rows included.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("data/ecfr.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	result, err := db.UpsertTitle(ctx, tree, types.IngestionMeta{
//	    RunID:       runID,
//	    Fingerprint: doc.Fingerprint,
//	    FileSize:    doc.Size,
//	    FetchedAt:   doc.FetchedAt,
//	})
//
// # Reconciliation
//
// UpsertTitle matches parsed rows against stored rows by natural key
// (chapter number, subchapter letter, part number, section number). A
// section that misses is matched by its source node id instead, so a
// renumbered section keeps its id and its amendment history. Sections whose
// content hash is unchanged are not rewritten. Rows the new tree no longer
// has are deleted. The whole title commits or rolls back as one unit.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite. Building with
// -tags "sqlite_cgo sqlite_fts5" switches to github.com/mattn/go-sqlite3.
package storage
