package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations. They are applied in
// semantic version order regardless of their position here.
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      migrationV11Up,
		Down:    migrationV11Down,
	},
}

const migrationV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS titles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title_number INTEGER NOT NULL UNIQUE CHECK (title_number BETWEEN 1 AND 50),
    title_name TEXT NOT NULL DEFAULT '',
    amended_date TEXT,
    source_file TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chapters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title_id INTEGER NOT NULL,
    chapter_number TEXT NOT NULL,
    chapter_name TEXT NOT NULL DEFAULT '',
    xml_node_id TEXT,
    FOREIGN KEY (title_id) REFERENCES titles(id) ON DELETE CASCADE,
    UNIQUE(title_id, chapter_number)
);

CREATE TABLE IF NOT EXISTS subchapters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chapter_id INTEGER NOT NULL,
    subchapter_letter TEXT NOT NULL,
    subchapter_name TEXT NOT NULL DEFAULT '',
    xml_node_id TEXT,
    FOREIGN KEY (chapter_id) REFERENCES chapters(id) ON DELETE CASCADE,
    UNIQUE(chapter_id, subchapter_letter)
);

CREATE TABLE IF NOT EXISTS parts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chapter_id INTEGER NOT NULL,
    subchapter_id INTEGER,
    part_number INTEGER NOT NULL,
    part_name TEXT NOT NULL DEFAULT '',
    authority_citation TEXT,
    source_citation TEXT,
    xml_node_id TEXT,
    FOREIGN KEY (chapter_id) REFERENCES chapters(id) ON DELETE CASCADE,
    FOREIGN KEY (subchapter_id) REFERENCES subchapters(id) ON DELETE SET NULL,
    UNIQUE(chapter_id, part_number)
);

CREATE INDEX IF NOT EXISTS idx_parts_subchapter ON parts(subchapter_id);

CREATE TABLE IF NOT EXISTS sections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    part_id INTEGER NOT NULL,
    section_number TEXT NOT NULL,
    section_heading TEXT NOT NULL DEFAULT '',
    section_content TEXT NOT NULL DEFAULT '',
    authority_citation TEXT,
    source_citation TEXT,
    effective_date TEXT,
    xml_node_id TEXT,
    content_hash TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (part_id) REFERENCES parts(id) ON DELETE CASCADE,
    UNIQUE(part_id, section_number)
);

CREATE INDEX IF NOT EXISTS idx_sections_number ON sections(section_number);
CREATE INDEX IF NOT EXISTS idx_sections_node ON sections(xml_node_id);

CREATE TABLE IF NOT EXISTS paragraphs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    section_id INTEGER NOT NULL,
    parent_id INTEGER,
    marker TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    ordinal INTEGER NOT NULL CHECK (ordinal >= 1),
    depth INTEGER NOT NULL CHECK (depth >= 0),
    sequence INTEGER NOT NULL,
    FOREIGN KEY (section_id) REFERENCES sections(id) ON DELETE CASCADE,
    FOREIGN KEY (parent_id) REFERENCES paragraphs(id) ON DELETE CASCADE,
    UNIQUE(section_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_paragraphs_parent ON paragraphs(parent_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_paragraphs_ordinal ON paragraphs(section_id, COALESCE(parent_id, 0), ordinal);

CREATE TABLE IF NOT EXISTS cross_references (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_section_id INTEGER NOT NULL,
    target_section_id INTEGER,
    citation_text TEXT NOT NULL,
    reference_type TEXT NOT NULL CHECK (reference_type IN ('internal', 'external', 'statutory', 'other')),
    target_title_number INTEGER,
    target_section_number TEXT,
    FOREIGN KEY (source_section_id) REFERENCES sections(id) ON DELETE CASCADE,
    FOREIGN KEY (target_section_id) REFERENCES sections(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_xref_source ON cross_references(source_section_id);
CREATE INDEX IF NOT EXISTS idx_xref_target ON cross_references(target_section_id);
CREATE INDEX IF NOT EXISTS idx_xref_lookup ON cross_references(target_title_number, target_section_number);

CREATE TABLE IF NOT EXISTS amendments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    section_id INTEGER NOT NULL,
    amendment_date TEXT,
    publication_citation TEXT NOT NULL,
    change_type TEXT NOT NULL CHECK (change_type IN ('added', 'revised', 'removed', 'redesignated')),
    description TEXT,
    effective_date TEXT,
    recorded_at TEXT NOT NULL,
    FOREIGN KEY (section_id) REFERENCES sections(id) ON DELETE CASCADE,
    UNIQUE(section_id, publication_citation, change_type)
);

CREATE TABLE IF NOT EXISTS ingestion_records (
    title_number INTEGER PRIMARY KEY CHECK (title_number BETWEEN 1 AND 50),
    run_id TEXT,
    last_fetched TEXT,
    file_size INTEGER NOT NULL DEFAULT 0,
    file_hash TEXT,
    status TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
    error_class TEXT,
    error_message TEXT,
    records_processed INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingestion_status ON ingestion_records(status);
`

const migrationV1Down = `
DROP TABLE IF EXISTS ingestion_records;
DROP TABLE IF EXISTS amendments;
DROP TABLE IF EXISTS cross_references;
DROP TABLE IF EXISTS paragraphs;
DROP TABLE IF EXISTS sections;
DROP TABLE IF EXISTS parts;
DROP TABLE IF EXISTS subchapters;
DROP TABLE IF EXISTS chapters;
DROP TABLE IF EXISTS titles;
DROP TABLE IF EXISTS schema_version;
`

// The search index is a self-contained FTS5 table keyed by section id.
// Triggers keep it in step with sections inside the writing transaction,
// including rows removed by cascading deletes.
const migrationV11Up = `
CREATE VIRTUAL TABLE IF NOT EXISTS sections_fts USING fts5(
    section_number, heading, content,
    tokenize = 'porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS sections_ai AFTER INSERT ON sections BEGIN
    INSERT INTO sections_fts(rowid, section_number, heading, content)
    VALUES (new.id, new.section_number, new.section_heading, new.section_content);
END;

CREATE TRIGGER IF NOT EXISTS sections_ad AFTER DELETE ON sections BEGIN
    DELETE FROM sections_fts WHERE rowid = old.id;
END;

CREATE TRIGGER IF NOT EXISTS sections_au AFTER UPDATE OF section_number, section_heading, section_content ON sections BEGIN
    DELETE FROM sections_fts WHERE rowid = old.id;
    INSERT INTO sections_fts(rowid, section_number, heading, content)
    VALUES (new.id, new.section_number, new.section_heading, new.section_content);
END;

INSERT INTO sections_fts(rowid, section_number, heading, content)
SELECT id, section_number, section_heading, section_content FROM sections
WHERE id NOT IN (SELECT rowid FROM sections_fts);
`

const migrationV11Down = `
DROP TRIGGER IF EXISTS sections_au;
DROP TRIGGER IF EXISTS sections_ad;
DROP TRIGGER IF EXISTS sections_ai;
DROP TABLE IF EXISTS sections_fts;
`

func sortedMigrations() ([]Migration, []*semver.Version, error) {
	migrations := make([]Migration, len(AllMigrations))
	copy(migrations, AllMigrations)
	versions := make([]*semver.Version, len(migrations))
	for i, m := range migrations {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid migration version %s: %w", m.Version, err)
		}
		versions[i] = v
	}
	idx := make([]int, len(migrations))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return versions[idx[a]].LessThan(versions[idx[b]]) })

	outM := make([]Migration, len(idx))
	outV := make([]*semver.Version, len(idx))
	for i, j := range idx {
		outM[i], outV[i] = migrations[j], versions[j]
	}
	return outM, outV, nil
}

// SchemaVersion returns the highest applied migration version, or 0.0.0 on
// an empty database.
func SchemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", raw, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

// ApplyMigrations runs all pending migrations, each in its own transaction
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	currentVersion, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	migrations, versions, err := sortedMigrations()
	if err != nil {
		return err
	}

	for i, migration := range migrations {
		if !currentVersion.LessThan(versions[i]) {
			continue // Already applied
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", migration.Version, err)
		}

		currentVersion = versions[i]
	}

	return nil
}

// RollbackMigration rolls back the most recent migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current.Equal(semver.MustParse("0.0.0")) {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range AllMigrations {
		v, err := semver.NewVersion(AllMigrations[i].Version)
		if err == nil && v.Equal(current) {
			migration = &AllMigrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", current)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
	}
	// the 1.0.0 down script drops schema_version itself
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", migration.Version); err != nil && migration.Version != "1.0.0" {
		_ = tx.Rollback()
		return fmt.Errorf("failed to remove migration record %s: %w", migration.Version, err)
	}
	return tx.Commit()
}
