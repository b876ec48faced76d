package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/dshills/ecfr-mirror/pkg/types"
)

// Search ranking weights for bm25, in column order: section number,
// heading, content.
const (
	weightNumber  = 10.0
	weightHeading = 5.0
	weightContent = 1.0

	snippetTokens   = 16
	recentActivityN = 10
)

// GetTitle rebuilds the stored tree of a title. Rows come back in insertion
// order, which is document order for a title loaded in one pass.
func (s *SQLiteStorage) GetTitle(ctx context.Context, titleNumber int) (*types.TitleTree, error) {
	q := s.querier()

	var titleID int64
	var amended, source sql.NullString
	tree := &types.TitleTree{Number: titleNumber}
	err := q.QueryRowContext(ctx,
		"SELECT id, title_name, amended_date, source_file FROM titles WHERE title_number = ?", titleNumber).
		Scan(&titleID, &tree.Name, &amended, &source)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get title: %w", err)
	}
	tree.AmendedDate = parseDate(amended)
	tree.SourceFile = source.String

	chapterIdx := make(map[int64]int)
	rows, err := q.QueryContext(ctx,
		"SELECT id, chapter_number, chapter_name, COALESCE(xml_node_id, '') FROM chapters WHERE title_id = ? ORDER BY id", titleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	for rows.Next() {
		var id int64
		var ch types.Chapter
		if err := rows.Scan(&id, &ch.Number, &ch.Name, &ch.NodeID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		chapterIdx[id] = len(tree.Chapters)
		tree.Chapters = append(tree.Chapters, ch)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	type subRef struct{ chapter, index int }
	subIdx := make(map[int64]subRef)
	rows, err = q.QueryContext(ctx, `
		SELECT s.id, s.chapter_id, s.subchapter_letter, s.subchapter_name, COALESCE(s.xml_node_id, '')
		FROM subchapters s JOIN chapters c ON c.id = s.chapter_id
		WHERE c.title_id = ? ORDER BY s.id`, titleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subchapters: %w", err)
	}
	for rows.Next() {
		var id, chapterID int64
		var sub types.Subchapter
		if err := rows.Scan(&id, &chapterID, &sub.Letter, &sub.Name, &sub.NodeID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ci := chapterIdx[chapterID]
		subIdx[id] = subRef{chapter: ci, index: len(tree.Chapters[ci].Subchapters)}
		tree.Chapters[ci].Subchapters = append(tree.Chapters[ci].Subchapters, sub)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	// Parts are collected first and attached once every part is known, since
	// appending to the slices would invalidate pointers handed out earlier.
	type partRow struct {
		id, chapterID int64
		subID         sql.NullInt64
		part          types.Part
	}
	var partRows []partRow
	rows, err = q.QueryContext(ctx, `
		SELECT p.id, p.chapter_id, p.subchapter_id, p.part_number, p.part_name,
		       COALESCE(p.authority_citation, ''), COALESCE(p.source_citation, ''), COALESCE(p.xml_node_id, '')
		FROM parts p JOIN chapters c ON c.id = p.chapter_id
		WHERE c.title_id = ? ORDER BY p.id`, titleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list parts: %w", err)
	}
	for rows.Next() {
		var pr partRow
		if err := rows.Scan(&pr.id, &pr.chapterID, &pr.subID, &pr.part.Number, &pr.part.Name,
			&pr.part.Authority, &pr.part.Source, &pr.part.NodeID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		partRows = append(partRows, pr)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	sections, err := s.loadSections(ctx, q, titleID)
	if err != nil {
		return nil, err
	}

	for _, pr := range partRows {
		pr.part.Sections = sections[pr.id]
		ci := chapterIdx[pr.chapterID]
		if pr.subID.Valid {
			if ref, ok := subIdx[pr.subID.Int64]; ok {
				sub := &tree.Chapters[ref.chapter].Subchapters[ref.index]
				sub.Parts = append(sub.Parts, pr.part)
				continue
			}
		}
		tree.Chapters[ci].Parts = append(tree.Chapters[ci].Parts, pr.part)
	}

	return tree, nil
}

// loadSections returns the sections of a title grouped by part id, with
// paragraphs, cross references and amendments attached.
func (s *SQLiteStorage) loadSections(ctx context.Context, q querier, titleID int64) (map[int64][]types.Section, error) {
	type sectionRef struct {
		part  int64
		index int
	}
	byPart := make(map[int64][]types.Section)
	refs := make(map[int64]sectionRef)

	rows, err := q.QueryContext(ctx, `
		SELECT s.id, s.part_id, s.section_number, s.section_heading, s.section_content,
		       COALESCE(s.authority_citation, ''), COALESCE(s.source_citation, ''), s.effective_date,
		       COALESCE(s.xml_node_id, '')
		FROM sections s
		JOIN parts p ON p.id = s.part_id
		JOIN chapters c ON c.id = p.chapter_id
		WHERE c.title_id = ? ORDER BY s.id`, titleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	for rows.Next() {
		var id, partID int64
		var eff sql.NullString
		var sec types.Section
		if err := rows.Scan(&id, &partID, &sec.Number, &sec.Heading, &sec.Content,
			&sec.Authority, &sec.Source, &eff, &sec.NodeID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sec.EffectiveDate = parseDate(eff)
		sec.CrossReferences = []types.CrossReference{}
		refs[id] = sectionRef{part: partID, index: len(byPart[partID])}
		byPart[partID] = append(byPart[partID], sec)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	section := func(id int64) *types.Section {
		ref, ok := refs[id]
		if !ok {
			return nil
		}
		return &byPart[ref.part][ref.index]
	}

	const inTitle = `
		JOIN sections s ON s.id = x.%s
		JOIN parts p ON p.id = s.part_id
		JOIN chapters c ON c.id = p.chapter_id
		WHERE c.title_id = ?`

	// paragraph ids map to arena positions within their section
	arena := make(map[int64]int)
	rows, err = q.QueryContext(ctx, `
		SELECT x.id, x.section_id, x.parent_id, x.marker, x.content, x.ordinal, x.depth
		FROM paragraphs x`+fmt.Sprintf(inTitle, "section_id")+` ORDER BY x.section_id, x.sequence`, titleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list paragraphs: %w", err)
	}
	for rows.Next() {
		var id, sectionID int64
		var parent sql.NullInt64
		var para types.Paragraph
		if err := rows.Scan(&id, &sectionID, &parent, &para.Marker, &para.Content, &para.Ordinal, &para.Depth); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sec := section(sectionID)
		if sec == nil {
			continue
		}
		para.Parent = -1
		if parent.Valid {
			para.Parent = arena[parent.Int64]
		}
		arena[id] = len(sec.Paragraphs)
		sec.Paragraphs = append(sec.Paragraphs, para)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `
		SELECT x.source_section_id, x.citation_text, x.reference_type,
		       COALESCE(x.target_title_number, 0), COALESCE(x.target_section_number, '')
		FROM cross_references x`+fmt.Sprintf(inTitle, "source_section_id")+` ORDER BY x.id`, titleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cross references: %w", err)
	}
	for rows.Next() {
		var sectionID int64
		var ref types.CrossReference
		var typ string
		if err := rows.Scan(&sectionID, &ref.Citation, &typ, &ref.TargetTitle, &ref.TargetSection); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ref.Type = types.ReferenceType(typ)
		if sec := section(sectionID); sec != nil {
			sec.CrossReferences = append(sec.CrossReferences, ref)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `
		SELECT x.section_id, x.amendment_date, x.publication_citation, x.change_type,
		       COALESCE(x.description, ''), x.effective_date
		FROM amendments x`+fmt.Sprintf(inTitle, "section_id")+` ORDER BY x.id`, titleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list amendments: %w", err)
	}
	for rows.Next() {
		var sectionID int64
		var date, eff sql.NullString
		var a types.Amendment
		var change string
		if err := rows.Scan(&sectionID, &date, &a.Citation, &change, &a.Description, &eff); err != nil {
			_ = rows.Close()
			return nil, err
		}
		a.Date = parseDate(date)
		a.EffectiveDate = parseDate(eff)
		a.ChangeType = types.ChangeType(change)
		if sec := section(sectionID); sec != nil {
			sec.Amendments = append(sec.Amendments, a)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	return byPart, nil
}

// ListTitles returns every stored title with its size and ingestion state
func (s *SQLiteStorage) ListTitles(ctx context.Context) ([]types.TitleListing, error) {
	query := `
		SELECT t.title_number, t.title_name, t.amended_date, t.updated_at,
		       (SELECT COUNT(*) FROM parts p JOIN chapters c ON c.id = p.chapter_id WHERE c.title_id = t.id),
		       (SELECT COUNT(*) FROM sections s JOIN parts p ON p.id = s.part_id
		          JOIN chapters c ON c.id = p.chapter_id WHERE c.title_id = t.id),
		       ir.status, ir.last_fetched
		FROM titles t
		LEFT JOIN ingestion_records ir ON ir.title_number = t.title_number
		ORDER BY t.title_number
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list titles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var listings []types.TitleListing
	for rows.Next() {
		var l types.TitleListing
		var amended, updated, status, fetched sql.NullString
		if err := rows.Scan(&l.TitleNumber, &l.TitleName, &amended, &updated, &l.Parts, &l.Sections, &status, &fetched); err != nil {
			return nil, err
		}
		l.AmendedDate = amended.String
		l.UpdatedAt = parseTime(updated)
		l.Status = types.IngestionStatus(status.String)
		l.LastFetched = parseTime(fetched)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// TitleUpdatedAt returns the last time a title's row was written
func (s *SQLiteStorage) TitleUpdatedAt(ctx context.Context, titleNumber int) (string, error) {
	var updated string
	err := s.db.QueryRowContext(ctx, "SELECT updated_at FROM titles WHERE title_number = ?", titleNumber).Scan(&updated)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return updated, err
}

// CountRows returns the number of rows per entity table
func (s *SQLiteStorage) CountRows(ctx context.Context) (types.EntityCounts, error) {
	var c types.EntityCounts
	query := `
		SELECT
			(SELECT COUNT(*) FROM titles),
			(SELECT COUNT(*) FROM chapters),
			(SELECT COUNT(*) FROM subchapters),
			(SELECT COUNT(*) FROM parts),
			(SELECT COUNT(*) FROM sections),
			(SELECT COUNT(*) FROM paragraphs),
			(SELECT COUNT(*) FROM cross_references),
			(SELECT COUNT(*) FROM amendments)
	`
	err := s.db.QueryRowContext(ctx, query).Scan(&c.Titles, &c.Chapters, &c.Subchapters, &c.Parts,
		&c.Sections, &c.Paragraphs, &c.CrossReferences, &c.Amendments)
	if err != nil {
		return c, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

// GetStatistics returns row counts, ingestion status counts, recent activity
// and the database size
func (s *SQLiteStorage) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	counts, err := s.CountRows(ctx)
	if err != nil {
		return nil, err
	}
	stats := &types.Statistics{
		Counts:       counts,
		StatusCounts: make(map[types.IngestionStatus]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM ingestion_records GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count ingestion status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.StatusCounts[types.IngestionStatus(status)] = n
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT title_number FROM ingestion_records
		WHERE last_fetched IS NOT NULL
		ORDER BY last_fetched DESC, title_number LIMIT ?`, recentActivityN)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent activity: %w", err)
	}
	var recent []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		recent = append(recent, n)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	for _, n := range recent {
		rec, err := s.GetIngestionRecord(ctx, n)
		if err != nil {
			return nil, err
		}
		stats.RecentActivity = append(stats.RecentActivity, *rec)
	}

	// Get database size
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.DatabaseSize = pageCount * pageSize
		}
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sections_fts").Scan(&stats.FTSRows); err != nil {
		return nil, fmt.Errorf("failed to count search index rows: %w", err)
	}

	return stats, nil
}

// Search runs a full-text query over section numbers, headings and content.
// Results are ordered best first.
func (s *SQLiteStorage) Search(ctx context.Context, query string, limit int) ([]types.SectionSummary, error) {
	match := ftsQuery(query)
	if match == "" {
		return []types.SectionSummary{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := fmt.Sprintf(`
		SELECT s.id, t.title_number, t.title_name, c.chapter_number, p.part_number,
		       s.section_number, s.section_heading,
		       snippet(sections_fts, 2, '[', ']', '...', %d),
		       bm25(sections_fts, %g, %g, %g) AS rank
		FROM sections_fts
		JOIN sections s ON s.id = sections_fts.rowid
		JOIN parts p ON p.id = s.part_id
		JOIN chapters c ON c.id = p.chapter_id
		JOIN titles t ON t.id = c.title_id
		WHERE sections_fts MATCH ?
		ORDER BY rank, s.id
		LIMIT ?
	`, snippetTokens, weightNumber, weightHeading, weightContent)

	rows, err := s.db.QueryContext(ctx, sqlQuery, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := []types.SectionSummary{}
	for rows.Next() {
		var r types.SectionSummary
		var rank float64
		if err := rows.Scan(&r.SectionID, &r.TitleNumber, &r.TitleName, &r.ChapterNumber, &r.PartNumber,
			&r.SectionNumber, &r.Heading, &r.Snippet, &rank); err != nil {
			return nil, err
		}
		r.Score = -rank // bm25 is lower-is-better
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsQuery turns free text into an FTS5 expression. Plain words are passed
// through (a trailing * keeps prefix search); anything else, such as "10.1"
// or "part-time", becomes a quoted phrase. Terms are ANDed unless joined by
// an uppercase AND, OR or NOT, which is kept as an operator. An operator
// with no term on one side is dropped, and of consecutive operators only
// the first is kept.
func ftsQuery(input string) string {
	var terms []string
	pending := ""
	for _, raw := range strings.Fields(input) {
		var term string
		switch {
		case raw == "AND" || raw == "OR" || raw == "NOT":
			if len(terms) > 0 && pending == "" {
				pending = raw
			}
			continue
		case isBareword(strings.TrimSuffix(raw, "*")) && strings.Count(raw, "*") <= 1:
			term = raw
		default:
			phrase := strings.Trim(raw, `"`)
			if strings.IndexFunc(phrase, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
				continue
			}
			term = `"` + strings.ReplaceAll(phrase, `"`, `""`) + `"`
		}
		if pending != "" {
			terms = append(terms, pending)
			pending = ""
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " ")
}

func isBareword(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Maintenance operations

// Vacuum optimizes the search index and rebuilds the database file
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "INSERT INTO sections_fts(sections_fts) VALUES('optimize')"); err != nil {
		return fmt.Errorf("failed to optimize search index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to destPath, which must
// not exist yet
func (s *SQLiteStorage) Backup(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup %s: %w", destPath, ErrAlreadyExists)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("backup %s: %w", destPath, err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}
