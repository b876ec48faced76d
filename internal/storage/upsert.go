package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/dshills/ecfr-mirror/pkg/types"
)

var errDuplicateKey = errors.New("duplicate natural key")

// existingRow is a stored chapter, subchapter or part found at load time.
type existingRow struct {
	id      int64
	claimed bool
}

// existingSection is a stored section found at load time.
type existingSection struct {
	id      int64
	partKey string
	number  string
	nodeID  string
	hash    string
	claimed bool
}

// sectionPlan pairs a parsed section with the row it will be written to.
type sectionPlan struct {
	sec      *types.Section
	partKey  string
	hash     string
	existing *existingSection // nil means insert
}

// moved reports whether the matched row has a different natural key.
func (p *sectionPlan) moved() bool {
	return p.existing != nil && (p.existing.partKey != p.partKey || p.existing.number != p.sec.Number)
}

// reconciler applies one parsed title to the stored rows of that title.
type reconciler struct {
	q       querier
	tree    *types.TitleTree
	titleID int64
	now     interface{}
	op      string
	records int
	result  *types.IngestionResult

	chapters    map[string]*existingRow
	subchapters map[string]*existingRow
	parts       map[string]*existingRow
	sections    map[string]*existingSection
	byNode      map[string]*existingSection
	ordered     []*existingSection

	partIDs map[string]int64
}

func chapterKey(ch string) string { return ch }
func subchapterKey(ch, sub string) string { return ch + "\x00" + sub }
func partKey(ch string, part int) string { return ch + "\x00" + strconv.Itoa(part) }
func sectionKey(pk, sec string) string { return pk + "\x00" + sec }

// upsertTitleWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) upsertTitleWithQuerier(ctx context.Context, q querier, tree *types.TitleTree, meta types.IngestionMeta) (*types.IngestionResult, error) {
	if err := validateTree(tree); err != nil {
		return nil, err
	}

	r := &reconciler{
		q:       q,
		tree:    tree,
		now:     formatTime(s.now()),
		result:  &types.IngestionResult{TitleNumber: tree.Number, Counts: tree.Counts()},
		partIDs: make(map[string]int64),
	}
	if err := r.run(ctx, meta); err != nil {
		return nil, classifyError(tree.Number, r.op, err)
	}
	return r.result, nil
}

// validateTree rejects duplicate natural keys and malformed paragraph arenas
// before anything is written.
func validateTree(tree *types.TitleTree) error {
	if !types.ValidTitle(tree.Number) {
		return &types.DataIntegrityError{Title: tree.Number, Entity: "title", Key: strconv.Itoa(tree.Number), Err: types.ErrInvalidTitle}
	}
	dup := func(entity, key string) error {
		return &types.DataIntegrityError{Title: tree.Number, Entity: entity, Key: key, Err: errDuplicateKey}
	}

	chapters := make(map[string]bool)
	for ci := range tree.Chapters {
		ch := &tree.Chapters[ci]
		if chapters[ch.Number] {
			return dup("chapter", ch.Number)
		}
		chapters[ch.Number] = true

		subs := make(map[string]bool)
		for _, sub := range ch.Subchapters {
			if subs[sub.Letter] {
				return dup("subchapter", ch.Number+"/"+sub.Letter)
			}
			subs[sub.Letter] = true
		}

		parts := make(map[int]bool)
		for _, part := range ch.AllParts() {
			if parts[part.Number] {
				return dup("part", strconv.Itoa(part.Number))
			}
			parts[part.Number] = true

			sections := make(map[string]bool)
			for si := range part.Sections {
				sec := &part.Sections[si]
				if sections[sec.Number] {
					return dup("section", sec.Number)
				}
				sections[sec.Number] = true
				if err := sec.ValidateParagraphs(); err != nil {
					return &types.DataIntegrityError{Title: tree.Number, Entity: "section", Key: sec.Number, Err: err}
				}
			}
		}
	}
	return nil
}

func (r *reconciler) run(ctx context.Context, meta types.IngestionMeta) error {
	r.op = "upsert title"
	if err := r.upsertTitle(ctx); err != nil {
		return err
	}

	r.op = "load existing"
	if err := r.load(ctx); err != nil {
		return err
	}

	plans := r.plan()

	r.op = "delete sections"
	for _, es := range r.ordered {
		if es.claimed {
			continue
		}
		if err := r.exec(ctx, "DELETE FROM sections WHERE id = ?", es.id); err != nil {
			return err
		}
		r.result.Deleted++
	}

	// Renumbered rows get a placeholder first so that swaps and moves
	// never collide with a row that has not been rewritten yet.
	r.op = "renumber sections"
	for _, p := range plans {
		if !p.moved() {
			continue
		}
		if _, err := r.q.ExecContext(ctx, "UPDATE sections SET section_number = ? WHERE id = ?",
			"#"+strconv.FormatInt(p.existing.id, 10), p.existing.id); err != nil {
			return err
		}
	}

	r.op = "upsert structure"
	if err := r.upsertStructure(ctx); err != nil {
		return err
	}

	r.op = "upsert sections"
	for _, p := range plans {
		if err := r.applySection(ctx, p); err != nil {
			return err
		}
	}

	r.op = "delete structure"
	if err := r.deleteUnclaimed(ctx); err != nil {
		return err
	}

	r.op = "resolve references"
	if err := r.resolveReferences(ctx); err != nil {
		return err
	}

	r.op = "record ingestion"
	r.result.RecordsProcessed = r.records
	return r.recordIngestion(ctx, meta)
}

func (r *reconciler) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	r.records += int(n)
	return nil
}

func (r *reconciler) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var id int64
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	r.records++
	return id, nil
}

func (r *reconciler) upsertTitle(ctx context.Context) error {
	query := `
		INSERT INTO titles (title_number, title_name, amended_date, source_file, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(title_number) DO UPDATE SET
			title_name = excluded.title_name,
			amended_date = excluded.amended_date,
			source_file = excluded.source_file,
			updated_at = excluded.updated_at
		RETURNING id
	`
	id, err := r.insert(ctx, query, r.tree.Number, r.tree.Name, formatDate(r.tree.AmendedDate),
		nullString(r.tree.SourceFile), r.now, r.now)
	if err != nil {
		return err
	}
	r.titleID = id
	r.result.TitleID = id
	return nil
}

func (r *reconciler) load(ctx context.Context) error {
	r.chapters = make(map[string]*existingRow)
	r.subchapters = make(map[string]*existingRow)
	r.parts = make(map[string]*existingRow)
	r.sections = make(map[string]*existingSection)
	r.byNode = make(map[string]*existingSection)

	rows, err := r.q.QueryContext(ctx, "SELECT id, chapter_number FROM chapters WHERE title_id = ?", r.titleID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var ch string
		if err := rows.Scan(&id, &ch); err != nil {
			_ = rows.Close()
			return err
		}
		r.chapters[chapterKey(ch)] = &existingRow{id: id}
	}
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = r.q.QueryContext(ctx, `
		SELECT s.id, c.chapter_number, s.subchapter_letter
		FROM subchapters s JOIN chapters c ON c.id = s.chapter_id
		WHERE c.title_id = ?`, r.titleID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var ch, letter string
		if err := rows.Scan(&id, &ch, &letter); err != nil {
			_ = rows.Close()
			return err
		}
		r.subchapters[subchapterKey(ch, letter)] = &existingRow{id: id}
	}
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = r.q.QueryContext(ctx, `
		SELECT p.id, c.chapter_number, p.part_number
		FROM parts p JOIN chapters c ON c.id = p.chapter_id
		WHERE c.title_id = ?`, r.titleID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var ch string
		var part int
		if err := rows.Scan(&id, &ch, &part); err != nil {
			_ = rows.Close()
			return err
		}
		r.parts[partKey(ch, part)] = &existingRow{id: id}
	}
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = r.q.QueryContext(ctx, `
		SELECT s.id, c.chapter_number, p.part_number, s.section_number, COALESCE(s.xml_node_id, ''), s.content_hash
		FROM sections s
		JOIN parts p ON p.id = s.part_id
		JOIN chapters c ON c.id = p.chapter_id
		WHERE c.title_id = ?
		ORDER BY s.id`, r.titleID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var ch string
		var part int
		es := &existingSection{}
		if err := rows.Scan(&es.id, &ch, &part, &es.number, &es.nodeID, &es.hash); err != nil {
			_ = rows.Close()
			return err
		}
		es.partKey = partKey(ch, part)
		r.sections[sectionKey(es.partKey, es.number)] = es
		if es.nodeID != "" {
			if _, taken := r.byNode[es.nodeID]; !taken {
				r.byNode[es.nodeID] = es
			}
		}
		r.ordered = append(r.ordered, es)
	}
	return closeRows(rows)
}

func closeRows(rows interface {
	Err() error
	Close() error
}) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

// plan matches parsed sections to stored rows: natural key first, then the
// source node id for sections that were renumbered or moved.
func (r *reconciler) plan() []*sectionPlan {
	var plans []*sectionPlan
	r.tree.EachSection(func(ch *types.Chapter, _ *types.Subchapter, part *types.Part, sec *types.Section) {
		pk := partKey(ch.Number, part.Number)
		p := &sectionPlan{sec: sec, partKey: pk, hash: sec.Hash()}
		if es, ok := r.sections[sectionKey(pk, sec.Number)]; ok && !es.claimed {
			es.claimed = true
			p.existing = es
		}
		plans = append(plans, p)
	})

	for _, p := range plans {
		if p.existing != nil || p.sec.NodeID == "" {
			continue
		}
		if es, ok := r.byNode[p.sec.NodeID]; ok && !es.claimed {
			es.claimed = true
			p.existing = es
		}
	}
	return plans
}

func (r *reconciler) upsertStructure(ctx context.Context) error {
	for ci := range r.tree.Chapters {
		ch := &r.tree.Chapters[ci]
		chapterID, err := r.upsertChapter(ctx, ch)
		if err != nil {
			return err
		}

		for si := range ch.Subchapters {
			sub := &ch.Subchapters[si]
			subID, err := r.upsertSubchapter(ctx, chapterID, ch.Number, sub)
			if err != nil {
				return err
			}
			for pi := range sub.Parts {
				if err := r.upsertPart(ctx, chapterID, subID, ch.Number, &sub.Parts[pi]); err != nil {
					return err
				}
			}
		}
		for pi := range ch.Parts {
			if err := r.upsertPart(ctx, chapterID, 0, ch.Number, &ch.Parts[pi]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *reconciler) upsertChapter(ctx context.Context, ch *types.Chapter) (int64, error) {
	if row, ok := r.chapters[chapterKey(ch.Number)]; ok {
		row.claimed = true
		err := r.exec(ctx, `
			UPDATE chapters SET chapter_name = ?, xml_node_id = ?
			WHERE id = ? AND (chapter_name IS NOT ? OR xml_node_id IS NOT ?)`,
			ch.Name, nullString(ch.NodeID), row.id, ch.Name, nullString(ch.NodeID))
		return row.id, err
	}
	return r.insert(ctx, `
		INSERT INTO chapters (title_id, chapter_number, chapter_name, xml_node_id)
		VALUES (?, ?, ?, ?) RETURNING id`,
		r.titleID, ch.Number, ch.Name, nullString(ch.NodeID))
}

func (r *reconciler) upsertSubchapter(ctx context.Context, chapterID int64, chapter string, sub *types.Subchapter) (int64, error) {
	if row, ok := r.subchapters[subchapterKey(chapter, sub.Letter)]; ok {
		row.claimed = true
		err := r.exec(ctx, `
			UPDATE subchapters SET subchapter_name = ?, xml_node_id = ?
			WHERE id = ? AND (subchapter_name IS NOT ? OR xml_node_id IS NOT ?)`,
			sub.Name, nullString(sub.NodeID), row.id, sub.Name, nullString(sub.NodeID))
		return row.id, err
	}
	return r.insert(ctx, `
		INSERT INTO subchapters (chapter_id, subchapter_letter, subchapter_name, xml_node_id)
		VALUES (?, ?, ?, ?) RETURNING id`,
		chapterID, sub.Letter, sub.Name, nullString(sub.NodeID))
}

func (r *reconciler) upsertPart(ctx context.Context, chapterID, subID int64, chapter string, part *types.Part) error {
	pk := partKey(chapter, part.Number)
	var sub interface{}
	if subID != 0 {
		sub = subID
	}

	if row, ok := r.parts[pk]; ok {
		row.claimed = true
		r.partIDs[pk] = row.id
		return r.exec(ctx, `
			UPDATE parts SET subchapter_id = ?, part_name = ?, authority_citation = ?, source_citation = ?, xml_node_id = ?
			WHERE id = ? AND (subchapter_id IS NOT ? OR part_name IS NOT ? OR authority_citation IS NOT ?
			                  OR source_citation IS NOT ? OR xml_node_id IS NOT ?)`,
			sub, part.Name, nullString(part.Authority), nullString(part.Source), nullString(part.NodeID),
			row.id,
			sub, part.Name, nullString(part.Authority), nullString(part.Source), nullString(part.NodeID))
	}

	id, err := r.insert(ctx, `
		INSERT INTO parts (chapter_id, subchapter_id, part_number, part_name, authority_citation, source_citation, xml_node_id)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		chapterID, sub, part.Number, part.Name, nullString(part.Authority), nullString(part.Source), nullString(part.NodeID))
	if err != nil {
		return err
	}
	r.partIDs[pk] = id
	return nil
}

func (r *reconciler) applySection(ctx context.Context, p *sectionPlan) error {
	partID, ok := r.partIDs[p.partKey]
	if !ok {
		return fmt.Errorf("no part row for section %s", p.sec.Number)
	}
	sec := p.sec

	if p.existing != nil && !p.moved() && p.existing.hash == p.hash {
		r.result.Unchanged++
		if p.existing.nodeID == sec.NodeID {
			return nil
		}
		// Position only; text, paragraphs and the index entry stay as they are
		_, err := r.q.ExecContext(ctx, "UPDATE sections SET xml_node_id = ? WHERE id = ?",
			nullString(sec.NodeID), p.existing.id)
		return err
	}

	var sectionID int64
	if p.existing != nil {
		sectionID = p.existing.id
		err := r.exec(ctx, `
			UPDATE sections SET part_id = ?, section_number = ?, section_heading = ?, section_content = ?,
				authority_citation = ?, source_citation = ?, effective_date = ?, xml_node_id = ?,
				content_hash = ?, updated_at = ?
			WHERE id = ?`,
			partID, sec.Number, sec.Heading, sec.Content,
			nullString(sec.Authority), nullString(sec.Source), formatDate(sec.EffectiveDate), nullString(sec.NodeID),
			p.hash, r.now, sectionID)
		if err != nil {
			return err
		}
		for _, stmt := range []string{
			"DELETE FROM paragraphs WHERE section_id = ?",
			"DELETE FROM cross_references WHERE source_section_id = ?",
		} {
			if _, err := r.q.ExecContext(ctx, stmt, sectionID); err != nil {
				return err
			}
		}
		r.result.Updated++
	} else {
		id, err := r.insert(ctx, `
			INSERT INTO sections (part_id, section_number, section_heading, section_content,
				authority_citation, source_citation, effective_date, xml_node_id, content_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			partID, sec.Number, sec.Heading, sec.Content,
			nullString(sec.Authority), nullString(sec.Source), formatDate(sec.EffectiveDate), nullString(sec.NodeID),
			p.hash, r.now, r.now)
		if err != nil {
			return err
		}
		sectionID = id
		r.result.Inserted++
	}

	if err := r.writeParagraphs(ctx, sectionID, sec); err != nil {
		return err
	}
	for _, ref := range sec.CrossReferences {
		err := r.exec(ctx, `
			INSERT INTO cross_references (source_section_id, citation_text, reference_type, target_title_number, target_section_number)
			VALUES (?, ?, ?, ?, ?)`,
			sectionID, ref.Citation, string(ref.Type), nullInt(ref.TargetTitle), nullString(ref.TargetSection))
		if err != nil {
			return err
		}
	}
	for _, a := range sec.Amendments {
		err := r.exec(ctx, `
			INSERT OR IGNORE INTO amendments (section_id, amendment_date, publication_citation, change_type,
				description, effective_date, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sectionID, formatDate(a.Date), a.Citation, string(a.ChangeType),
			nullString(a.Description), formatDate(a.EffectiveDate), r.now)
		if err != nil {
			return err
		}
	}
	return nil
}

// writeParagraphs inserts the arena in order; parents always precede their
// children, so parent indexes map to ids already written.
func (r *reconciler) writeParagraphs(ctx context.Context, sectionID int64, sec *types.Section) error {
	ids := make([]int64, len(sec.Paragraphs))
	for i, para := range sec.Paragraphs {
		var parent interface{}
		if para.Parent >= 0 {
			parent = ids[para.Parent]
		}
		id, err := r.insert(ctx, `
			INSERT INTO paragraphs (section_id, parent_id, marker, content, ordinal, depth, sequence)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			sectionID, parent, para.Marker, para.Content, para.Ordinal, para.Depth, i+1)
		if err != nil {
			return err
		}
		ids[i] = id
	}
	return nil
}

func (r *reconciler) deleteUnclaimed(ctx context.Context) error {
	for _, group := range []struct {
		table string
		rows  map[string]*existingRow
	}{
		{"parts", r.parts},
		{"subchapters", r.subchapters},
		{"chapters", r.chapters},
	} {
		var ids []int64
		for _, row := range group.rows {
			if !row.claimed {
				ids = append(ids, row.id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if err := r.exec(ctx, "DELETE FROM "+group.table+" WHERE id = ?", id); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveReferences points citations at stored sections. References into
// this title are re-resolved wherever they live, so citations written before
// the title was loaded pick up their target now. Citations from this title
// into other titles are resolved when the target is already stored.
func (r *reconciler) resolveReferences(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE cross_references SET target_section_id = (
			SELECT s.id FROM sections s
			JOIN parts p ON p.id = s.part_id
			JOIN chapters c ON c.id = p.chapter_id
			WHERE c.title_id = ? AND s.section_number = cross_references.target_section_number
			ORDER BY s.id LIMIT 1
		)
		WHERE target_title_number = ? AND target_section_number IS NOT NULL`,
		r.titleID, r.tree.Number)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		UPDATE cross_references SET target_section_id = (
			SELECT s.id FROM sections s
			JOIN parts p ON p.id = s.part_id
			JOIN chapters c ON c.id = p.chapter_id
			JOIN titles t ON t.id = c.title_id
			WHERE t.title_number = cross_references.target_title_number
			  AND s.section_number = cross_references.target_section_number
			ORDER BY s.id LIMIT 1
		)
		WHERE target_section_id IS NULL
		  AND target_section_number IS NOT NULL
		  AND target_title_number <> ?
		  AND source_section_id IN (
			SELECT s.id FROM sections s
			JOIN parts p ON p.id = s.part_id
			JOIN chapters c ON c.id = p.chapter_id
			WHERE c.title_id = ?
		  )`,
		r.tree.Number, r.titleID)
	return err
}

func (r *reconciler) recordIngestion(ctx context.Context, meta types.IngestionMeta) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ingestion_records (title_number, run_id, last_fetched, file_size, file_hash, status,
		                               error_class, error_message, records_processed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		ON CONFLICT(title_number) DO UPDATE SET
			run_id = excluded.run_id,
			last_fetched = excluded.last_fetched,
			file_size = excluded.file_size,
			file_hash = excluded.file_hash,
			status = excluded.status,
			error_class = NULL,
			error_message = NULL,
			records_processed = excluded.records_processed,
			updated_at = excluded.updated_at`,
		r.tree.Number, nullString(meta.RunID), formatTime(meta.FetchedAt), meta.FileSize,
		nullString(meta.Fingerprint), string(types.StatusCompleted), r.records, r.now)
	return err
}
