package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"
)

// MinTitle and MaxTitle bound the CFR title numbers.
const (
	MinTitle = 1
	MaxTitle = 50
)

// ValidTitle reports whether n is a CFR title number.
func ValidTitle(n int) bool {
	return n >= MinTitle && n <= MaxTitle
}

// AllTitles returns every CFR title number in ascending order.
func AllTitles() []int {
	titles := make([]int, 0, MaxTitle)
	for n := MinTitle; n <= MaxTitle; n++ {
		titles = append(titles, n)
	}
	return titles
}

// TitleTree is the parsed form of one title document.
type TitleTree struct {
	Number      int
	Name        string
	AmendedDate time.Time // zero when the document carries no AMDDATE
	SourceFile  string
	Chapters    []Chapter
}

// Chapter is a top-level division of a title, designated by a roman numeral.
type Chapter struct {
	Number      string
	Name        string
	NodeID      string
	Subchapters []Subchapter
	Parts       []Part // parts that sit directly under the chapter
}

// Subchapter groups parts inside a chapter.
type Subchapter struct {
	Letter string
	Name   string
	NodeID string
	Parts  []Part
}

// Part holds sections and the authority/source notes that apply to them.
type Part struct {
	Number    int
	Name      string
	Authority string
	Source    string
	NodeID    string
	Sections  []Section
}

// Section is the unit of regulatory text that is stored and indexed.
type Section struct {
	Number        string
	Heading       string
	Content       string
	Authority     string
	Source        string
	NodeID        string // source position, used to follow renumbered sections
	EffectiveDate time.Time

	Paragraphs      []Paragraph // arena; Parent indexes into this slice
	CrossReferences []CrossReference
	Amendments      []Amendment
}

// Paragraph is one marked (or unmarked) paragraph of a section.
// Parent is the index of the enclosing paragraph in Section.Paragraphs, or -1.
type Paragraph struct {
	Marker  string
	Content string
	Parent  int
	Ordinal int // 1-based position among siblings
	Depth   int
}

// ReferenceType classifies a citation found in section text.
type ReferenceType string

const (
	RefInternal  ReferenceType = "internal"
	RefExternal  ReferenceType = "external"
	RefStatutory ReferenceType = "statutory"
	RefOther     ReferenceType = "other"
)

// CrossReference is a citation from a section to some other provision.
// TargetTitle and TargetSection are set only for CFR section citations.
type CrossReference struct {
	Citation      string
	Type          ReferenceType
	TargetTitle   int
	TargetSection string
}

// ChangeType classifies an amendment history entry.
type ChangeType string

const (
	ChangeAdded        ChangeType = "added"
	ChangeRevised      ChangeType = "revised"
	ChangeRemoved      ChangeType = "removed"
	ChangeRedesignated ChangeType = "redesignated"
)

// Amendment is one entry of a section's publication history.
type Amendment struct {
	Date          time.Time
	Citation      string
	ChangeType    ChangeType
	Description   string
	EffectiveDate time.Time
}

// EntityCounts holds a row count per entity.
type EntityCounts struct {
	Titles          int `json:"titles" yaml:"titles"`
	Chapters        int `json:"chapters" yaml:"chapters"`
	Subchapters     int `json:"subchapters" yaml:"subchapters"`
	Parts           int `json:"parts" yaml:"parts"`
	Sections        int `json:"sections" yaml:"sections"`
	Paragraphs      int `json:"paragraphs" yaml:"paragraphs"`
	CrossReferences int `json:"cross_references" yaml:"cross_references"`
	Amendments      int `json:"amendments" yaml:"amendments"`
}

// Total is the number of rows across all entities.
func (c EntityCounts) Total() int {
	return c.Titles + c.Chapters + c.Subchapters + c.Parts + c.Sections +
		c.Paragraphs + c.CrossReferences + c.Amendments
}

// AllParts returns pointers to every part of the chapter in document order:
// subchapter parts first, then parts directly under the chapter.
func (c *Chapter) AllParts() []*Part {
	var parts []*Part
	for i := range c.Subchapters {
		for j := range c.Subchapters[i].Parts {
			parts = append(parts, &c.Subchapters[i].Parts[j])
		}
	}
	for i := range c.Parts {
		parts = append(parts, &c.Parts[i])
	}
	return parts
}

// SectionVisitor is called for every section of a tree. sub is nil for parts
// that have no subchapter.
type SectionVisitor func(ch *Chapter, sub *Subchapter, part *Part, sec *Section)

// EachSection visits every section in document order.
func (t *TitleTree) EachSection(fn SectionVisitor) {
	for i := range t.Chapters {
		ch := &t.Chapters[i]
		for j := range ch.Subchapters {
			sub := &ch.Subchapters[j]
			for k := range sub.Parts {
				part := &sub.Parts[k]
				for l := range part.Sections {
					fn(ch, sub, part, &part.Sections[l])
				}
			}
		}
		for k := range ch.Parts {
			part := &ch.Parts[k]
			for l := range part.Sections {
				fn(ch, nil, part, &part.Sections[l])
			}
		}
	}
}

// Counts returns the number of entities the tree would produce.
func (t *TitleTree) Counts() EntityCounts {
	counts := EntityCounts{Titles: 1, Chapters: len(t.Chapters)}
	for i := range t.Chapters {
		counts.Subchapters += len(t.Chapters[i].Subchapters)
		counts.Parts += len(t.Chapters[i].AllParts())
	}
	t.EachSection(func(_ *Chapter, _ *Subchapter, _ *Part, sec *Section) {
		counts.Sections++
		counts.Paragraphs += len(sec.Paragraphs)
		counts.CrossReferences += len(sec.CrossReferences)
		counts.Amendments += len(sec.Amendments)
	})
	return counts
}

// ValidateParagraphs checks the arena invariants of a section: parents precede
// their children, depth follows the parent, and sibling ordinals run 1..n.
func (s *Section) ValidateParagraphs() error {
	next := make(map[int]int)
	for i, p := range s.Paragraphs {
		if p.Parent >= i {
			return fmt.Errorf("paragraph %d (%s) references itself or a later paragraph %d", i, p.Marker, p.Parent)
		}
		if p.Parent < -1 {
			return fmt.Errorf("paragraph %d (%s) has invalid parent %d", i, p.Marker, p.Parent)
		}
		wantDepth := 0
		if p.Parent >= 0 {
			wantDepth = s.Paragraphs[p.Parent].Depth + 1
		}
		if p.Depth != wantDepth {
			return fmt.Errorf("paragraph %d (%s) has depth %d, want %d", i, p.Marker, p.Depth, wantDepth)
		}
		next[p.Parent]++
		if p.Ordinal != next[p.Parent] {
			return fmt.Errorf("paragraph %d (%s) has ordinal %d, want %d", i, p.Marker, p.Ordinal, next[p.Parent])
		}
	}
	return nil
}

// Hash fingerprints the content of a section, so unchanged sections can be
// left alone on re-ingest. NodeID is positional and left out: inserting one
// section shifts the node of every later one without changing their text.
func (s *Section) Hash() string {
	h := sha256.New()
	s.writeCanonical(h)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Section) writeCanonical(w io.Writer) {
	field := func(v string) {
		_, _ = io.WriteString(w, strconv.Itoa(len(v)))
		_, _ = io.WriteString(w, ":")
		_, _ = io.WriteString(w, v)
	}
	field(s.Number)
	field(s.Heading)
	field(s.Content)
	field(s.Authority)
	field(s.Source)
	field(formatDate(s.EffectiveDate))
	for _, p := range s.Paragraphs {
		field(p.Marker)
		field(p.Content)
		field(strconv.Itoa(p.Parent))
		field(strconv.Itoa(p.Ordinal))
	}
	for _, r := range s.CrossReferences {
		field(r.Citation)
		field(string(r.Type))
		field(strconv.Itoa(r.TargetTitle))
		field(r.TargetSection)
	}
	for _, a := range s.Amendments {
		field(a.Citation)
		field(string(a.ChangeType))
		field(formatDate(a.Date))
	}
}

// Signature fingerprints the whole tree structure. Two parses of the same
// bytes must produce the same signature.
func (t *TitleTree) Signature() string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "title:%d:%s:%s\n", t.Number, t.Name, formatDate(t.AmendedDate))
	for i := range t.Chapters {
		ch := &t.Chapters[i]
		_, _ = fmt.Fprintf(h, "chapter:%s:%s\n", ch.Number, ch.Name)
		for j := range ch.Subchapters {
			_, _ = fmt.Fprintf(h, "subchapter:%s:%s\n", ch.Subchapters[j].Letter, ch.Subchapters[j].Name)
		}
		for _, part := range ch.AllParts() {
			_, _ = fmt.Fprintf(h, "part:%d:%s:%s:%s\n", part.Number, part.Name, part.Authority, part.Source)
			for k := range part.Sections {
				part.Sections[k].writeCanonical(h)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
