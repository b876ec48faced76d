package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/dshills/ecfr-mirror/internal/logging"
	"github.com/dshills/ecfr-mirror/internal/outline"
	"github.com/dshills/ecfr-mirror/pkg/types"
)

var (
	titleHeadRe   = regexp.MustCompile(`(?i)^title\s+(\d+)\s*[—–\-:]*\s*`)
	chapterRe     = regexp.MustCompile(`(?i)CHAPTER\s+([IVXLCDM]+)\b`)
	subchapterRe  = regexp.MustCompile(`(?i)SUBCHAPTER\s+([A-Z]+)\b`)
	partRe        = regexp.MustCompile(`(?i)PART\s+(\d+)\b`)
	sectionHeadRe = regexp.MustCompile(`§+\s*([\d.]+[A-Za-z0-9\-]*)`)
	sectionStrip  = regexp.MustCompile(`^§+\s*[\d.]+[A-Za-z0-9\-]*\s*`)
)

// Parser turns title XML into a TitleTree
type Parser struct {
	logger *logging.Logger
}

// New creates a new Parser instance. A nil logger discards output.
func New(logger *logging.Logger) *Parser {
	return &Parser{logger: logging.Or(logger)}
}

// Parse parses one title document. Any structural problem aborts the whole
// title with a *types.MalformedDocumentError; partial trees are never
// returned.
func (p *Parser) Parse(data []byte, title int) (*types.TitleTree, error) {
	return parse(data, title, p.logger)
}

// Parse is the package-level form of Parser.Parse. It logs nothing.
func Parse(data []byte, title int) (*types.TitleTree, error) {
	return parse(data, title, logging.NewNop())
}

func parse(data []byte, title int, logger *logging.Logger) (*types.TitleTree, error) {
	if !types.ValidTitle(title) {
		return nil, &types.MalformedDocumentError{Title: title, Reason: "invalid title number", Err: types.ErrInvalidTitle}
	}

	// Pass 1: well-formedness and the title envelope.
	root, err := buildTree(data)
	if err != nil {
		loc := "/"
		var se *syntaxError
		if errors.As(err, &se) {
			loc = se.location
		}
		return nil, &types.MalformedDocumentError{Title: title, Location: loc, Reason: "invalid XML", Err: err}
	}

	titles := root.find(func(e *element) bool {
		return e.name == "DIV1" && e.attr("TYPE") == "TITLE"
	}, nil)
	if len(titles) != 1 {
		return nil, malformed(title, root, fmt.Sprintf("expected exactly one title division, found %d", len(titles)))
	}
	div1 := titles[0]

	tree := &types.TitleTree{Number: title}
	n, name := titleDesignator(div1)
	if n != title {
		return nil, malformed(title, div1, fmt.Sprintf("document is title %d, expected %d", n, title))
	}
	tree.Name = name
	if amd := root.find(func(e *element) bool { return e.name == "AMDDATE" }, nil); len(amd) > 0 {
		if d, ok := parseDate(flatten(amd[0]).Text); ok {
			tree.AmendedDate = d
		}
	}

	// Pass 2: hierarchy.
	w := &walker{title: title, tree: tree, logger: logger}
	if err := w.walk(div1); err != nil {
		return nil, err
	}
	return tree, nil
}

func malformed(title int, at *element, reason string) error {
	return &types.MalformedDocumentError{Title: title, Location: at.path(), Reason: reason}
}

func titleDesignator(div1 *element) (int, string) {
	head := ""
	if h := div1.child("HEAD"); h != nil {
		head = flatten(h).Text
	}
	name := head
	m := titleHeadRe.FindStringSubmatchIndex(head)
	if m != nil {
		name = head[m[1]:]
	}

	if v, err := strconv.Atoi(strings.TrimSpace(div1.attr("N"))); err == nil {
		return v, name
	}
	if m != nil {
		v, _ := strconv.Atoi(head[m[2]:m[3]])
		return v, name
	}
	return 0, name
}

// frame is one pending element of the depth-first walk together with the
// position of its enclosing chapter, subchapter and part in the tree.
type frame struct {
	el        *element
	chapter   int
	sub       int
	part      int
	partInSub bool
}

type walker struct {
	title  int
	tree   *types.TitleTree
	logger *logging.Logger
}

func (w *walker) partAt(f frame) *types.Part {
	ch := &w.tree.Chapters[f.chapter]
	if f.partInSub {
		return &ch.Subchapters[f.sub].Parts[f.part]
	}
	return &ch.Parts[f.part]
}

// walk visits the divisions below the title in document order using an
// explicit stack.
func (w *walker) walk(div1 *element) error {
	stack := []frame{}
	push := func(parent frame, el *element) {
		kids := el.children()
		for i := len(kids) - 1; i >= 0; i-- {
			if strings.HasPrefix(kids[i].name, "DIV") {
				f := parent
				f.el = kids[i]
				stack = append(stack, f)
			}
		}
	}
	push(frame{chapter: -1, sub: -1, part: -1}, div1)

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		el := f.el

		switch {
		case el.name == "DIV3" && el.attr("TYPE") == "CHAPTER":
			num := designator(el, chapterRe)
			if num == "" {
				return malformed(w.title, el, "chapter has no designator")
			}
			w.tree.Chapters = append(w.tree.Chapters, types.Chapter{
				Number: strings.ToUpper(num),
				Name:   headText(el),
				NodeID: el.attr("NODE"),
			})
			push(frame{chapter: len(w.tree.Chapters) - 1, sub: -1, part: -1}, el)

		case el.name == "DIV4" && el.attr("TYPE") == "SUBCHAP":
			if f.chapter < 0 {
				return malformed(w.title, el, "subchapter outside of a chapter")
			}
			letter := designator(el, subchapterRe)
			if letter == "" {
				return malformed(w.title, el, "subchapter has no designator")
			}
			ch := &w.tree.Chapters[f.chapter]
			ch.Subchapters = append(ch.Subchapters, types.Subchapter{
				Letter: strings.ToUpper(letter),
				Name:   headText(el),
				NodeID: el.attr("NODE"),
			})
			push(frame{chapter: f.chapter, sub: len(ch.Subchapters) - 1, part: -1}, el)

		case el.name == "DIV5" && el.attr("TYPE") == "PART":
			if f.chapter < 0 {
				return malformed(w.title, el, "part outside of a chapter")
			}
			raw := designator(el, partRe)
			num, err := strconv.Atoi(raw)
			if err != nil || num < 0 {
				if !hasSections(el) {
					// "PARTS 2-4 [RESERVED]" and similar placeholders
					w.logger.Debug("skipping part placeholder",
						"title", w.title, "designator", raw, "heading", headText(el), "location", el.path())
					continue
				}
				return malformed(w.title, el, fmt.Sprintf("part has no numeric designator (%q)", raw))
			}
			part := types.Part{
				Number:    num,
				Name:      headText(el),
				Authority: noteText(el.child("AUTH")),
				Source:    noteText(el.child("SOURCE")),
				NodeID:    el.attr("NODE"),
			}
			ch := &w.tree.Chapters[f.chapter]
			next := frame{chapter: f.chapter, sub: f.sub}
			if f.sub >= 0 {
				sub := &ch.Subchapters[f.sub]
				sub.Parts = append(sub.Parts, part)
				next.part, next.partInSub = len(sub.Parts)-1, true
			} else {
				ch.Parts = append(ch.Parts, part)
				next.part = len(ch.Parts) - 1
			}
			push(next, el)

		case el.name == "DIV8" && el.attr("TYPE") == "SECTION":
			if f.part < 0 {
				return malformed(w.title, el, "section outside of a part")
			}
			sec, err := w.section(el)
			if err != nil {
				return err
			}
			part := w.partAt(f)
			part.Sections = append(part.Sections, *sec)

		default:
			// subtitles, subparts, subject groups and appendices only
			// contribute the divisions nested below them
			push(f, el)
		}
	}
	return nil
}

func (w *walker) section(el *element) (*types.Section, error) {
	head := el.child("HEAD")
	if head == nil {
		return nil, malformed(w.title, el, "section has no heading")
	}
	headLine := flatten(head).Text

	num := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(el.attr("N")), "§ "))
	if num == "" {
		if m := sectionHeadRe.FindStringSubmatch(headLine); m != nil {
			num = m[1]
		}
	}
	num = strings.TrimRight(num, ".")
	if num == "" {
		return nil, malformed(w.title, el, "section has no designator")
	}

	sec := &types.Section{
		Number:    num,
		Heading:   strings.TrimSpace(sectionStrip.ReplaceAllString(headLine, "")),
		Authority: noteText(el.child("AUTH")),
		Source:    noteText(el.child("SOURCE")),
		NodeID:    el.attr("NODE"),
	}

	paras := el.find(func(e *element) bool {
		return e.name == "P" || e.name == "FP"
	}, func(e *element) bool {
		switch e.name {
		case "AUTH", "SOURCE", "CITA", "P", "FP":
			return true
		}
		return false
	})

	builder := outline.NewBuilder()
	var content []string
	for _, p := range paras {
		line := flatten(p)
		if line.Text == "" {
			continue
		}
		content = append(content, line.Text)
		builder.Add(line)
	}
	sec.Content = strings.Join(content, "\n\n")
	sec.Paragraphs = builder.Paragraphs()
	if err := sec.ValidateParagraphs(); err != nil {
		return nil, &types.MalformedDocumentError{Title: w.title, Location: el.path(), Reason: "invalid paragraph nesting", Err: err}
	}

	sec.CrossReferences = extractReferences(sec.Content, w.title, sec.Number)
	if cita := el.find(func(e *element) bool { return e.name == "CITA" }, nil); len(cita) > 0 {
		var notes []string
		for _, c := range cita {
			notes = append(notes, flatten(c).Text)
		}
		sec.Amendments, sec.EffectiveDate = extractAmendments(strings.Join(notes, "; "))
	}
	return sec, nil
}

func hasSections(el *element) bool {
	return len(el.find(func(e *element) bool {
		return e.name == "DIV8" && e.attr("TYPE") == "SECTION"
	}, nil)) > 0
}

// designator reads the N attribute, falling back to the heading.
func designator(el *element, headRe *regexp.Regexp) string {
	if n := strings.TrimSpace(el.attr("N")); n != "" {
		return n
	}
	if m := headRe.FindStringSubmatch(headText(el)); m != nil {
		return m[1]
	}
	return ""
}

func headText(el *element) string {
	if h := el.child("HEAD"); h != nil {
		return flatten(h).Text
	}
	return ""
}

// noteText returns the citation text of an AUTH or SOURCE block, without
// its "Authority:" / "Source:" label.
func noteText(el *element) string {
	if el == nil {
		return ""
	}
	var parts []string
	for _, c := range el.children() {
		if c.name == "PSPACE" || c.name == "P" {
			if t := flatten(c).Text; t != "" {
				parts = append(parts, t)
			}
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	// no PSPACE: everything except the label
	var b strings.Builder
	for _, it := range el.items {
		switch {
		case it.child == nil:
			b.WriteString(it.text)
		case it.child.name != "HED":
			b.WriteString(flatten(it.child).Text)
		}
		b.WriteByte(' ')
	}
	return normalizeSpace(b.String())
}

// flatten renders the text of el with whitespace collapsed and records where
// italic runs (I and E elements) fall in the result.
func flatten(el *element) outline.Line {
	type pos struct {
		el  *element
		i   int
		off int // output length when the element was entered
	}

	var (
		b      strings.Builder
		spans  []outline.Span
		space  bool
		stack  = []pos{{el: el, off: 0}}
		italic = func(e *element) bool { return e.name == "I" || e.name == "E" }
	)

	write := func(s string) {
		for _, r := range s {
			if unicode.IsSpace(r) {
				space = b.Len() > 0
				continue
			}
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.i >= len(top.el.items) {
			if italic(top.el) && len(stack) > 1 && b.Len() > top.off {
				spans = append(spans, outline.Span{Start: top.off, End: b.Len()})
			}
			stack = stack[:len(stack)-1]
			continue
		}
		it := top.el.items[top.i]
		top.i++
		if it.child == nil {
			write(it.text)
			continue
		}
		off := b.Len()
		if space && italic(it.child) {
			// the pending space belongs before the italic run
			b.WriteByte(' ')
			space = false
			off = b.Len()
		}
		stack = append(stack, pos{el: it.child, off: off})
	}
	return outline.Line{Text: b.String(), Italic: spans}
}
