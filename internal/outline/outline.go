package outline

import (
	"strings"
	"unicode"

	"github.com/dshills/ecfr-mirror/pkg/types"
)

// Span is a half-open byte range of italic text within a Line.
type Span struct {
	Start, End int
}

// Line is the flattened text of one source paragraph.
type Line struct {
	Text   string
	Italic []Span
}

func (l Line) italicAt(start, end int) bool {
	for _, s := range l.Italic {
		if s.Start <= start && end <= s.End {
			return true
		}
	}
	return false
}

// Marker is one parenthesized designator at the start of a line.
type Marker struct {
	Text   string // "(a)", "(1)"
	Token  string // "a", "1"
	Italic bool
}

// level is one open entry of the marker stack.
type level struct {
	class Class
	value int
	index int // position in the paragraph arena
}

// Builder assigns parents, depths and ordinals to the paragraphs of one
// section. Lines must be added in document order.
type Builder struct {
	stack []level
	paras []types.Paragraph
	next  map[int]int // parent index -> last ordinal handed out
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{next: make(map[int]int)}
}

// Build is a convenience for building a whole section at once.
func Build(lines []Line) []types.Paragraph {
	b := NewBuilder()
	for _, l := range lines {
		b.Add(l)
	}
	return b.Paragraphs()
}

// Add places one line. Blank lines are ignored.
func (b *Builder) Add(line Line) {
	markers, rest := Lead(line)
	if len(markers) == 0 {
		if rest == "" {
			return
		}
		// Unmarked text closes every open level.
		b.stack = b.stack[:0]
		b.push(-1, "", rest)
		return
	}

	for i, m := range markers {
		content := ""
		if i == len(markers)-1 {
			content = rest
		}
		c := b.resolve(candidates(m.Token, m.Italic))
		b.place(c, m.Text, content)
	}
}

// Paragraphs returns the arena built so far.
func (b *Builder) Paragraphs() []types.Paragraph {
	return b.paras
}

// place pops every level of equal or deeper rank, then pushes the new one.
func (b *Builder) place(c candidate, marker, content string) {
	for len(b.stack) > 0 && b.stack[len(b.stack)-1].class >= c.class {
		b.stack = b.stack[:len(b.stack)-1]
	}
	parent := -1
	if len(b.stack) > 0 {
		parent = b.stack[len(b.stack)-1].index
	}
	idx := b.push(parent, marker, content)
	b.stack = append(b.stack, level{class: c.class, value: c.value, index: idx})
}

func (b *Builder) push(parent int, marker, content string) int {
	depth := 0
	if parent >= 0 {
		depth = b.paras[parent].Depth + 1
	}
	b.next[parent]++
	b.paras = append(b.paras, types.Paragraph{
		Marker:  marker,
		Content: content,
		Parent:  parent,
		Ordinal: b.next[parent],
		Depth:   depth,
	})
	return len(b.paras) - 1
}

// resolve picks one reading of an ambiguous marker such as "(i)": first a
// class that continues an open level (deepest wins), then a class for which
// the token is the first value, then lower-alpha.
func (b *Builder) resolve(cands []candidate) candidate {
	if len(cands) == 1 {
		return cands[0]
	}
	for i := len(b.stack) - 1; i >= 0; i-- {
		open := b.stack[i]
		for _, c := range cands {
			if c.class == open.class && c.value == open.value+1 {
				return c
			}
		}
	}
	for _, c := range cands {
		if c.value == 1 {
			return c
		}
	}
	for _, c := range cands {
		if c.class == LowerAlpha {
			return c
		}
	}
	return cands[0]
}

// Lead splits the leading markers off a line and returns them together with
// the remaining trimmed text.
func Lead(line Line) ([]Marker, string) {
	text := line.Text
	pos := 0
	for pos < len(text) && unicode.IsSpace(rune(text[pos])) {
		pos++
	}

	var markers []Marker
	for pos < len(text) && text[pos] == '(' {
		end := strings.IndexByte(text[pos:], ')')
		if end < 0 || end > maxTokenLen+1 {
			break
		}
		tokStart, tokEnd := pos+1, pos+end
		token := text[tokStart:tokEnd]
		after := pos + end + 1
		if after < len(text) && text[after] != '(' && !unicode.IsSpace(rune(text[after])) {
			break
		}
		italic := line.italicAt(tokStart, tokEnd)
		if len(candidates(token, italic)) == 0 {
			break
		}
		markers = append(markers, Marker{Text: text[pos:after], Token: token, Italic: italic})
		pos = after
		for pos < len(text) && text[pos] == ' ' {
			pos++
		}
	}
	return markers, strings.TrimSpace(text[pos:])
}
