package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// element is one node of the in-memory document. Mixed content is kept in
// order so text flattening sees text and child elements interleaved.
type element struct {
	name   string
	attrs  map[string]string
	items  []item
	parent *element
}

type item struct {
	text  string
	child *element
}

func (e *element) attr(name string) string {
	return e.attrs[name]
}

// children returns the direct child elements.
func (e *element) children() []*element {
	var out []*element
	for _, it := range e.items {
		if it.child != nil {
			out = append(out, it.child)
		}
	}
	return out
}

// child returns the first direct child with the given name.
func (e *element) child(name string) *element {
	for _, it := range e.items {
		if it.child != nil && it.child.name == name {
			return it.child
		}
	}
	return nil
}

// path renders the location of e for error messages, e.g.
// /DLPSTEXTCLASS/TEXT/BODY/ECFRBRWS/DIV1[1]/DIV5[2].
func (e *element) path() string {
	var parts []string
	for n := e; n != nil && n.name != ""; n = n.parent {
		seg := n.name
		if v := n.attr("N"); v != "" {
			seg += "[" + v + "]"
		}
		parts = append(parts, seg)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// find returns every descendant of e (excluding e) accepted by match, in
// document order, without descending into elements stop rejects.
func (e *element) find(match func(*element) bool, stop func(*element) bool) []*element {
	var out []*element
	stack := make([]*element, 0, 16)
	kids := e.children()
	for i := len(kids) - 1; i >= 0; i-- {
		stack = append(stack, kids[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if match(n) {
			out = append(out, n)
		}
		if stop != nil && stop(n) {
			continue
		}
		kids := n.children()
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

// buildTree decodes the whole document into an element tree. Any syntax
// error, including unbalanced tags, is returned with the path of the
// innermost open element.
func buildTree(data []byte) (*element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charsetReader

	root := &element{}
	stack := []*element{root}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &syntaxError{location: stack[len(stack)-1].path(), err: err}
		}

		top := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			el := &element{name: t.Name.Local, parent: top}
			if len(t.Attr) > 0 {
				el.attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					el.attrs[a.Name.Local] = a.Value
				}
			}
			top.items = append(top.items, item{child: el})
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) == 1 {
				return nil, &syntaxError{location: "/", err: fmt.Errorf("unexpected end element </%s>", t.Name.Local)}
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if top != root {
				top.items = append(top.items, item{text: string(t)})
			}
		}
	}

	if len(stack) != 1 {
		return nil, &syntaxError{location: stack[len(stack)-1].path(), err: errors.New("unexpected end of document")}
	}
	if len(root.children()) == 0 {
		return nil, &syntaxError{location: "/", err: errors.New("document has no root element")}
	}
	return root, nil
}

type syntaxError struct {
	location string
	err      error
}

func (e *syntaxError) Error() string { return e.err.Error() }
func (e *syntaxError) Unwrap() error { return e.err }

// charsetReader accepts the single-byte encodings that occasionally appear in
// older bulk files. UTF-8 never reaches here.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	default:
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
}
