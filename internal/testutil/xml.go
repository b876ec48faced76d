// Package testutil builds synthetic eCFR title documents for tests.
package testutil

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Title describes a document to render.
type Title struct {
	Number      int
	Name        string
	AmendedDate string // e.g. "Jan. 2, 2024"; omitted when empty
	Chapters    []Chapter
}

type Chapter struct {
	Number      string
	Name        string
	Subchapters []Subchapter
	Parts       []Part
}

type Subchapter struct {
	Letter string
	Name   string
	Parts  []Part
}

type Part struct {
	Number    int
	Name      string
	Authority string
	Source    string
	Sections  []Section
}

// Section paragraphs are raw inner XML, so they may contain <I> markup.
type Section struct {
	Number     string
	Heading    string
	Node       string
	Paragraphs []string
	Cita       string
}

// SingleSection returns a title with one chapter, subchapter, part and
// section. The part number is the title number and the section is
// "{title}.1".
func SingleSection(title int) Title {
	return Title{
		Number:      title,
		Name:        fmt.Sprintf("Test Title %d", title),
		AmendedDate: "Jan. 2, 2024",
		Chapters: []Chapter{{
			Number: "I",
			Name:   "CHAPTER I—TEST CHAPTER",
			Subchapters: []Subchapter{{
				Letter: "A",
				Name:   "SUBCHAPTER A—GENERAL",
				Parts: []Part{{
					Number:    title,
					Name:      fmt.Sprintf("PART %d—GENERAL PROVISIONS", title),
					Authority: "5 U.S.C. 301",
					Sections: []Section{{
						Number:     fmt.Sprintf("%d.1", title),
						Heading:    "Scope.",
						Node:       fmt.Sprintf("%d:1.0.1.1.1.0.1.1", title),
						Paragraphs: []string{"This part sets out the scope of the regulations in this title."},
						Cita:       "[45 FR 1000, Jan. 2, 1980]",
					}},
				}},
			}},
		}},
	}
}

// Bytes renders the document.
func (t Title) Bytes() []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" ?>` + "\n")
	b.WriteString("<DLPSTEXTCLASS>\n<HEADER><FILEDESC><TITLESTMT>")
	fmt.Fprintf(&b, "<TITLE>Title %d: %s</TITLE>", t.Number, esc(t.Name))
	b.WriteString("</TITLESTMT></FILEDESC></HEADER>\n<TEXT><BODY><ECFRBRWS>\n")
	if t.AmendedDate != "" {
		fmt.Fprintf(&b, "<AMDDATE>%s</AMDDATE>\n", esc(t.AmendedDate))
	}
	fmt.Fprintf(&b, `<DIV1 N="%d" TYPE="TITLE">`+"\n", t.Number)
	fmt.Fprintf(&b, "<HEAD>Title %d—%s</HEAD>\n", t.Number, esc(t.Name))
	for _, ch := range t.Chapters {
		fmt.Fprintf(&b, `<DIV3 N="%s" TYPE="CHAPTER">`+"\n<HEAD>%s</HEAD>\n", esc(ch.Number), esc(ch.Name))
		for _, sub := range ch.Subchapters {
			fmt.Fprintf(&b, `<DIV4 N="%s" TYPE="SUBCHAP">`+"\n<HEAD>%s</HEAD>\n", esc(sub.Letter), esc(sub.Name))
			for _, p := range sub.Parts {
				writePart(&b, p)
			}
			b.WriteString("</DIV4>\n")
		}
		for _, p := range ch.Parts {
			writePart(&b, p)
		}
		b.WriteString("</DIV3>\n")
	}
	b.WriteString("</DIV1>\n</ECFRBRWS></BODY></TEXT>\n</DLPSTEXTCLASS>\n")
	return []byte(b.String())
}

func writePart(b *strings.Builder, p Part) {
	fmt.Fprintf(b, `<DIV5 N="%d" TYPE="PART">`+"\n<HEAD>%s</HEAD>\n", p.Number, esc(p.Name))
	if p.Authority != "" {
		fmt.Fprintf(b, "<AUTH>\n<HED>Authority:</HED>\n<PSPACE>%s</PSPACE>\n</AUTH>\n", esc(p.Authority))
	}
	if p.Source != "" {
		fmt.Fprintf(b, "<SOURCE>\n<HED>Source:</HED>\n<PSPACE>%s</PSPACE>\n</SOURCE>\n", esc(p.Source))
	}
	for _, s := range p.Sections {
		if s.Node != "" {
			fmt.Fprintf(b, `<DIV8 N="§ %s" NODE="%s" TYPE="SECTION">`+"\n", esc(s.Number), esc(s.Node))
		} else {
			fmt.Fprintf(b, `<DIV8 N="§ %s" TYPE="SECTION">`+"\n", esc(s.Number))
		}
		fmt.Fprintf(b, "<HEAD>§ %s %s</HEAD>\n", esc(s.Number), esc(s.Heading))
		for _, para := range s.Paragraphs {
			fmt.Fprintf(b, "<P>%s</P>\n", para)
		}
		if s.Cita != "" {
			fmt.Fprintf(b, `<CITA TYPE="N">%s</CITA>`+"\n", esc(s.Cita))
		}
		b.WriteString("</DIV8>\n")
	}
	b.WriteString("</DIV5>\n")
}

func esc(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
