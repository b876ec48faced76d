// Package parser turns a GovInfo eCFR title document into a types.TitleTree.
//
// Parsing runs in two passes. The first decodes the whole document into an
// element tree with encoding/xml in strict mode (HTML entities allowed) and
// checks that it holds exactly one DIV1 title division for the requested
// title. The second walks that tree depth-first:
//
//	DIV3 TYPE="CHAPTER"   chapter, designated by N or "CHAPTER IV" in HEAD
//	DIV4 TYPE="SUBCHAP"   subchapter, designated by N or "SUBCHAPTER B"
//	DIV5 TYPE="PART"      part, designated by N or "PART 12"
//	DIV8 TYPE="SECTION"   section, designated by N or "§ 12.3"
//
// Sections may sit below subparts (DIV6) and subject groups (DIV7); those
// divisions are walked through but not stored.
//
// # Basic Usage
//
//	tree, err := parser.New(logger).Parse(data, 40)
//	if err != nil {
//	    var malformed *types.MalformedDocumentError
//	    if errors.As(err, &malformed) {
//	        log.Printf("title %d rejected at %s", malformed.Title, malformed.Location)
//	    }
//	    return err
//	}
//
// # Section Contents
//
// Each section carries its paragraphs (nested with package outline), the
// citations found in its text and the amendment history read from its CITA
// note. A missing designator or a section without a heading rejects the
// whole title; nothing is returned for it. The one exception is a part
// without a numeric designator that holds no sections, such as
// "PARTS 2-4 [RESERVED]": it is a placeholder and is skipped.
package parser
