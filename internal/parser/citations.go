package parser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/ecfr-mirror/pkg/types"
)

const sectionNum = `\d+\.\d+[a-z0-9\-]*`

var (
	cfrSectionRe = regexp.MustCompile(`\b(\d+)\s+CFR\s+(` + sectionNum + `)`)
	cfrPartRe    = regexp.MustCompile(`\b(\d+)\s+CFR\s+[Pp]arts?\s+(\d+)`)
	multiSectRe  = regexp.MustCompile(`§§\s*(` + sectionNum + `(?:\s*(?:,|and|or|through|to)\s*` + sectionNum + `)*)`)
	sectionRe    = regexp.MustCompile(`§\s*(` + sectionNum + `)`)
	sectionNumRe = regexp.MustCompile(sectionNum)
	uscRe        = regexp.MustCompile(`\b(\d+)\s+U\.\s?S\.\s?C\.\s+(\d+[a-zA-Z0-9\-]*)`)
	pubLawRe     = regexp.MustCompile(`Pub\.\s*L\.\s*(\d+)[-–](\d+)`)
	statRe       = regexp.MustCompile(`\b(\d+)\s+Stat\.\s+(\d+)`)
	frRe         = regexp.MustCompile(`\b(\d+)\s+FR\s+(\d+)`)

	// an FR citation followed by its publication date
	frDatedRe = regexp.MustCompile(`(\d+\s+FR\s+\d+),\s*([A-Z][a-z]{2,8}\.?\s+\d{1,2},\s+\d{4})`)
	effRe     = regexp.MustCompile(`[Ee]ff(?:ective)?\.?\s+([A-Z][a-z]{2,8}\.?\s+\d{1,2},\s+\d{4})`)
)

type match struct {
	pos int
	ref types.CrossReference
}

// extractReferences finds every citation in text. Section citations in the
// same title are internal, other CFR titles are external, statutes are
// statutory and Federal Register citations are other. Results are in text
// order with duplicates and self references removed.
func extractReferences(text string, title int, self string) []types.CrossReference {
	var found []match

	cfr := func(t int) types.ReferenceType {
		if t == title {
			return types.RefInternal
		}
		return types.RefExternal
	}

	for _, m := range cfrSectionRe.FindAllStringSubmatchIndex(text, -1) {
		t, _ := strconv.Atoi(text[m[2]:m[3]])
		sec := strings.TrimRight(text[m[4]:m[5]], ".-")
		found = append(found, match{m[0], types.CrossReference{
			Citation: text[m[0]:m[1]], Type: cfr(t), TargetTitle: t, TargetSection: sec,
		}})
	}
	for _, m := range cfrPartRe.FindAllStringSubmatchIndex(text, -1) {
		t, _ := strconv.Atoi(text[m[2]:m[3]])
		found = append(found, match{m[0], types.CrossReference{
			Citation: text[m[0]:m[1]], Type: cfr(t), TargetTitle: t,
		}})
	}

	// §§ lists expand to one reference per section; single § matches inside
	// a list are skipped.
	covered := make([][2]int, 0)
	for _, m := range multiSectRe.FindAllStringSubmatchIndex(text, -1) {
		covered = append(covered, [2]int{m[0], m[1]})
		list := text[m[2]:m[3]]
		for _, n := range sectionNumRe.FindAllStringIndex(list, -1) {
			sec := strings.TrimRight(list[n[0]:n[1]], ".-")
			found = append(found, match{m[2] + n[0], types.CrossReference{
				Citation: "§ " + sec, Type: types.RefInternal, TargetTitle: title, TargetSection: sec,
			}})
		}
	}
	for _, m := range sectionRe.FindAllStringSubmatchIndex(text, -1) {
		if within(covered, m[0]) {
			continue
		}
		sec := strings.TrimRight(text[m[2]:m[3]], ".-")
		found = append(found, match{m[0], types.CrossReference{
			Citation: "§ " + sec, Type: types.RefInternal, TargetTitle: title, TargetSection: sec,
		}})
	}

	for _, re := range []*regexp.Regexp{uscRe, pubLawRe, statRe} {
		for _, m := range re.FindAllStringIndex(text, -1) {
			found = append(found, match{m[0], types.CrossReference{
				Citation: normalizeSpace(text[m[0]:m[1]]), Type: types.RefStatutory,
			}})
		}
	}
	for _, m := range frRe.FindAllStringIndex(text, -1) {
		found = append(found, match{m[0], types.CrossReference{
			Citation: normalizeSpace(text[m[0]:m[1]]), Type: types.RefOther,
		}})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	seen := make(map[string]bool, len(found))
	refs := make([]types.CrossReference, 0, len(found))
	for _, f := range found {
		r := f.ref
		r.Citation = normalizeSpace(r.Citation)
		if r.Type == types.RefInternal && r.TargetSection == self {
			continue
		}
		key := string(r.Type) + "|" + r.Citation + "|" + r.TargetSection
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, r)
	}
	return refs
}

func within(spans [][2]int, pos int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}

// extractAmendments reads the publication history from a source note such as
// "[45 FR 100, Jan. 2, 1980, as amended at 50 FR 200, Mar. 4, 1985]".
// The first citation is the original publication; later ones take the change
// type of the nearest preceding keyword. It also returns the last effective
// date mentioned in the note.
func extractAmendments(note string) ([]types.Amendment, time.Time) {
	note = normalizeSpace(note)
	if note == "" {
		return nil, time.Time{}
	}

	description := strings.TrimSpace(strings.Trim(note, "[]"))
	matches := frDatedRe.FindAllStringSubmatchIndex(note, -1)

	var out []types.Amendment
	seen := make(map[string]bool)
	mode := types.ChangeRevised
	prevEnd := 0
	for i, m := range matches {
		keyword := changeKeyword(note[prevEnd:m[0]])
		if keyword != "" {
			mode = keyword
		}
		change := mode
		if i == 0 && keyword == "" {
			change = types.ChangeAdded
		}

		citation := normalizeSpace(note[m[2]:m[3]])
		date, _ := parseDate(note[m[4]:m[5]])

		// an effective date belongs to the citation it follows
		clauseEnd := len(note)
		if i+1 < len(matches) {
			clauseEnd = matches[i+1][0]
		}
		var eff time.Time
		if em := effRe.FindStringSubmatch(note[m[1]:clauseEnd]); em != nil {
			eff, _ = parseDate(em[1])
		}

		prevEnd = m[1]
		key := citation + "|" + string(change)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, types.Amendment{
			Date:          date,
			Citation:      citation,
			ChangeType:    change,
			Description:   description,
			EffectiveDate: eff,
		})
	}

	var effective time.Time
	if all := effRe.FindAllStringSubmatch(note, -1); len(all) > 0 {
		effective, _ = parseDate(all[len(all)-1][1])
	}
	return out, effective
}

func changeKeyword(s string) types.ChangeType {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "redesignated"):
		return types.ChangeRedesignated
	case strings.Contains(s, "removed"):
		return types.ChangeRemoved
	case strings.Contains(s, "amended"), strings.Contains(s, "revised"):
		return types.ChangeRevised
	default:
		return ""
	}
}

var monthFixer = strings.NewReplacer("Sept.", "Sep", "Sept ", "Sep ", ".", "")

// parseDate accepts "Jan. 2, 2006", "Jan 2, 2006", "January 2, 2006" and
// "Sept. 2, 2006".
func parseDate(s string) (time.Time, bool) {
	s = normalizeSpace(monthFixer.Replace(strings.TrimSpace(s)))
	for _, layout := range []string{"Jan 2, 2006", "January 2, 2006", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
