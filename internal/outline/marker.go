package outline

import (
	"strconv"
	"strings"
)

// Class is a paragraph marker style. Classes are ordered by nesting rank:
// a lower-alpha paragraph contains arabic paragraphs, which contain
// lower-roman paragraphs, and so on.
type Class int

const (
	ClassNone Class = iota
	LowerAlpha
	Arabic
	LowerRoman
	UpperAlpha
	ItalicArabic
	ItalicRoman
)

func (c Class) String() string {
	switch c {
	case LowerAlpha:
		return "lower-alpha"
	case Arabic:
		return "arabic"
	case LowerRoman:
		return "lower-roman"
	case UpperAlpha:
		return "upper-alpha"
	case ItalicArabic:
		return "italic-arabic"
	case ItalicRoman:
		return "italic-roman"
	default:
		return "none"
	}
}

// candidate is one reading of a marker token.
type candidate struct {
	class Class
	value int // 1-based position within the class sequence
}

// maxTokenLen bounds what may appear between the parentheses of a marker.
const maxTokenLen = 6

// candidates returns every class the token could belong to, in preference
// order. An empty result means the token is not a marker.
func candidates(token string, italic bool) []candidate {
	if token == "" || len(token) > maxTokenLen {
		return nil
	}

	if isDigits(token) {
		n, err := strconv.Atoi(token)
		if err != nil || n < 1 {
			return nil
		}
		if italic {
			return []candidate{{ItalicArabic, n}}
		}
		return []candidate{{Arabic, n}}
	}

	var out []candidate
	switch {
	case isLower(token):
		if r := romanValue(token); r > 0 {
			if italic {
				return []candidate{{ItalicRoman, r}}
			}
			out = append(out, candidate{LowerRoman, r})
		}
		if a := alphaValue(token); a > 0 {
			out = append(out, candidate{LowerAlpha, a})
		}
	case isUpper(token):
		if a := alphaValue(strings.ToLower(token)); a > 0 {
			out = append(out, candidate{UpperAlpha, a})
		}
	}
	return out
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isLower(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}
	return true
}

func isUpper(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// alphaValue maps a, b, ... z, aa, bb, ... to 1, 2, ... 26, 27, 28.
// Only repeated single letters are markers.
func alphaValue(s string) int {
	if s == "" || len(s) > 3 {
		return 0
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return 0
		}
	}
	return int(s[0]-'a') + 1 + 26*(len(s)-1)
}

var romanDigits = map[byte]int{'i': 1, 'v': 5, 'x': 10, 'l': 50, 'c': 100}

// romanValue parses a canonical lowercase roman numeral, returning 0 when s
// is not one.
func romanValue(s string) int {
	total := 0
	for i := 0; i < len(s); i++ {
		v, ok := romanDigits[s[i]]
		if !ok {
			return 0
		}
		if i+1 < len(s) && romanDigits[s[i+1]] > v {
			total -= v
		} else {
			total += v
		}
	}
	if total < 1 || toRoman(total) != s {
		return 0
	}
	return total
}

func toRoman(n int) string {
	numerals := []struct {
		value int
		text  string
	}{
		{100, "c"}, {90, "xc"}, {50, "l"}, {40, "xl"},
		{10, "x"}, {9, "ix"}, {5, "v"}, {4, "iv"}, {1, "i"},
	}
	var b strings.Builder
	for _, num := range numerals {
		for n >= num.value {
			b.WriteString(num.text)
			n -= num.value
		}
	}
	return b.String()
}
