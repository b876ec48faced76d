package search

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Format selects how results are rendered
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want text, json or yaml)", s)
	}
}

// Encode writes v as JSON or YAML. Text is not a generic encoding; callers
// render their own text views.
func Encode(w io.Writer, format Format, v interface{}) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q cannot encode structured data", format)
	}
}

// Write renders a search response
func Write(w io.Writer, format Format, resp *Response) error {
	if format != FormatText && format != "" {
		return Encode(w, format, resp)
	}

	if len(resp.Results) == 0 {
		_, err := fmt.Fprintf(w, "No results for %q\n", resp.Query)
		return err
	}

	for i, r := range resp.Results {
		_, err := fmt.Fprintf(w, "%d. %d CFR %s  %s\n   Title %d, Chapter %s, Part %d  (score %.2f)\n",
			i+1, r.TitleNumber, r.SectionNumber, r.Heading,
			r.TitleNumber, r.ChapterNumber, r.PartNumber, r.Score)
		if err != nil {
			return err
		}
		if r.Snippet != "" {
			if _, err := fmt.Fprintf(w, "   %s\n", r.Snippet); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "\n%d result(s) in %s\n", resp.TotalResults, resp.Duration.Round(time.Microsecond))
	return err
}
