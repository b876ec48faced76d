package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/ecfr-mirror/internal/search"
	"github.com/dshills/ecfr-mirror/internal/storage"
	"github.com/dshills/ecfr-mirror/pkg/types"
)

var (
	titleFormat string
	titlePart   int
	titleFull   bool
)

var titleCmd = &cobra.Command{
	Use:   "title <number>",
	Short: "Show the stored structure of a title",
	Long: `Print the chapter, part and section outline of a stored title. With --full,
section text is printed paragraph by paragraph.`,
	Args: cobra.ExactArgs(1),
	RunE: runTitle,
}

func init() {
	titleCmd.Flags().StringVar(&titleFormat, "format", "text", "Output format (text, json, yaml)")
	titleCmd.Flags().IntVar(&titlePart, "part", 0, "Only show this part")
	titleCmd.Flags().BoolVar(&titleFull, "full", false, "Include section text")
	rootCmd.AddCommand(titleCmd)
}

func runTitle(cmd *cobra.Command, args []string) error {
	number, err := parseTitle(args[0])
	if err != nil {
		return err
	}
	format, err := search.ParseFormat(titleFormat)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tree, err := a.store.GetTitle(cmd.Context(), number)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("title %d is not stored; run 'ecfrmirror ingest --titles %d'", number, number)
	}
	if err != nil {
		return err
	}
	if titlePart > 0 {
		filterPart(tree, titlePart)
	}

	out := cmd.OutOrStdout()
	if format != search.FormatText {
		return search.Encode(out, format, tree)
	}
	writeTree(out, tree, titleFull)
	return nil
}

// filterPart drops every part except number, and chapters left empty.
func filterPart(tree *types.TitleTree, number int) {
	keep := func(parts []types.Part) []types.Part {
		var out []types.Part
		for _, p := range parts {
			if p.Number == number {
				out = append(out, p)
			}
		}
		return out
	}

	var chapters []types.Chapter
	for _, ch := range tree.Chapters {
		ch.Parts = keep(ch.Parts)
		var subs []types.Subchapter
		for _, sub := range ch.Subchapters {
			if sub.Parts = keep(sub.Parts); len(sub.Parts) > 0 {
				subs = append(subs, sub)
			}
		}
		ch.Subchapters = subs
		if len(ch.Parts) > 0 || len(ch.Subchapters) > 0 {
			chapters = append(chapters, ch)
		}
	}
	tree.Chapters = chapters
}

func writeTree(w io.Writer, tree *types.TitleTree, full bool) {
	fmt.Fprintf(w, "Title %d: %s\n", tree.Number, tree.Name)
	if !tree.AmendedDate.IsZero() {
		fmt.Fprintf(w, "Amended %s\n", tree.AmendedDate.Format("2006-01-02"))
	}

	var lastChapter *types.Chapter
	var lastSub *types.Subchapter
	var lastPart *types.Part
	tree.EachSection(func(ch *types.Chapter, sub *types.Subchapter, part *types.Part, sec *types.Section) {
		if ch != lastChapter {
			fmt.Fprintf(w, "\nChapter %s  %s\n", ch.Number, ch.Name)
			lastChapter, lastSub = ch, nil
		}
		if sub != nil && sub != lastSub {
			fmt.Fprintf(w, "  Subchapter %s  %s\n", sub.Letter, sub.Name)
			lastSub = sub
		}
		if part != lastPart {
			fmt.Fprintf(w, "    Part %d  %s\n", part.Number, part.Name)
			lastPart = part
		}
		fmt.Fprintf(w, "      § %s  %s\n", sec.Number, sec.Heading)
		if full {
			for _, p := range sec.Paragraphs {
				indent := strings.Repeat("  ", p.Depth+4)
				if p.Marker != "" {
					fmt.Fprintf(w, "%s%s %s\n", indent, p.Marker, p.Content)
				} else {
					fmt.Fprintf(w, "%s%s\n", indent, p.Content)
				}
			}
		}
	})
}
