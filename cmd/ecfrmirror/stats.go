package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/ecfr-mirror/internal/search"
	"github.com/dshills/ecfr-mirror/pkg/types"
)

var statsFormat string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsFormat, "format", "text", "Output format (text, json, yaml)")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	format, err := search.ParseFormat(statsFormat)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.GetStatistics(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format != search.FormatText {
		return search.Encode(out, format, stats)
	}

	c := stats.Counts
	fmt.Fprintf(out, "Database: %s (%.1f MB)\n\n", a.store.Path(), float64(stats.DatabaseSize)/(1<<20))
	fmt.Fprintf(out, "  Titles:           %d\n", c.Titles)
	fmt.Fprintf(out, "  Chapters:         %d\n", c.Chapters)
	fmt.Fprintf(out, "  Subchapters:      %d\n", c.Subchapters)
	fmt.Fprintf(out, "  Parts:            %d\n", c.Parts)
	fmt.Fprintf(out, "  Sections:         %d\n", c.Sections)
	fmt.Fprintf(out, "  Paragraphs:       %d\n", c.Paragraphs)
	fmt.Fprintf(out, "  Cross references: %d\n", c.CrossReferences)
	fmt.Fprintf(out, "  Amendments:       %d\n", c.Amendments)
	fmt.Fprintf(out, "  Indexed sections: %d\n", stats.FTSRows)

	if len(stats.StatusCounts) > 0 {
		statuses := make([]string, 0, len(stats.StatusCounts))
		for s := range stats.StatusCounts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		fmt.Fprintln(out, "\nIngestion status:")
		for _, s := range statuses {
			fmt.Fprintf(out, "  %-12s %d\n", s, stats.StatusCounts[types.IngestionStatus(s)])
		}
	}

	if len(stats.RecentActivity) > 0 {
		fmt.Fprintln(out, "\nRecent activity:")
		for _, r := range stats.RecentActivity {
			line := fmt.Sprintf("  title %2d  %-11s %s", r.TitleNumber, r.Status, r.LastFetched.Local().Format(time.DateTime))
			if r.ErrorClass != "" {
				line += "  [" + r.ErrorClass + "]"
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}
