package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/ecfr-mirror/internal/search"
)

var (
	searchLimit  int
	searchFormat string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search across stored sections",
	Long: `Search section numbers, headings and text. Results are ranked with matches
in section numbers and headings weighted above body text.

Examples:
  ecfrmirror search "radioactive waste"
  ecfrmirror search licens* --limit 25 --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "Maximum results (default from config, max 100)")
	searchCmd.Flags().StringVar(&searchFormat, "format", "text", "Output format (text, json, yaml)")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	format, err := search.ParseFormat(searchFormat)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.searcher()
	if err != nil {
		return err
	}

	resp, err := s.Search(cmd.Context(), search.Request{
		Query:  strings.Join(args, " "),
		Limit:  searchLimit,
		Format: format,
	})
	if err != nil {
		return err
	}
	return search.Write(cmd.OutOrStdout(), format, resp)
}
