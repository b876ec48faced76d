package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/ecfr-mirror/internal/search"
)

var listFormat string

var listTitlesCmd = &cobra.Command{
	Use:   "list-titles",
	Short: "List stored titles with counts and ingestion status",
	Args:  cobra.NoArgs,
	RunE:  runListTitles,
}

func init() {
	listTitlesCmd.Flags().StringVar(&listFormat, "format", "text", "Output format (text, json, yaml)")
	rootCmd.AddCommand(listTitlesCmd)
}

func runListTitles(cmd *cobra.Command, args []string) error {
	format, err := search.ParseFormat(listFormat)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	titles, err := a.store.ListTitles(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format != search.FormatText {
		return search.Encode(out, format, titles)
	}
	if len(titles) == 0 {
		fmt.Fprintln(out, "No titles stored. Run 'ecfrmirror ingest' first.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TITLE\tNAME\tPARTS\tSECTIONS\tAMENDED\tSTATUS\tLAST FETCHED")
	for _, t := range titles {
		fetched := "-"
		if !t.LastFetched.IsZero() {
			fetched = t.LastFetched.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			t.TitleNumber, t.TitleName, t.Parts, t.Sections, t.AmendedDate, t.Status, fetched)
	}
	return tw.Flush()
}
