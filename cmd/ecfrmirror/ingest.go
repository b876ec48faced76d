package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/ecfr-mirror/internal/search"
	"github.com/dshills/ecfr-mirror/pkg/types"
)

var (
	ingestTitles  string
	ingestForce   bool
	ingestWorkers int
	ingestFormat  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch and store eCFR titles",
	Long: `Fetch title XML from GovInfo, parse it and reconcile it into the database.

Titles whose source has not changed since their last completed ingestion are
skipped. A failing title is reported and does not stop the others.

Examples:
  ecfrmirror ingest                    # all 50 titles
  ecfrmirror ingest --titles 1,7,40
  ecfrmirror ingest --titles 1-5 --force`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTitles, "titles", "", "Titles to ingest, e.g. 1,7,40 or 1-5 (default: all)")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "Re-ingest titles even when unchanged")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "Titles processed concurrently (default from config)")
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "text", "Output format (text, json, yaml)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	titles, err := parseTitles(ingestTitles)
	if err != nil {
		return err
	}
	format, err := search.ParseFormat(ingestFormat)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	progress := func(o types.TitleOutcome) {
		if format != search.FormatText {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		writeOutcome(out, o)
	}

	eng, err := a.engine(ingestWorkers, progress)
	if err != nil {
		return err
	}

	result, err := eng.IngestTitles(cmd.Context(), titles, ingestForce)
	if err != nil {
		return err
	}

	if format != search.FormatText {
		if err := search.Encode(out, format, result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "\nRun %s: %d succeeded, %d skipped, %d failed in %s\n",
			result.RunID, result.Succeeded, result.Skipped, result.Failed, result.Duration.Round(time.Millisecond))
	}

	if cmd.Context().Err() != nil {
		return fmt.Errorf("ingestion interrupted: %w", cmd.Context().Err())
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d titles failed", result.Failed, len(result.Outcomes))
	}
	return nil
}

func writeOutcome(w io.Writer, o types.TitleOutcome) {
	switch o.Status {
	case types.OutcomeSucceeded:
		fmt.Fprintf(w, "  title %2d  ingested   %6d records  %s (%s)\n",
			o.Title, o.RecordsProcessed, o.Duration.Round(time.Millisecond), o.Reason)
	case types.OutcomeSkipped:
		fmt.Fprintf(w, "  title %2d  unchanged\n", o.Title)
	default:
		fmt.Fprintf(w, "  title %2d  FAILED     [%s] %s\n", o.Title, o.ErrorClass, o.ErrorMessage)
	}
}
