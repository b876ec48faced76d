package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dshills/ecfr-mirror/internal/change"
)

var checkTitles string

var checkUpdatesCmd = &cobra.Command{
	Use:   "check-updates",
	Short: "Report which titles changed at the source",
	Long: `Fetch titles and compare them with the last completed ingestion without
writing anything.`,
	Args: cobra.NoArgs,
	RunE: runCheckUpdates,
}

func init() {
	checkUpdatesCmd.Flags().StringVar(&checkTitles, "titles", "", "Titles to check, e.g. 1,7,40 or 1-5 (default: all)")
	rootCmd.AddCommand(checkUpdatesCmd)
}

func runCheckUpdates(cmd *cobra.Command, args []string) error {
	titles, err := parseTitles(checkTitles)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := a.engine(0, nil)
	if err != nil {
		return err
	}

	statuses, checkErr := eng.CheckForUpdates(cmd.Context(), titles)

	numbers := make([]int, 0, len(statuses))
	for n := range statuses {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	out := cmd.OutOrStdout()
	changed := 0
	for _, n := range numbers {
		if statuses[n] == change.StatusChanged {
			changed++
		}
		fmt.Fprintf(out, "  title %2d  %s\n", n, statuses[n])
	}
	fmt.Fprintf(out, "\n%d of %d checked titles need ingestion\n", changed, len(numbers))

	if checkErr != nil {
		return fmt.Errorf("some titles could not be checked: %w", checkErr)
	}
	return nil
}
