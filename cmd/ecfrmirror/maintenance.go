package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/ecfr-mirror/internal/storage"
)

var backupCmd = &cobra.Command{
	Use:   "backup <path>",
	Short: "Write a consistent copy of the database to path",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Optimize the search index and compact the database",
	Args:  cobra.NoArgs,
	RunE:  runVacuum,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(vacuumCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Backup(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("%s already exists; choose a new path", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", args[0])
	return nil
}

func runVacuum(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	before, err := a.store.GetStatistics(cmd.Context())
	if err != nil {
		return err
	}
	if err := a.store.Vacuum(cmd.Context()); err != nil {
		return err
	}
	after, err := a.store.GetStatistics(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Vacuum complete: %.1f MB -> %.1f MB\n",
		float64(before.DatabaseSize)/(1<<20), float64(after.DatabaseSize)/(1<<20))
	return nil
}
