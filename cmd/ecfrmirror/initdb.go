package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/ecfr-mirror/internal/storage"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the database and apply migrations",
	Args:  cobra.NoArgs,
	RunE:  runInitDB,
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}

func runInitDB(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	// Opening the store applies pending migrations
	version, err := a.store.SchemaVersion(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Database ready at %s (schema %s, %s driver)\n",
		a.store.Path(), version, storage.DriverName)
	return nil
}
