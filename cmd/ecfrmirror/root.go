package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/ecfr-mirror/internal/storage"
)

var (
	configFile string
	dbPathFlag string
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "ecfrmirror",
	Short: "Mirror the Electronic Code of Federal Regulations into SQLite",
	Long: `ecfrmirror downloads eCFR title XML from the GovInfo bulk data service,
parses it into titles, chapters, parts and sections, and keeps a local
SQLite database with a full-text index in sync with the source.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("ecfrmirror {{.Version}} (built " + buildTime + ", " +
		storage.BuildMode + " build, driver " + storage.DriverName + ")\n")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (overrides config and ECFR_DB_PATH)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
}
