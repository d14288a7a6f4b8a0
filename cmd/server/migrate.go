package main

import (
	"github.com/spf13/cobra"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig(v)
		if err != nil {
			return err
		}
		logger := config.NewLogger(cfg.Log)

		db, err := store.Open(cfg.Database, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close(db) }()

		if err := store.Migrate(db); err != nil {
			return err
		}
		logger.Info("database migrated", "driver", cfg.Database.Driver)
		return nil
	},
}
