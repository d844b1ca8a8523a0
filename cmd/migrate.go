package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vibe_prompt_server/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		st, err := store.Open(ctx, store.Options{Driver: cfg.DatabaseDriver, URL: cfg.DatabaseURL, SQLitePath: cfg.SQLitePath})
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		log.Infof("Schema is up to date (driver=%s).", cfg.DatabaseDriver)
		return nil
	},
}
