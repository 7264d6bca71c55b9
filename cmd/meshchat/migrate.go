package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/meshchat/session"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			done := logger.StartTimer("migrate")

			// NewGormStore migrates on open.
			store, err := session.NewGormStore(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", cfg.DBDriver, err)
			}
			defer store.Close()

			done()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.DBDriver)
			return nil
		},
	}
}
