/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SystemVirtue/obie-v5-sub001/internal/db"
	"github.com/SystemVirtue/obie-v5-sub001/internal/registry"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		database, err := db.Connect(cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer func() { _ = db.Close(database) }()

		if err := db.Migrate(database); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("migrations applied")
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate a player API key for the registry file",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(registry.GenerateKey())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(genKeyCmd)
}
