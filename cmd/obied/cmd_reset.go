/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SystemVirtue/obie-v5-sub001/internal/db"
	"github.com/SystemVirtue/obie-v5-sub001/internal/election"
	"github.com/SystemVirtue/obie-v5-sub001/internal/eventbus"
	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
)

var (
	resetForce  bool
	resetPlayer string
)

var resetPriorityCmd = &cobra.Command{
	Use:   "reset-priority",
	Short: "Release priority playback markers",
	Long: `Release the priority playback marker for one player or the whole fleet.

The next playback instance to register after a reset wins a fresh election.
Use this when a crashed player left a marker behind and no instance can
advance the queue.

Examples:
  # Interactive reset of every player (will prompt for confirmation)
  obied reset-priority

  # Reset one player without confirmation
  obied reset-priority --player bar-main --force
`,
	RunE: runResetPriority,
}

func init() {
	resetPriorityCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip confirmation prompt")
	resetPriorityCmd.Flags().StringVar(&resetPlayer, "player", "", "Reset only this player ID (default: entire fleet)")
	rootCmd.AddCommand(resetPriorityCmd)
}

func runResetPriority(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	if !resetForce {
		scope := "EVERY player"
		if resetPlayer != "" {
			scope = fmt.Sprintf("player %q", resetPlayer)
		}
		fmt.Printf("This releases the priority marker for %s.\n", scope)
		fmt.Println("Any instance currently driving playback loses the right to advance.")
		fmt.Print("Type 'yes' to confirm: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Println("Reset cancelled.")
			return nil
		}
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() { _ = db.Close(database) }()

	electionSvc := election.New(database, eventbus.NewMemoryBus(), logger)

	var playerIDs []string
	if resetPlayer != "" {
		playerIDs = []string{resetPlayer}
	} else {
		var players []models.Player
		if err := database.Find(&players).Error; err != nil {
			return fmt.Errorf("list players: %w", err)
		}
		for _, p := range players {
			playerIDs = append(playerIDs, p.ID)
		}
	}

	for _, id := range playerIDs {
		if err := electionSvc.Reset(cmd.Context(), id); err != nil {
			logger.Error().Err(err).Str("player_id", id).Msg("priority reset failed")
			continue
		}
		logger.Info().Str("player_id", id).Msg("priority marker released")
	}

	fmt.Printf("Reset complete (%d player(s)).\n", len(playerIDs))
	return nil
}
