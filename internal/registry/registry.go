/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package registry loads the configured player fleet from a YAML file and
// seeds the store. There is no well-known default player id; every player
// the system coordinates is declared here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
)

// PlayerSpec is one declared player in the registry file.
type PlayerSpec struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	APIKey     string `yaml:"api_key"`
	FreePlay   bool   `yaml:"free_play"`
	CreditCost int    `yaml:"credit_cost"`
}

// File is the registry file layout.
type File struct {
	Players []PlayerSpec `yaml:"players"`
}

// Load parses and validates a registry file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks the declared fleet for completeness and uniqueness.
func (f *File) Validate() error {
	if len(f.Players) == 0 {
		return errors.New("registry declares no players")
	}

	seenID := make(map[string]bool, len(f.Players))
	seenKey := make(map[string]bool, len(f.Players))
	for i, p := range f.Players {
		if p.ID == "" {
			return fmt.Errorf("player %d: missing id", i)
		}
		if p.Name == "" {
			return fmt.Errorf("player %q: missing name", p.ID)
		}
		if p.APIKey == "" {
			return fmt.Errorf("player %q: missing api_key", p.ID)
		}
		if p.CreditCost < 0 {
			return fmt.Errorf("player %q: negative credit_cost", p.ID)
		}
		if seenID[p.ID] {
			return fmt.Errorf("duplicate player id %q", p.ID)
		}
		if seenKey[p.APIKey] {
			return fmt.Errorf("player %q: api_key reused", p.ID)
		}
		seenID[p.ID] = true
		seenKey[p.APIKey] = true
	}
	return nil
}

// Seed upserts the declared players and guarantees each has exactly one
// status row. Players present in the store but absent from the file are
// left in place; removal is an operator decision, not a restart side
// effect.
func Seed(ctx context.Context, database *gorm.DB, file *File, logger zerolog.Logger) error {
	log := logger.With().Str("component", "registry").Logger()

	return database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, spec := range file.Players {
			player := models.Player{
				ID:         spec.ID,
				Name:       spec.Name,
				APIKey:     spec.APIKey,
				FreePlay:   spec.FreePlay,
				CreditCost: spec.CreditCost,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "api_key", "free_play", "credit_cost",
				}),
			}).Create(&player).Error
			if err != nil {
				return fmt.Errorf("upsert player %s: %w", spec.ID, err)
			}

			status := models.PlayerStatus{
				PlayerID:  spec.ID,
				State:     models.StateIdle,
				UpdatedAt: time.Now().UTC(),
			}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "player_id"}},
				DoNothing: true,
			}).Create(&status).Error
			if err != nil {
				return fmt.Errorf("seed status for %s: %w", spec.ID, err)
			}

			log.Info().Str("player_id", spec.ID).Str("name", spec.Name).Msg("player registered")
		}
		return nil
	})
}

// GenerateKey mints an API key for operators adding a new player entry.
func GenerateKey() string {
	return uuid.New().String()
}
