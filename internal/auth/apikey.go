/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"errors"

	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
)

// ErrAPIKeyNotFound is returned when no player carries the presented key.
var ErrAPIKeyNotFound = errors.New("api key not found")

// ValidatePlayerKey resolves an X-API-Key value to the registry player it
// belongs to. Keys are issued through the player registry file, one per
// player; a playback instance and its kiosks share that player's key.
func ValidatePlayerKey(db *gorm.DB, key string) (*Claims, error) {
	if key == "" {
		return nil, ErrAPIKeyNotFound
	}

	var player models.Player
	err := db.First(&player, "api_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	return &Claims{
		Role:     "player",
		PlayerID: player.ID,
	}, nil
}
