/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
)

// ErrInvalidCredentials covers both unknown accounts and bad passwords, so
// the login endpoint cannot be used to enumerate emails.
var ErrInvalidCredentials = errors.New("invalid credentials")

// HashPassword returns the bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticate verifies console credentials and returns login claims.
func Authenticate(db *gorm.DB, email, password string) (*Claims, error) {
	var user models.User
	err := db.First(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return &Claims{
		UserID: user.ID,
		Role:   string(user.Role),
	}, nil
}
