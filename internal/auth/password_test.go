package auth

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
)

func TestAuthenticate(t *testing.T) {
	database := openTestDB(t)

	hash, err := HashPassword("hunter2!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user := &models.User{
		ID:       uuid.New().String(),
		Email:    "admin@example.com",
		Password: hash,
		Role:     models.RoleAdmin,
	}
	if err := database.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	claims, err := Authenticate(database, "admin@example.com", "hunter2!")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if claims.UserID != user.ID || claims.Role != "admin" {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := Authenticate(database, "admin@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, err := Authenticate(database, "nobody@example.com", "hunter2!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email err = %v", err)
	}
}
