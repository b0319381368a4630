package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/nerrad567/iot-gateway/internal/account"
)

// seedPasswordBytes is the number of random bytes for the seed password.
const seedPasswordBytes = 16

// UserSeeder is the subset of the local account store used for seeding.
type UserSeeder interface {
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, u *account.User) error
}

// Logger is the logging interface used when seeding.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// SeedOwner creates an initial account on first boot of a local (SQLite)
// account store if no users exist. The generated password is logged once
// and must be changed. Returns the password, or "" if seeding was skipped.
func SeedOwner(ctx context.Context, users UserSeeder, email string, logger Logger) (string, error) {
	count, err := users.CountUsers(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		logger.Info("users exist, skipping owner seed")
		return "", nil
	}

	passwordBytes := make([]byte, seedPasswordBytes)
	if _, err := rand.Read(passwordBytes); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	password := hex.EncodeToString(passwordBytes)

	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing seed password: %w", err)
	}

	owner := &account.User{
		Email:        email,
		Name:         "Gateway Owner",
		PasswordHash: hash,
	}
	if err := users.CreateUser(ctx, owner); err != nil {
		return "", fmt.Errorf("creating seed owner: %w", err)
	}

	logger.Warn("seed owner account created",
		"email", email,
		"password", password,
		"action_required", "change this password immediately",
	)
	return password, nil
}
