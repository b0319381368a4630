// Package account reads users and devices from the account store.
//
// The gateway does not own account data. A deployment points it either at a
// shared PostgreSQL database (driver "postgres") or at the gateway's local
// SQLite file (driver "sqlite"), which is also what tests and single-box
// installs use.
package account

import (
	"context"
	"errors"
	"time"
)

// Device statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

var (
	// ErrDeviceNotFound is returned when no device has the given id.
	ErrDeviceNotFound = errors.New("account: device not found")

	// ErrUserNotFound is returned when no user has the given id or email.
	ErrUserNotFound = errors.New("account: user not found")

	// ErrEmailExists is returned when creating a user with a taken email.
	ErrEmailExists = errors.New("account: email already exists")
)

// Device is a registered device and its owner.
type Device struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"user_id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// User is an account that owns devices.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the account store as seen by the gateway.
type Store interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, userID string) ([]Device, error)
	// MarkSeen sets the device online and records ts as its last activity.
	// Unknown ids are ignored.
	MarkSeen(ctx context.Context, id string, ts time.Time) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	HealthCheck(ctx context.Context) error
}
