package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const deviceColumns = "id, user_id, name, type, status, last_seen_at, created_at, updated_at"

// SQLiteStore implements Store on the gateway's local database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// CreateUser inserts a user. The ID is generated if empty.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Second)
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrEmailExists
		}
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

// CountUsers returns the number of user accounts.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// CreateDevice inserts a device. ID, Type and Status get defaults if empty.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Type == "" {
		d.Type = "feeder"
	}
	if d.Status == "" {
		d.Status = StatusOffline
	}
	now := time.Now().UTC().Truncate(time.Second)
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, user_id, name, type, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.Name, d.Type, d.Status, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}
	return nil
}

// GetDevice returns the device with the given id.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

// ListDevices returns every device owned by userID, ordered by name.
func (s *SQLiteStore) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE user_id = ? ORDER BY name ASC, id ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// MarkSeen sets the device online and stamps last_seen_at.
func (s *SQLiteStore) MarkSeen(ctx context.Context, id string, ts time.Time) error {
	stamp := ts.UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
		StatusOnline, stamp, stamp, id,
	)
	if err != nil {
		return fmt.Errorf("marking device seen: %w", err)
	}
	return nil
}

// GetUser returns the user with the given id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "SELECT id, email, name, password_hash, created_at, updated_at FROM users WHERE id = ?", id)
}

// GetUserByEmail returns the user with the given email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "SELECT id, email, name, password_hash, created_at, updated_at FROM users WHERE email = ?", email)
}

func (s *SQLiteStore) getUser(ctx context.Context, query, arg string) (*User, error) {
	var u User
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // written by this package
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // written by this package
	return &u, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var lastSeen sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.Type, &d.Status, &lastSeen, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // written by this package
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // written by this package
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			d.LastSeenAt = &t
		}
	}
	return &d, nil
}
