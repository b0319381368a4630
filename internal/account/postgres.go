package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against the shared account database.
// It expects the users and devices tables of the account service; ids are
// UUID columns and are read back as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a connection pool for dsn and verifies it.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.HealthCheck(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging account store: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const pgDeviceQuery = `SELECT id::text, user_id::text, name, COALESCE(type, ''), COALESCE(status, ''),
	created_at, updated_at FROM devices`

// GetDevice returns the device with the given id. An id that is not a valid
// UUID cannot exist and reports ErrDeviceNotFound.
func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.pool.QueryRow(ctx, pgDeviceQuery+" WHERE id::text = $1", id)
	d, err := scanPgDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

// ListDevices returns every device owned by userID, ordered by name.
func (s *PostgresStore) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.pool.Query(ctx, pgDeviceQuery+" WHERE user_id::text = $1 ORDER BY name ASC, id ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanPgDevice(rows)
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

// MarkSeen sets the device online. The shared schema has no last_seen
// column so updated_at carries the activity time.
func (s *PostgresStore) MarkSeen(ctx context.Context, id string, ts time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET status = $1, updated_at = $2 WHERE id::text = $3`,
		StatusOnline, ts.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking device seen: %w", err)
	}
	return nil
}

// GetUser returns the user with the given id.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "WHERE id::text = $1", id)
}

// GetUserByEmail returns the user with the given email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "WHERE email = $1", email)
}

func (s *PostgresStore) getUser(ctx context.Context, where, arg string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		"SELECT id::text, email, name, password, created_at, updated_at FROM users "+where, arg,
	).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

// HealthCheck runs a trivial query.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, "select 1").Scan(&one)
}

func scanPgDevice(row pgx.Row) (*Device, error) {
	var d Device
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.Type, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	if d.Status == StatusOnline {
		seen := d.UpdatedAt
		d.LastSeenAt = &seen
	}
	return &d, nil
}
