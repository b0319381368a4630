package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Repository is the command log.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkAcked(ctx context.Context, id, deviceID, status, reason string, at time.Time) error
	Get(ctx context.Context, id string) (*Record, error)
}

// SQLiteRepository stores the command log in the gateway database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a command log over db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts rec with status pending.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	params := rec.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshalling params: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Status = StatusPending

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO commands (id, device_id, performer_id, action, params, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, rec.PerformerID, rec.Action, string(paramsJSON), rec.Status,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// MarkSent moves a pending command to sent.
func (r *SQLiteRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx,
		`UPDATE commands SET status = ?, sent_at = ? WHERE id = ? AND status = ?`,
		StatusSent, at.UTC().Format(timeLayout), id, StatusPending,
	)
}

// MarkFailed records a publish failure.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.update(ctx,
		`UPDATE commands SET status = ?, error = ? WHERE id = ? AND status = ?`,
		StatusFailed, reason, id, StatusPending,
	)
}

// MarkAcked applies an acknowledgement from deviceID to a sent command.
// status is StatusExecuted or StatusFailed. An ack from any device other
// than the command's target matches nothing.
func (r *SQLiteRepository) MarkAcked(ctx context.Context, id, deviceID, status, reason string, at time.Time) error {
	return r.update(ctx,
		`UPDATE commands SET status = ?, error = ?, executed_at = ?
		 WHERE id = ? AND device_id = ? AND status IN (?, ?)`,
		status, nullableString(reason), at.UTC().Format(timeLayout), id, deviceID, StatusSent, StatusPending,
	)
}

func (r *SQLiteRepository) update(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// Get returns the command with the given correlation id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	var paramsJSON string
	var errText, sentAt, executedAt sql.NullString
	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, device_id, performer_id, action, params, status, error, created_at, sent_at, executed_at
		 FROM commands WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.DeviceID, &rec.PerformerID, &rec.Action, &paramsJSON, &rec.Status,
		&errText, &createdAt, &sentAt, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}

	if err := json.Unmarshal([]byte(paramsJSON), &rec.Params); err != nil {
		return nil, fmt.Errorf("unmarshalling params: %w", err)
	}
	rec.Error = errText.String
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt) //nolint:errcheck // written by this package
	rec.SentAt = parseNullableTime(sentAt)
	rec.ExecutedAt = parseNullableTime(executedAt)
	return &rec, nil
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
