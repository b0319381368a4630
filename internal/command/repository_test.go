package command

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/database"
	"github.com/nerrad567/iot-gateway/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "commands.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestRepository_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := &Record{
		ID:          "c1",
		DeviceID:    "d1",
		PerformerID: "u1",
		Action:      "dispense_food",
		Params:      map[string]any{"weight": "50"},
		CreatedAt:   created,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusPending || got.Params["weight"] != "50" || !got.CreatedAt.Equal(created) {
		t.Errorf("Get() = %+v", got)
	}

	if err := repo.MarkSent(ctx, "c1", created.Add(time.Second)); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if err := repo.MarkFailed(ctx, "c1", "late"); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("MarkFailed() on sent command error = %v, want ErrCommandNotFound", err)
	}
	if err := repo.MarkAcked(ctx, "c1", "d2", StatusExecuted, "", created.Add(2*time.Second)); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("MarkAcked() from another device error = %v, want ErrCommandNotFound", err)
	}
	if err := repo.MarkAcked(ctx, "c1", "d1", StatusExecuted, "", created.Add(2*time.Second)); err != nil {
		t.Fatalf("MarkAcked() error = %v", err)
	}

	got, err = repo.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusExecuted || got.SentAt == nil || got.ExecutedAt == nil || got.Error != "" {
		t.Errorf("final record = %+v", got)
	}

	if err := repo.MarkAcked(ctx, "c1", "d1", StatusFailed, "jam", time.Now()); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("second MarkAcked() error = %v, want ErrCommandNotFound", err)
	}
}

func TestRepository_PublishFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &Record{ID: "c2", DeviceID: "d1", PerformerID: "u1", Action: "x"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.MarkFailed(ctx, "c2", "broker: transport unavailable"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	got, err := repo.Get(ctx, "c2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusFailed || got.Error == "" {
		t.Errorf("record = %+v", got)
	}
	if got.Params == nil {
		t.Error("nil params should round-trip as an empty object")
	}
}

func TestRepository_GetUnknown(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("Get() error = %v, want ErrCommandNotFound", err)
	}
}
