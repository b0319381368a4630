package auth

import (
	"context"
	"testing"

	"github.com/nerrad567/iot-gateway/internal/account"
)

type fakeSeeder struct {
	count   int
	created []*account.User
}

func (f *fakeSeeder) CountUsers(context.Context) (int, error) { return f.count, nil }

func (f *fakeSeeder) CreateUser(_ context.Context, u *account.User) error {
	f.created = append(f.created, u)
	return nil
}

type discardLogger struct{}

func (discardLogger) Info(string, ...any) {}
func (discardLogger) Warn(string, ...any) {}

func TestSeedOwner_FirstBoot(t *testing.T) {
	seeder := &fakeSeeder{}

	password, err := SeedOwner(context.Background(), seeder, "owner@localhost", discardLogger{})
	if err != nil {
		t.Fatalf("SeedOwner() error = %v", err)
	}
	if len(password) != seedPasswordBytes*2 {
		t.Errorf("password length = %d, want %d", len(password), seedPasswordBytes*2)
	}
	if len(seeder.created) != 1 {
		t.Fatalf("created %d users, want 1", len(seeder.created))
	}
	ok, err := VerifyPassword(password, seeder.created[0].PasswordHash)
	if err != nil || !ok {
		t.Errorf("seeded hash does not verify: ok=%v err=%v", ok, err)
	}
}

func TestSeedOwner_SkipsWhenUsersExist(t *testing.T) {
	seeder := &fakeSeeder{count: 2}

	password, err := SeedOwner(context.Background(), seeder, "owner@localhost", discardLogger{})
	if err != nil {
		t.Fatalf("SeedOwner() error = %v", err)
	}
	if password != "" || len(seeder.created) != 0 {
		t.Errorf("SeedOwner() seeded despite existing users")
	}
}
