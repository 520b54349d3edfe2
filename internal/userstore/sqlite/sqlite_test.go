package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureUserCreatesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureUser(ctx, "Alice@Example.com")
	if err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	if first.Email != "alice@example.com" {
		t.Errorf("email = %q, want lowercased", first.Email)
	}

	second, err := s.EnsureUser(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("EnsureUser() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second EnsureUser id = %d, want %d", second.ID, first.ID)
	}
}

func TestFindByEmailAbsent(t *testing.T) {
	s := newTestStore(t)

	u, err := s.FindByEmail(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("FindByEmail() error = %v", err)
	}
	if u != nil {
		t.Errorf("FindByEmail() = %+v, want nil for absent user", u)
	}
}

func TestGetByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.EnsureUser(ctx, "bob@example.com")
	if err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}

	got, err := s.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil || got.Email != "bob@example.com" {
		t.Errorf("GetByID() = %+v, want bob", got)
	}

	missing, err := s.GetByID(ctx, created.ID+100)
	if err != nil {
		t.Fatalf("GetByID() missing error = %v", err)
	}
	if missing != nil {
		t.Errorf("GetByID() = %+v, want nil for missing id", missing)
	}
}
