package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/opbenesh/bindery/internal/model"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKindleEmail(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	email, err := s.GetKindleEmail(ctx, 1)
	if err != nil {
		t.Fatalf("GetKindleEmail: %v", err)
	}
	if email != "" {
		t.Errorf("unset email = %q, want empty", email)
	}

	if err := s.SetKindleEmail(ctx, 1, "a@kindle.com"); err != nil {
		t.Fatalf("SetKindleEmail: %v", err)
	}
	if email, _ = s.GetKindleEmail(ctx, 1); email != "a@kindle.com" {
		t.Errorf("email = %q, want a@kindle.com", email)
	}

	// Replacing is allowed.
	if err := s.SetKindleEmail(ctx, 1, "b@kindle.com"); err != nil {
		t.Fatalf("SetKindleEmail replace: %v", err)
	}
	if email, _ = s.GetKindleEmail(ctx, 1); email != "b@kindle.com" {
		t.Errorf("email = %q, want b@kindle.com", email)
	}

	// Per-chat isolation.
	if email, _ = s.GetKindleEmail(ctx, 2); email != "" {
		t.Errorf("chat 2 email = %q, want empty", email)
	}

	if err := s.ClearKindleEmail(ctx, 1); err != nil {
		t.Fatalf("ClearKindleEmail: %v", err)
	}
	if email, _ = s.GetKindleEmail(ctx, 1); email != "" {
		t.Errorf("cleared email = %q, want empty", email)
	}
}

func TestAddBindAndGet(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	entry := &model.BindEntry{
		Title: "My Book",
		URLs:  []string{"https://a.test", "https://b.test"},
	}
	if err := s.AddBind(ctx, 5, entry); err != nil {
		t.Fatalf("AddBind: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("AddBind should populate entry.ID")
	}
	if entry.SentAt.IsZero() {
		t.Fatal("AddBind should populate entry.SentAt")
	}

	got, err := s.GetBind(ctx, 5, entry.ID)
	if err != nil {
		t.Fatalf("GetBind: %v", err)
	}
	if got.Title != "My Book" {
		t.Errorf("Title = %q", got.Title)
	}
	if diff := cmp.Diff(entry.URLs, got.URLs); diff != "" {
		t.Errorf("URLs mismatch (-want +got):\n%s", diff)
	}

	// Lookups are scoped to the chat.
	if _, err := s.GetBind(ctx, 6, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-chat GetBind = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBind(ctx, 5, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing GetBind = %v, want ErrNotFound", err)
	}
}

func TestBindHistoryCapAndOrder(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < MaxBinds+5; i++ {
		entry := &model.BindEntry{
			Title: fmt.Sprintf("Book %02d", i),
			URLs:  []string{fmt.Sprintf("https://site%d.test", i)},
		}
		if err := s.AddBind(ctx, 9, entry); err != nil {
			t.Fatalf("AddBind %d: %v", i, err)
		}
	}

	entries, err := s.ListBinds(ctx, 9)
	if err != nil {
		t.Fatalf("ListBinds: %v", err)
	}
	if len(entries) != MaxBinds {
		t.Fatalf("history holds %d entries, want %d", len(entries), MaxBinds)
	}
	if entries[0].Title != "Book 24" {
		t.Errorf("newest entry = %q, want Book 24", entries[0].Title)
	}
	if entries[MaxBinds-1].Title != "Book 05" {
		t.Errorf("oldest kept entry = %q, want Book 05", entries[MaxBinds-1].Title)
	}

	// Another chat's history is untouched.
	other, err := s.ListBinds(ctx, 10)
	if err != nil {
		t.Fatalf("ListBinds other chat: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("chat 10 history = %d entries, want 0", len(other))
	}
}

func TestWhitelist(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	ok, err := s.IsAllowed(ctx, 100)
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if ok {
		t.Error("unknown user should not be allowed")
	}

	if err := s.Allow(ctx, 100); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	// Idempotent.
	if err := s.Allow(ctx, 100); err != nil {
		t.Fatalf("Allow twice: %v", err)
	}
	if err := s.Allow(ctx, 200); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	if ok, _ = s.IsAllowed(ctx, 100); !ok {
		t.Error("user 100 should be allowed")
	}

	ids, err := s.ListAllowed(ctx)
	if err != nil {
		t.Fatalf("ListAllowed: %v", err)
	}
	if diff := cmp.Diff([]int64{100, 200}, ids); diff != "" {
		t.Errorf("whitelist mismatch (-want +got):\n%s", diff)
	}

	if err := s.Disallow(ctx, 100); err != nil {
		t.Fatalf("Disallow: %v", err)
	}
	if ok, _ = s.IsAllowed(ctx, 100); ok {
		t.Error("user 100 should no longer be allowed")
	}
}
