package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/sevenofnine/coursework-sync/internal/domain"
)

func connectTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CWS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CWS_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestMappingUpsertKeepsOneRow(t *testing.T) {
	s := connectTest(t)
	ctx := context.Background()
	user := "test-" + uuid.NewString()

	if _, ok, err := s.GetMapping(ctx, user, "w1"); ok || err != nil {
		t.Fatalf("expected no mapping, ok=%v err=%v", ok, err)
	}
	for _, ev := range []string{"e1", "e2"} {
		if err := s.PutMapping(ctx, domain.CalendarEventMapping{UserID: user, CourseworkID: "w1", CalendarID: "primary", EventID: ev}); err != nil {
			t.Fatal(err)
		}
	}
	m, ok, err := s.GetMapping(ctx, user, "w1")
	if !ok || err != nil || m.EventID != "e2" {
		t.Fatalf("unexpected mapping %+v ok=%v err=%v", m, ok, err)
	}
	all, err := s.ListMappings(ctx, user)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected a single row, got %d (%v)", len(all), err)
	}
}

func TestMirrorUsers(t *testing.T) {
	s := connectTest(t)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	if err := s.SetMirror(ctx, user, true, ""); err != nil {
		t.Fatal(err)
	}
	users, err := s.MirrorUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, u := range users {
		if u.UserID == user && u.CalendarID == "primary" {
			found = true
		}
	}
	if !found {
		t.Fatalf("opted-in user missing from %+v", users)
	}
	_ = s.SetMirror(ctx, user, false, "")
	users, _ = s.MirrorUsers(ctx)
	for _, u := range users {
		if u.UserID == user {
			t.Fatal("opted-out user still listed")
		}
	}
}
