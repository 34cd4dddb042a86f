package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"arbiter-escrow/internal/feed"
)

func TestNilStoreIsNotConfigured(t *testing.T) {
	var s *Store
	if _, err := s.AppendFacts(context.Background(), []feed.Fact{{}}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.ListRecentFacts(context.Background(), 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("ARBITER_PG_TESTS") != "1" {
		t.Skip("set ARBITER_PG_TESTS=1 to run postgres integration tests")
	}
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("arbiter"),
		postgres.WithUsername("arbiter"),
		postgres.WithPassword("arbiter"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestAppendFactsMergesProjections(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	store := NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	registered := feed.New(feed.KindTransaction, "0xabc", "registered", map[string]any{"status": "Active", "deposit": "100"}, at)
	requested := feed.New(feed.KindTransaction, "0xabc", feed.EventArbitrationRequested, map[string]any{"status": "Arbitrated"}, at.Add(time.Minute))

	n, err := store.AppendFacts(ctx, []feed.Fact{registered, requested})
	if err != nil || n != 2 {
		t.Fatalf("append: n=%d err=%v", n, err)
	}
	// Redelivery is a no-op.
	if n, err := store.AppendFacts(ctx, []feed.Fact{registered, requested}); err != nil || n != 0 {
		t.Fatalf("redelivery: n=%d err=%v", n, err)
	}
	if count, err := store.CountFacts(ctx); err != nil || count != 2 {
		t.Fatalf("count: %d %v", count, err)
	}

	projections, err := store.ListProjections(ctx, feed.KindTransaction, 10)
	if err != nil || len(projections) != 1 {
		t.Fatalf("projections: %v %v", projections, err)
	}
	p := projections[0]
	if p.LastEvent != feed.EventArbitrationRequested {
		t.Fatalf("last event %s", p.LastEvent)
	}
	if status, _ := p.Field("status"); status != "Arbitrated" {
		t.Fatalf("status should be overwritten, got %v", status)
	}
	if deposit, _ := p.Field("deposit"); deposit != "100" {
		t.Fatalf("earlier fields should survive the merge, got %v", deposit)
	}

	window, err := store.ListFactsBetween(ctx, at, at.Add(time.Second))
	if err != nil || len(window) != 1 || window[0].ID != registered.ID {
		t.Fatalf("window: %v %v", window, err)
	}

	unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("lock: %v %v", ok, err)
	}
	unlock()
}
