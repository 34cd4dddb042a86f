package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbiter-escrow/internal/feed"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `
    CREATE TABLE IF NOT EXISTS facts (
        seq         BIGSERIAL   PRIMARY KEY,
        id          UUID        NOT NULL UNIQUE,
        kind        TEXT        NOT NULL,
        entity_id   TEXT        NOT NULL,
        event       TEXT        NOT NULL,
        fields      JSONB       NOT NULL DEFAULT '{}'::jsonb,
        ts          TIMESTAMPTZ NOT NULL,
        inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS facts_ts_idx ON facts (ts);
    CREATE INDEX IF NOT EXISTS facts_entity_idx ON facts (kind, entity_id);
    CREATE TABLE IF NOT EXISTS projections (
        kind       TEXT        NOT NULL,
        entity_id  TEXT        NOT NULL,
        state      JSONB       NOT NULL DEFAULT '{}'::jsonb,
        last_event TEXT        NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (kind, entity_id)
    );`

	insertFactSQL = `INSERT INTO facts (
        id,
        kind,
        entity_id,
        event,
        fields,
        ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (id) DO NOTHING;`

	upsertProjectionSQL = `INSERT INTO projections (
        kind,
        entity_id,
        state,
        last_event,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (kind, entity_id) DO UPDATE
    SET
        state      = projections.state || EXCLUDED.state,
        last_event = EXCLUDED.last_event,
        updated_at = EXCLUDED.updated_at
    WHERE projections.updated_at <= EXCLUDED.updated_at;`

	listFactsBetweenSQL = `SELECT
        seq,
        id,
        kind,
        entity_id,
        event,
        fields,
        ts
    FROM facts
    WHERE ts >= $1
      AND ts < $2
    ORDER BY seq;`

	listRecentFactsSQL = `SELECT
        seq,
        id,
        kind,
        entity_id,
        event,
        fields,
        ts
    FROM facts
    ORDER BY seq DESC
    LIMIT $1;`

	listProjectionsSQL = `SELECT
        kind,
        entity_id,
        state,
        last_event,
        updated_at
    FROM projections
    WHERE kind = $1
    ORDER BY updated_at DESC, entity_id
    LIMIT $2;`

	countFactsSQL = `SELECT COUNT(*) FROM facts;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// FactStore persists the fact log and the projections derived from it.
type FactStore interface {
	AppendFacts(ctx context.Context, facts []feed.Fact) (int, error)
	ListFactsBetween(ctx context.Context, from, to time.Time) ([]FactRecord, error)
	ListRecentFacts(ctx context.Context, limit int) ([]FactRecord, error)
	CountFacts(ctx context.Context) (int64, error)
}

// ProjectionStore reads the merged entity state.
type ProjectionStore interface {
	ListProjections(ctx context.Context, kind feed.Kind, limit int) ([]Projection, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the Postgres read model. It is also a feed.Sink.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AppendFacts stores facts and merges them into their projections in one transaction.
// Facts already stored are skipped, so redelivery is harmless. It returns the number of
// new facts.
func (s *Store) AppendFacts(ctx context.Context, facts []feed.Fact) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(facts) == 0 {
		return 0, nil
	}

	inserted := 0
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, f := range facts {
			fields, err := json.Marshal(f.Fields)
			if err != nil {
				return fmt.Errorf("encode fact %s: %w", f.ID, err)
			}
			tag, err := tx.Exec(ctx, insertFactSQL, f.ID, string(f.Kind), f.EntityID, f.Event, fields, f.Timestamp)
			if err != nil {
				return fmt.Errorf("insert fact: %w", err)
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			inserted++
			if _, err := tx.Exec(ctx, upsertProjectionSQL, string(f.Kind), f.EntityID, fields, f.Event, f.Timestamp); err != nil {
				return fmt.Errorf("upsert projection: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Consume implements feed.Sink.
func (s *Store) Consume(ctx context.Context, facts []feed.Fact) error {
	_, err := s.AppendFacts(ctx, facts)
	return err
}

// ListFactsBetween lists facts within a time window in log order.
func (s *Store) ListFactsBetween(ctx context.Context, from, to time.Time) ([]FactRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFactsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list facts between: %w", queryErr)
	}
	defer rows.Close()

	facts := make([]FactRecord, 0)
	for rows.Next() {
		rec, scanErr := scanFact(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		facts = append(facts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return facts, nil
}

// ListRecentFacts lists the newest facts first.
func (s *Store) ListRecentFacts(ctx context.Context, limit int) ([]FactRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentFactsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent facts: %w", queryErr)
	}
	defer rows.Close()

	facts := make([]FactRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanFact(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		facts = append(facts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return facts, nil
}

// CountFacts counts stored facts.
func (s *Store) CountFacts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countFactsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count facts: %w", scanErr)
	}
	return count, nil
}

// ListProjections lists the most recently updated entities of one kind.
func (s *Store) ListProjections(ctx context.Context, kind feed.Kind, limit int) ([]Projection, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listProjectionsSQL, string(kind), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list projections: %w", queryErr)
	}
	defer rows.Close()

	out := make([]Projection, 0, limit)
	for rows.Next() {
		var p Projection
		var state []byte
		if err := rows.Scan(&p.Kind, &p.EntityID, &state, &p.LastEvent, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		p.State = json.RawMessage(state)
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanFact(row pgx.Row) (FactRecord, error) {
	var rec FactRecord
	var fields []byte
	if err := row.Scan(
		&rec.Seq,
		&rec.ID,
		&rec.Kind,
		&rec.EntityID,
		&rec.Event,
		&fields,
		&rec.Timestamp,
	); err != nil {
		return FactRecord{}, fmt.Errorf("scan fact: %w", err)
	}
	rec.Fields = json.RawMessage(fields)
	return rec, nil
}

var (
	_ FactStore       = (*Store)(nil)
	_ ProjectionStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
	_ feed.Sink       = (*Store)(nil)
)
