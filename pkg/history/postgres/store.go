// Package postgres provides a PostgreSQL-backed history.Store.
//
// Schema changes are versioned goose migrations embedded in the binary and
// applied by [NewStore]. Queries run on a pgx connection pool.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/dialtone/pkg/history"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ history.Store = (*Store)(nil)

// Store is a PostgreSQL-backed history store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies connectivity and applies
// all pending migrations.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate applies the embedded goose migrations using a database/sql handle
// borrowed from pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ResolveConversation implements history.Store. Concurrent first calls for the
// same pair converge on a single row through the unique constraint.
func (s *Store) ResolveConversation(ctx context.Context, agentID, caller string) (string, error) {
	const q = `
		INSERT INTO conversations (id, agent_id, caller)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, caller) DO UPDATE SET agent_id = EXCLUDED.agent_id
		RETURNING id`

	var id uuid.UUID
	if err := s.pool.QueryRow(ctx, q, uuid.New(), agentID, caller).Scan(&id); err != nil {
		return "", fmt.Errorf("history store: resolve conversation: %w", err)
	}
	return id.String(), nil
}

// AppendTurn implements history.Store.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn history.Turn) error {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return fmt.Errorf("history store: append turn: %w", history.ErrConversationNotFound)
	}
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `
		INSERT INTO conversation_turns (conversation_id, role, text, call_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, id, turn.Role, turn.Text, turn.CallID, createdAt); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("history store: append turn %q: %w", conversationID, history.ErrConversationNotFound)
		}
		return fmt.Errorf("history store: append turn: %w", err)
	}
	return nil
}

// LoadHistory implements history.Store.
func (s *Store) LoadHistory(ctx context.Context, conversationID string, limit int) ([]history.Turn, error) {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return nil, fmt.Errorf("history store: load history: %w", history.ErrConversationNotFound)
	}
	if limit <= 0 {
		limit = -1
	}

	// Newest first with a limit, then flipped back to chronological order.
	const q = `
		SELECT role, text, call_id, created_at
		FROM (
		    SELECT id, role, text, call_id, created_at
		    FROM   conversation_turns
		    WHERE  conversation_id = $1
		    ORDER  BY id DESC
		    LIMIT  NULLIF($2::int, -1)
		) recent
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, id, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: load history: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Turn, error) {
		var t history.Turn
		err := row.Scan(&t.Role, &t.Text, &t.CallID, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan turns: %w", err)
	}
	return turns, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23503"
}
