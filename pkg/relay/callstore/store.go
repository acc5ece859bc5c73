// Package callstore journals call sessions to Postgres.
package callstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-relay/pkg/relay/call"
)

//go:embed migrations/*.sql
var migrations embed.FS

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements call.Journal.
type Store struct {
	pool *pgxpool.Pool
	db   execer
}

func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("callstore: database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("callstore: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: ping: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("callstore: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("callstore: migrate up: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const insertCall = `INSERT INTO call_sessions (id, connection_id, remote_addr, model, started_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

const finishCall = `INSERT INTO call_sessions (
    id, connection_id, remote_addr, model, started_at,
    ended_at, end_reason, error, user_audio_bytes, gemini_audio_bytes, user_object, gemini_object
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    ended_at = EXCLUDED.ended_at,
    end_reason = EXCLUDED.end_reason,
    error = EXCLUDED.error,
    user_audio_bytes = EXCLUDED.user_audio_bytes,
    gemini_audio_bytes = EXCLUDED.gemini_audio_bytes,
    user_object = EXCLUDED.user_object,
    gemini_object = EXCLUDED.gemini_object`

func (s *Store) CallStarted(ctx context.Context, rec call.CallRecord) error {
	_, err := s.db.Exec(ctx, insertCall, rec.SessionID, rec.ConnectionID, rec.RemoteAddr, rec.Model, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("callstore: record start of %s: %w", rec.SessionID, err)
	}
	return nil
}

// CallFinished upserts so a finish is recorded even if the start insert was
// lost.
func (s *Store) CallFinished(ctx context.Context, rec call.CallRecord) error {
	_, err := s.db.Exec(ctx, finishCall,
		rec.SessionID, rec.ConnectionID, rec.RemoteAddr, rec.Model, rec.StartedAt,
		rec.EndedAt, string(rec.EndReason), nullable(rec.Error),
		rec.UserAudioBytes, rec.GeminiAudioBytes,
		nullable(rec.UserObject), nullable(rec.GeminiObject),
	)
	if err != nil {
		return fmt.Errorf("callstore: record end of %s: %w", rec.SessionID, err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
