package checkpoint

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations to the database behind pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate checkpoints: %w", err)
	}
	return nil
}

// PostgresSaver stores one row per thread in the checkpoints table.
type PostgresSaver struct {
	pool     *pgxpool.Pool
	memoryID string
	codec    Codec
	maxTurns int
}

// PostgresOption configures a PostgresSaver.
type PostgresOption func(*PostgresSaver)

// WithPostgresCodec sets the state codec. Defaults to JSON.
func WithPostgresCodec(c Codec) PostgresOption {
	return func(s *PostgresSaver) { s.codec = c }
}

// WithPostgresMaxTurns caps the turns kept per thread.
func WithPostgresMaxTurns(n int) PostgresOption {
	return func(s *PostgresSaver) { s.maxTurns = n }
}

// NewPostgresSaver creates a saver scoped to memoryID. Call Migrate first.
func NewPostgresSaver(pool *pgxpool.Pool, memoryID string, opts ...PostgresOption) *PostgresSaver {
	s := &PostgresSaver{
		pool:     pool,
		memoryID: memoryID,
		codec:    JSONCodec{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the thread row.
func (s *PostgresSaver) Load(ctx context.Context, threadID string) (*State, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	var (
		version   int64
		codecName string
		data      []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT version, codec, state FROM checkpoints WHERE memory_id=$1 AND thread_id=$2`,
		s.memoryID, threadID,
	).Scan(&version, &codecName, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return NewState(threadID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}

	codec, err := decoderFor(codecName, s.codec)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	st := NewState(threadID)
	if err := codec.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	st.Version = version
	return st, nil
}

// Save inserts the first version of a thread or updates the row only while
// its version still matches.
func (s *PostgresSaver) Save(ctx context.Context, state *State) error {
	if state.ThreadID == "" {
		return ErrEmptyThreadID
	}

	next := state.Clone()
	next.Turns = trimTurns(next.Turns, s.maxTurns)
	next.Version = state.Version + 1
	next.UpdatedAt = time.Now().UTC()

	data, err := s.codec.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", state.ThreadID, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var affected int64
	if state.Version == 0 {
		tag, err := tx.Exec(ctx,
			`INSERT INTO checkpoints (memory_id, thread_id, version, codec, state, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6)
			 ON CONFLICT (memory_id, thread_id) DO NOTHING`,
			s.memoryID, state.ThreadID, next.Version, s.codec.Name(), data, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert checkpoint %s: %w", state.ThreadID, err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE checkpoints SET version=$3, codec=$4, state=$5, updated_at=$6
			 WHERE memory_id=$1 AND thread_id=$2 AND version=$7`,
			s.memoryID, state.ThreadID, next.Version, s.codec.Name(), data, next.UpdatedAt, state.Version)
		if err != nil {
			return fmt.Errorf("update checkpoint %s: %w", state.ThreadID, err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return fmt.Errorf("%w: thread %q is no longer at version %d",
			ErrConflict, state.ThreadID, state.Version)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", state.ThreadID, err)
	}

	state.Version = next.Version
	state.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete removes the thread row.
func (s *PostgresSaver) Delete(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE memory_id=$1 AND thread_id=$2`, s.memoryID, threadID)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", threadID, err)
	}
	return nil
}

// DeleteBefore removes rows not updated since cutoff.
func (s *PostgresSaver) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE memory_id=$1 AND updated_at < $2`, s.memoryID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire checkpoints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
