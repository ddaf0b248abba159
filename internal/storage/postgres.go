package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/viddedup/internal/models"
)

// PostgresConfig holds connection details for PostgreSQL
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Table    string
}

// ConnString builds the pgx connection URL
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.DBName,
	)
}

func (c PostgresConfig) table() string {
	if c.Table == "" {
		return "video_records"
	}
	return c.Table
}

// PostgresBackend stores records in a pgvector column. Matching still runs
// in memory; the database is only the durable copy.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresBackend connects to PostgreSQL and verifies the connection
func NewPostgresBackend(ctx context.Context, config PostgresConfig) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresBackend{
		pool:  pool,
		table: pgx.Identifier{config.table()}.Sanitize(),
	}, nil
}

// Close closes the database connection
func (b *PostgresBackend) Close() error {
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}

// Load reads every record. A row whose embedding fails to parse is returned
// with Err set instead of failing the whole load.
func (b *PostgresBackend) Load(ctx context.Context) ([]Loaded, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, source_locator, created_at, embedding::text
        FROM %s
        ORDER BY created_at, id`, b.table))
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var loaded []Loaded
	for rows.Next() {
		var (
			rec       models.VideoRecord
			embedding *string
		)
		if err := rows.Scan(&rec.ID, &rec.SourceLocator, &rec.CreatedAt, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()

		if embedding == nil {
			loaded = append(loaded, Loaded{Record: rec, Err: errors.New("embedding is null")})
			continue
		}
		var v pgvector.Vector
		if err := v.Scan(*embedding); err != nil {
			loaded = append(loaded, Loaded{Record: rec, Err: fmt.Errorf("invalid embedding: %w", err)})
			continue
		}
		rec.Vector = v.Slice()
		loaded = append(loaded, Loaded{Record: rec})
	}

	return loaded, rows.Err()
}

// Put inserts the record inside a transaction
func (b *PostgresBackend) Put(ctx context.Context, rec models.VideoRecord) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	_, err = tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s
        (id, source_locator, created_at, embedding)
        VALUES ($1, $2, $3, $4)`, b.table),
		rec.ID, rec.SourceLocator, rec.CreatedAt, pgvector.NewVector(rec.Vector))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", models.ErrDuplicateID, rec.ID)
		}
		return fmt.Errorf("failed to store record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// Delete removes the row holding the record and its vector
func (b *PostgresBackend) Delete(ctx context.Context, id string) error {
	tag, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, b.table), id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, config PostgresConfig) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(connectCtx, config.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	// Check if vector extension exists
	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for vector extension: %w", err)
	}

	if !exists {
		if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	// The embedding column has no fixed dimension so a store built with a
	// different model still loads; mismatched rows are excluded in memory.
	table := pgx.Identifier{config.table()}.Sanitize()
	_, err = conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            id TEXT PRIMARY KEY,
            source_locator TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            embedding vector NOT NULL
        )`, table))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (source_locator)`,
		pgx.Identifier{config.table() + "_locator_idx"}.Sanitize(), table))
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
