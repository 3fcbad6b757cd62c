package checkpoint

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps checkpoints in the harvester_checkpoints table.
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgresStore connects to dsn and creates the checkpoint table if it
// does not exist.
func NewPostgresStore(ctx context.Context, dsn, namespace string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// A sequential poller needs very few connections.
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if namespace == "" {
		namespace = "default"
	}

	logging.Component("checkpoint").Info("connected to PostgreSQL checkpoint store", "namespace", namespace)
	return &PostgresStore{pool: pool, namespace: namespace}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (Checkpoint, bool, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT checkpoint, updated_at
		FROM harvester_checkpoints
		WHERE namespace = $1 AND key = $2
	`, s.namespace, key).Scan(&cp.Checkpoint, &cp.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("query checkpoint: %w", err)
	}
	return cp, true, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, key string, cp Checkpoint) error {
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO harvester_checkpoints (namespace, key, checkpoint, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key)
		DO UPDATE SET checkpoint = EXCLUDED.checkpoint, updated_at = EXCLUDED.updated_at
	`, s.namespace, key, cp.Checkpoint, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
