package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresConfig struct {
	Logger   *slog.Logger
	DSN      string
	MaxConns int32
	MinConns int32
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("postgres DSN is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 2
	}
	return nil
}

// PostgresStore keeps checkpoints in a single table keyed by
// (conversation_id, version_id). Every version is retained.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{log: cfg.Logger, pool: pool}
	if err := s.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	cfg.Logger.Info("checkpoint: connected to postgres")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			conversation_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			parent_version_id TEXT,
			state JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (conversation_id, version_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation_created
		ON checkpoints (conversation_id, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create checkpoints index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) GetLatest(ctx context.Context, conversationID string) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_id, version_id, COALESCE(parent_version_id, ''), state, metadata, created_at
		FROM checkpoints
		WHERE conversation_id = $1
		ORDER BY created_at DESC, version_id DESC
		LIMIT 1
	`, conversationID).Scan(&rec.ConversationID, &rec.VersionID, &rec.ParentVersionID, &rec.State, &rec.Metadata, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, conversationID string, state, metadata []byte) (string, error) {
	versionID, err := newVersionID()
	if err != nil {
		return "", err
	}
	rec := Record{
		ConversationID: conversationID,
		VersionID:      versionID,
		State:          state,
		Metadata:       metadata,
	}
	if err := validateRecord(rec); err != nil {
		return "", err
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = []byte("{}")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (conversation_id, version_id, parent_version_id, state, metadata, created_at)
		VALUES (
			$1, $2,
			(SELECT version_id FROM checkpoints WHERE conversation_id = $1 ORDER BY created_at DESC, version_id DESC LIMIT 1),
			$3, $4, NOW()
		)
		ON CONFLICT (conversation_id, version_id) DO UPDATE
		SET state = EXCLUDED.state, metadata = EXCLUDED.metadata, created_at = EXCLUDED.created_at
	`, rec.ConversationID, rec.VersionID, rec.State, rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return versionID, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = []byte("{}")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	var parent *string
	if rec.ParentVersionID != "" {
		parent = &rec.ParentVersionID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (conversation_id, version_id, parent_version_id, state, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, version_id) DO UPDATE
		SET parent_version_id = EXCLUDED.parent_version_id,
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at
	`, rec.ConversationID, rec.VersionID, parent, rec.State, rec.Metadata, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert checkpoint: %w", err)
	}
	return nil
}
