package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes how the journal initialises its connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS relay_events (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		subscriber_id TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS relay_events_occurred_at_idx ON relay_events (occurred_at DESC)`,
}

// PostgresJournal persists every event as a row in the relay_events table.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgresJournal opens a pool against the configured DSN. Call
// EnsureSchema before publishing to a fresh database.
func NewPostgresJournal(ctx context.Context, cfg PostgresConfig) (*PostgresJournal, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresJournal{pool: pool}, nil
}

// EnsureSchema creates the relay_events table when it does not exist.
func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := j.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create relay_events: %w", err)
		}
	}
	return nil
}

func (j *PostgresJournal) Publish(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = j.pool.Exec(ctx,
		`INSERT INTO relay_events (id, type, session_id, subscriber_id, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, string(event.Type), event.SessionID, event.SubscriberID, payload, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert relay event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *PostgresJournal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.pool.Query(ctx,
		`SELECT payload FROM relay_events ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query relay events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan relay event: %w", err)
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode relay event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relay events: %w", err)
	}
	return out, nil
}

// Close waits for the pool to close or for ctx to expire.
func (j *PostgresJournal) Close(ctx context.Context) error {
	if j == nil || j.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		j.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
