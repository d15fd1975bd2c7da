package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS register_events (
	id          UUID PRIMARY KEY,
	session_id  UUID NOT NULL,
	address     SMALLINT NOT NULL,
	register    TEXT NOT NULL,
	type        TEXT NOT NULL,
	payload     BYTEA NOT NULL,
	decoded     DOUBLE PRECISION[] NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS register_events_address_time
	ON register_events (address, recorded_at DESC);
`

type PostgresClient struct {
	pool *pgxpool.Pool
}

// Connect opens the pool, retrying with exponential backoff while the
// database is still coming up.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresClient, error) {
	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    cfg.ConnectBackoff,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		client, err := NewPostgresClient(ctx, cfg)
		if err == nil {
			return client, nil
		}
		lastErr = err

		if i == attempts-1 {
			break
		}
		wait := b.Duration()
		logger.Warn("Database not reachable, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

// Migrate creates the journal table when it does not exist yet.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// InsertEvents copies a batch of records in one round trip.
func (p *PostgresClient) InsertEvents(ctx context.Context, records []EventRecord) error {
	columns := []string{"id", "session_id", "address", "register", "type", "payload", "decoded", "recorded_at"}

	_, err := p.pool.CopyFrom(ctx, pgx.Identifier{"register_events"}, columns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{r.ID, r.SessionID, int16(r.Address), r.Register, r.Type, r.Payload, r.Values, r.RecordedAt}, nil
		}))
	if err != nil {
		return fmt.Errorf("failed to insert %d events: %w", len(records), err)
	}
	return nil
}

// RecentEvents returns the newest records of one register, newest first.
func (p *PostgresClient) RecentEvents(ctx context.Context, address uint8, limit int) ([]EventRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, address, register, type, payload, decoded, recorded_at
		FROM register_events
		WHERE address = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, int16(address), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		var addr int16
		if err := rows.Scan(&r.ID, &r.SessionID, &addr, &r.Register, &r.Type, &r.Payload, &r.Values, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		r.Address = uint8(addr)
		records = append(records, r)
	}
	return records, rows.Err()
}
