package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS scripts (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL DEFAULT '',
	source_id   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'stopped',
	pid         INTEGER,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS detections (
	id              UUID PRIMARY KEY,
	script_id       TEXT NOT NULL,
	owner_id        TEXT NOT NULL,
	source_id       TEXT NOT NULL,
	detection_type  TEXT NOT NULL,
	detected_count  INTEGER NOT NULL DEFAULT 0,
	confidence      DOUBLE PRECISION,
	metadata        JSONB,
	detected_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS detections_source_time_idx ON detections (source_id, detected_at DESC);
`

type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// OpenPostgres conecta, faz ping e garante o schema.
func OpenPostgres(ctx context.Context, databaseURL string, log zerolog.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: failed to parse connection string: %w", err)
	}
	if poolConfig.MaxConns == 0 || poolConfig.MaxConns > 8 {
		poolConfig.MaxConns = 8
	}
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: failed to initialize pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	p := &Postgres{pool: pool, log: log}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("connected to postgres")
	return p, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateScriptStatus(ctx context.Context, scriptID string, status core.ScriptStatus, pid *int) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scripts (id, status, pid, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, pid = EXCLUDED.pid, updated_at = now()`,
		scriptID, string(status), pid)
	if err != nil {
		return fmt.Errorf("store: update script %s status: %w", scriptID, err)
	}
	return nil
}

func (p *Postgres) RegisterScript(ctx context.Context, scriptID, ownerID, sourceID string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scripts (id, owner_id, source_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id, source_id = EXCLUDED.source_id, updated_at = now()`,
		scriptID, ownerID, sourceID)
	if err != nil {
		return fmt.Errorf("store: register script %s: %w", scriptID, err)
	}
	return nil
}

func (p *Postgres) Script(ctx context.Context, scriptID string) (ScriptRecord, error) {
	var (
		rec    ScriptRecord
		status string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, owner_id, source_id, status, pid, updated_at FROM scripts WHERE id = $1`,
		scriptID).Scan(&rec.ID, &rec.OwnerID, &rec.SourceID, &status, &rec.PID, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ScriptRecord{}, ErrScriptNotFound
	}
	if err != nil {
		return ScriptRecord{}, fmt.Errorf("store: load script %s: %w", scriptID, err)
	}
	rec.Status = core.ScriptStatus(status)
	return rec, nil
}

func (p *Postgres) ScriptOwner(ctx context.Context, scriptID string) (string, error) {
	rec, err := p.Script(ctx, scriptID)
	if err != nil {
		return "", err
	}
	if rec.OwnerID == "" {
		return "", ErrScriptNotFound
	}
	return rec.OwnerID, nil
}

func (p *Postgres) InsertDetection(ctx context.Context, d core.Detection) error {
	var metadata []byte
	if len(d.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(d.Metadata); err != nil {
			return fmt.Errorf("store: encode detection metadata: %w", err)
		}
	}
	at := d.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO detections
			(id, script_id, owner_id, source_id, detection_type, detected_count, confidence, metadata, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), d.ScriptID, d.OwnerID, d.SourceID, d.DetectionType, d.DetectedCount, d.Confidence, metadata, at)
	if err != nil {
		return fmt.Errorf("store: insert detection: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
