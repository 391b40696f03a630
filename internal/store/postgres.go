package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS collabroom_snapshots (
	room_id    TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS collabroom_batches (
	room_id      TEXT NOT NULL,
	from_version INTEGER NOT NULL,
	to_version   INTEGER NOT NULL,
	client_id    TEXT NOT NULL,
	steps        JSONB NOT NULL,
	PRIMARY KEY (room_id, from_version)
);
`

// Postgres is a pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates the tables if needed and returns the store.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, roomID string, version int, doc []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO collabroom_snapshots (room_id, version, doc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room_id) DO UPDATE
		SET version = EXCLUDED.version, doc = EXCLUDED.doc, updated_at = now()`,
		roomID, version, doc)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", roomID, err)
	}
	return nil
}

func (p *Postgres) LoadSnapshot(ctx context.Context, roomID string) (int, []byte, error) {
	var version int
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT version, doc FROM collabroom_snapshots WHERE room_id = $1`,
		roomID).Scan(&version, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, ErrNoSnapshot
	}
	if err != nil {
		return 0, nil, fmt.Errorf("load snapshot for %s: %w", roomID, err)
	}
	return version, doc, nil
}

func (p *Postgres) AppendBatch(ctx context.Context, roomID string, b BatchRecord) error {
	stepsJSON, err := json.Marshal(b.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO collabroom_batches (room_id, from_version, to_version, client_id, steps)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, from_version) DO NOTHING`,
		roomID, b.FromVersion, b.ToVersion, b.ClientID, stepsJSON)
	if err != nil {
		return fmt.Errorf("append batch for %s: %w", roomID, err)
	}
	return nil
}

func (p *Postgres) LoadBatches(ctx context.Context, roomID string, sinceVersion int) ([]BatchRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT from_version, to_version, client_id, steps
		FROM collabroom_batches
		WHERE room_id = $1 AND from_version >= $2
		ORDER BY from_version`,
		roomID, sinceVersion)
	if err != nil {
		return nil, fmt.Errorf("load batches for %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var b BatchRecord
		var stepsJSON []byte
		if err := rows.Scan(&b.FromVersion, &b.ToVersion, &b.ClientID, &stepsJSON); err != nil {
			return nil, fmt.Errorf("scan batch for %s: %w", roomID, err)
		}
		if err := json.Unmarshal(stepsJSON, &b.Steps); err != nil {
			return nil, fmt.Errorf("decode steps for %s: %w", roomID, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load batches for %s: %w", roomID, err)
	}
	return out, nil
}
