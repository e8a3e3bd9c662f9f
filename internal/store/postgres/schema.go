// Package postgres persists the emotion timeline in PostgreSQL.
//
// Every delivered prediction becomes one row in the predictions table. The
// smoothed vector is stored in a pgvector vector(8) column with an HNSW
// cosine index, so [Store.Similar] can find the stored moments that felt
// most like a given one. The raw softmax output is kept as JSONB keyed by
// label.
//
// Writes happen off the hop loop: a [Recorder] queues predictions and flushes
// them in batches.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlPredictions = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS predictions (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    ts          TIMESTAMPTZ  NOT NULL,
    dominant    TEXT         NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL,
    is_silence  BOOLEAN      NOT NULL DEFAULT false,
    latency_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
    raw         JSONB        NOT NULL DEFAULT '{}',
    smoothed    vector(8)    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_predictions_session_ts
    ON predictions (session_id, ts);

CREATE INDEX IF NOT EXISTS idx_predictions_dominant
    ON predictions (dominant);

CREATE INDEX IF NOT EXISTS idx_predictions_smoothed
    ON predictions USING hnsw (smoothed vector_cosine_ops);
`

// Migrate creates the predictions table, its indexes and the vector
// extension. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlPredictions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
