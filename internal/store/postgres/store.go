package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxmood/pkg/emotion"
)

// Moment is one stored prediction.
type Moment struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"sessionId"`
	Timestamp  time.Time      `json:"timestamp"`
	Dominant   emotion.Label  `json:"dominant"`
	Confidence float64        `json:"confidence"`
	IsSilence  bool           `json:"isSilence"`
	LatencyMs  float64        `json:"latencyMs"`
	Raw        emotion.Vector `json:"raw"`
	Smoothed   emotion.Vector `json:"smoothed"`

	// Distance is the cosine distance to the query vector. Only set by
	// [Store.Similar].
	Distance float64 `json:"distance,omitempty"`
}

// MomentFromPrediction converts a delivered prediction into a row.
func MomentFromPrediction(sessionID string, p emotion.Prediction) Moment {
	return Moment{
		SessionID:  sessionID,
		Timestamp:  p.Timestamp,
		Dominant:   p.Dominant,
		Confidence: p.Confidence,
		IsSilence:  p.IsSilence,
		LatencyMs:  p.LatencyMs,
		Raw:        p.Raw,
		Smoothed:   p.Smoothed,
	}
}

// Filter narrows timeline and similarity queries. Zero fields match all.
type Filter struct {
	SessionID      string
	After          time.Time
	Before         time.Time
	ExcludeSilence bool
}

// Summary aggregates one session's timeline.
type Summary struct {
	SessionID string                `json:"sessionId"`
	Count     int                   `json:"count"`
	Silence   int                   `json:"silence"`
	First     time.Time             `json:"first"`
	Last      time.Time             `json:"last"`
	ByLabel   map[emotion.Label]int `json:"byLabel"`

	// MeanLatencyMs averages voiced hops only.
	MeanLatencyMs float64 `json:"meanLatencyMs"`
}

// Store is the PostgreSQL emotion timeline. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity. It satisfies the readiness checker signature.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const insertMoment = `
	INSERT INTO predictions
	    (session_id, ts, dominant, confidence, is_silence, latency_ms, raw, smoothed)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Insert writes moments in one batch round trip.
func (s *Store) Insert(ctx context.Context, moments []Moment) error {
	if len(moments) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range moments {
		raw, err := json.Marshal(m.Raw)
		if err != nil {
			return fmt.Errorf("postgres store: encode raw vector: %w", err)
		}
		batch.Queue(insertMoment,
			m.SessionID,
			m.Timestamp,
			string(m.Dominant),
			m.Confidence,
			m.IsSilence,
			m.LatencyMs,
			raw,
			pgvector.NewVector(m.Smoothed.Float32()),
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: insert %d moments: %w", len(moments), err)
	}
	return nil
}

// whereClause builds a WHERE clause for f, appending its arguments to args.
func whereClause(f Filter, args *[]any) string {
	next := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}
	var conds []string
	if f.SessionID != "" {
		conds = append(conds, "session_id = "+next(f.SessionID))
	}
	if !f.After.IsZero() {
		conds = append(conds, "ts > "+next(f.After))
	}
	if !f.Before.IsZero() {
		conds = append(conds, "ts < "+next(f.Before))
	}
	if f.ExcludeSilence {
		conds = append(conds, "NOT is_silence")
	}
	if len(conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conds, "\n  AND ")
}

const momentColumns = `id, session_id, ts, dominant, confidence, is_silence, latency_ms, raw, smoothed`

func scanMoment(row pgx.CollectableRow, withDistance bool) (Moment, error) {
	var (
		m        Moment
		dominant string
		raw      []byte
		vec      pgvector.Vector
	)
	dest := []any{&m.ID, &m.SessionID, &m.Timestamp, &dominant, &m.Confidence, &m.IsSilence, &m.LatencyMs, &raw, &vec}
	if withDistance {
		dest = append(dest, &m.Distance)
	}
	if err := row.Scan(dest...); err != nil {
		return Moment{}, err
	}
	m.Dominant = emotion.Label(dominant)
	if err := json.Unmarshal(raw, &m.Raw); err != nil {
		return Moment{}, fmt.Errorf("decode raw vector: %w", err)
	}
	for i, x := range vec.Slice() {
		if i < emotion.NumClasses {
			m.Smoothed[i] = float64(x)
		}
	}
	return m, nil
}

// Similar returns the k stored moments whose smoothed vectors are closest
// to v by cosine distance, most similar first.
func (s *Store) Similar(ctx context.Context, v emotion.Vector, k int, f Filter) ([]Moment, error) {
	if k <= 0 {
		k = 10
	}
	args := []any{pgvector.NewVector(v.Float32())}
	where := whereClause(f, &args)
	args = append(args, k)

	q := fmt.Sprintf(`
		SELECT %s, smoothed <=> $1 AS distance
		FROM   predictions
		%s
		ORDER  BY distance
		LIMIT  $%d`, momentColumns, where, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar: %w", err)
	}
	moments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Moment, error) {
		return scanMoment(row, true)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar: scan: %w", err)
	}
	if moments == nil {
		moments = []Moment{}
	}
	return moments, nil
}

// Timeline returns stored moments in time order, at most limit rows.
func (s *Store) Timeline(ctx context.Context, f Filter, limit int) ([]Moment, error) {
	if limit <= 0 {
		limit = 500
	}
	var args []any
	where := whereClause(f, &args)
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT %s
		FROM   predictions
		%s
		ORDER  BY ts, id
		LIMIT  $%d`, momentColumns, where, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: timeline: %w", err)
	}
	moments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Moment, error) {
		return scanMoment(row, false)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: timeline: scan: %w", err)
	}
	if moments == nil {
		moments = []Moment{}
	}
	return moments, nil
}

// SessionSummary aggregates dominant-label counts and timing for one
// session. A session with no rows yields a zero Summary with Count 0.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (Summary, error) {
	sum := Summary{SessionID: sessionID, ByLabel: map[emotion.Label]int{}}

	const totals = `
		SELECT count(*),
		       count(*) FILTER (WHERE is_silence),
		       coalesce(min(ts), 'epoch'),
		       coalesce(max(ts), 'epoch'),
		       coalesce(avg(latency_ms) FILTER (WHERE NOT is_silence), 0)
		FROM   predictions
		WHERE  session_id = $1`
	if err := s.pool.QueryRow(ctx, totals, sessionID).Scan(
		&sum.Count, &sum.Silence, &sum.First, &sum.Last, &sum.MeanLatencyMs,
	); err != nil {
		return Summary{}, fmt.Errorf("postgres store: summary: %w", err)
	}
	if sum.Count == 0 {
		sum.First, sum.Last = time.Time{}, time.Time{}
		return sum, nil
	}

	const byLabel = `
		SELECT dominant, count(*)
		FROM   predictions
		WHERE  session_id = $1
		GROUP  BY dominant`
	rows, err := s.pool.Query(ctx, byLabel, sessionID)
	if err != nil {
		return Summary{}, fmt.Errorf("postgres store: summary labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			label string
			n     int
		)
		if err := rows.Scan(&label, &n); err != nil {
			return Summary{}, fmt.Errorf("postgres store: summary labels: scan: %w", err)
		}
		sum.ByLabel[emotion.Label(label)] = n
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("postgres store: summary labels: %w", err)
	}
	return sum, nil
}
