package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxmood/internal/store/postgres"
	"github.com/MrWong99/voxmood/pkg/emotion"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXMOOD_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXMOOD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXMOOD_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a freshly dropped predictions table.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS predictions CASCADE"); err != nil {
		t.Fatalf("drop predictions: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func moment(session string, ts time.Time, l emotion.Label, silence bool) postgres.Moment {
	var v emotion.Vector
	v[l.Index()] = 0.9
	v[0] += 0.1
	return postgres.Moment{
		SessionID:  session,
		Timestamp:  ts,
		Dominant:   l,
		Confidence: 0.9,
		IsSilence:  silence,
		LatencyMs:  4,
		Raw:        v,
		Smoothed:   v,
	}
}

func TestStore_InsertTimelineSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := store.Insert(ctx, []postgres.Moment{
		moment("a", base, emotion.Happy, false),
		moment("a", base.Add(time.Second), emotion.Happy, false),
		moment("a", base.Add(2*time.Second), emotion.Neutral, true),
		moment("b", base, emotion.Angry, false),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tl, err := store.Timeline(ctx, postgres.Filter{SessionID: "a"}, 0)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(tl) != 3 {
		t.Fatalf("timeline len = %d, want 3", len(tl))
	}
	if !tl[0].Timestamp.Equal(base) || tl[0].Raw.Get(emotion.Happy) != 0.9 {
		t.Errorf("first moment = %+v", tl[0])
	}

	sum, err := store.SessionSummary(ctx, "a")
	if err != nil {
		t.Fatalf("SessionSummary: %v", err)
	}
	if sum.Count != 3 || sum.Silence != 1 || sum.ByLabel[emotion.Happy] != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.MeanLatencyMs != 4 {
		t.Errorf("MeanLatencyMs = %v, want 4", sum.MeanLatencyMs)
	}

	empty, err := store.SessionSummary(ctx, "nobody")
	if err != nil {
		t.Fatalf("SessionSummary(empty): %v", err)
	}
	if empty.Count != 0 || !empty.First.IsZero() {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestStore_Similar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Insert(ctx, []postgres.Moment{
		moment("a", now, emotion.Happy, false),
		moment("a", now, emotion.Sad, false),
		moment("a", now, emotion.Angry, false),
	}); err != nil {
		t.Fatal(err)
	}

	var q emotion.Vector
	q[emotion.Sad.Index()] = 1
	got, err := store.Similar(ctx, q, 2, postgres.Filter{})
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Dominant != emotion.Sad {
		t.Errorf("closest = %s, want sad", got[0].Dominant)
	}
	if got[0].Distance > got[1].Distance {
		t.Error("results not ordered by distance")
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
