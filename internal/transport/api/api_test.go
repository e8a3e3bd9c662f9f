package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxmood/internal/inference"
	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/internal/session"
	"github.com/MrWong99/voxmood/internal/store/postgres"
	"github.com/MrWong99/voxmood/internal/transport/api"
	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/emotion"
	"github.com/MrWong99/voxmood/pkg/provider/model/mock"
)

// fakeTimeline records the last query.
type fakeTimeline struct {
	mu     sync.Mutex
	filter postgres.Filter
	limit  int
	k      int
	err    error
}

func (f *fakeTimeline) Timeline(_ context.Context, flt postgres.Filter, limit int) ([]postgres.Moment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter, f.limit = flt, limit
	return []postgres.Moment{{SessionID: flt.SessionID, Dominant: emotion.Calm}}, f.err
}

func (f *fakeTimeline) SessionSummary(_ context.Context, id string) (postgres.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return postgres.Summary{SessionID: id, Count: 7}, f.err
}

func (f *fakeTimeline) Similar(_ context.Context, _ emotion.Vector, k int, flt postgres.Filter) ([]postgres.Moment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter, f.k = flt, k
	return []postgres.Moment{{Dominant: emotion.Sad, Distance: 0.1}}, f.err
}

func newTestAPI(t *testing.T, tl api.Timeline) (*httptest.Server, *session.Manager) {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	e := inference.New(inference.Config{Metrics: metrics})
	m := &mock.Model{}
	if err := e.Load(context.Background(), m.Loader()); err != nil {
		t.Fatal(err)
	}
	mgr := session.NewManager(e, session.Config{}, session.WithManagerMetrics(metrics))
	t.Cleanup(func() { _ = mgr.CloseAll(context.Background()) })

	mux := http.NewServeMux()
	api.New(mgr, tl).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var raw json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&raw)
	return resp, raw
}

func TestAPI_Sessions(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestAPI(t, nil)
	s, err := mgr.Create(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/sessions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var infos []session.Info
	if err := json.Unmarshal(body, &infos); err != nil || len(infos) != 1 || infos[0].ID != s.ID() {
		t.Fatalf("list = %s (%v)", body, err)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+s.ID(), "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get unknown status = %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/sessions/"+s.ID(), "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/sessions/"+s.ID(), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}

func TestAPI_Control(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestAPI(t, nil)
	s, err := mgr.Create(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	url := srv.URL + "/v1/sessions/" + s.ID() + "/control"

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "start before init", body: `{"type":"start"}`, status: http.StatusConflict},
		{name: "init", body: `{"type":"init","capacity":1600}`, status: http.StatusOK},
		{name: "start", body: `{"type":"start"}`, status: http.StatusOK},
		{name: "configure", body: `{"type":"configure","sampleRate":8000,"channels":1,"encoding":"pcm_s16le"}`, status: http.StatusBadRequest},
		{name: "garbage", body: `{`, status: http.StatusBadRequest},
		{name: "stop", body: `{"type":"stop"}`, status: http.StatusOK},
	}
	for _, tt := range tests {
		resp, body := do(t, http.MethodPost, url, tt.body)
		if resp.StatusCode != tt.status {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, resp.StatusCode, tt.status, body)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Info().Running {
		if time.Now().After(deadline) {
			t.Fatal("session still running after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAPI_TimelineEndpoints(t *testing.T) {
	t.Parallel()

	tl := &fakeTimeline{}
	srv, _ := newTestAPI(t, tl)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/sessions/abc/timeline?limit=5&voiced=true&after=2026-01-02T03:04:05Z", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("timeline status = %d (%s)", resp.StatusCode, body)
	}
	tl.mu.Lock()
	if tl.filter.SessionID != "abc" || !tl.filter.ExcludeSilence || tl.limit != 5 || tl.filter.After.IsZero() {
		t.Errorf("filter = %+v limit = %d", tl.filter, tl.limit)
	}
	tl.mu.Unlock()

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/abc/timeline?before=yesterday", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad timestamp status = %d", resp.StatusCode)
	}

	for _, q := range []string{"limit=abc", "limit=-1"} {
		resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/abc/timeline?"+q, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, resp.StatusCode)
		}
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/abc/summary", "")
	var sum postgres.Summary
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &sum) != nil || sum.Count != 7 {
		t.Errorf("summary = %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/similar", `{"vector":{"sad":1},"k":3,"sessionId":"abc"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("similar status = %d (%s)", resp.StatusCode, body)
	}
	tl.mu.Lock()
	if tl.k != 3 || tl.filter.SessionID != "abc" {
		t.Errorf("similar args k=%d filter=%+v", tl.k, tl.filter)
	}
	tl.mu.Unlock()

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/similar", `{"vector":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero vector status = %d", resp.StatusCode)
	}

	tl.mu.Lock()
	tl.err = errors.New("db down")
	tl.mu.Unlock()
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/sessions/abc/summary", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("store error status = %d", resp.StatusCode)
	}
}

func TestAPI_NoStore(t *testing.T) {
	t.Parallel()

	srv, _ := newTestAPI(t, nil)
	for _, path := range []string{"/v1/sessions/x/timeline", "/v1/sessions/x/summary"} {
		resp, _ := do(t, http.MethodGet, srv.URL+path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, resp.StatusCode)
		}
	}
}
