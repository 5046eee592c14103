package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stagegate/internal/lock"
	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/orchestrator"
	"github.com/sells-group/stagegate/internal/review"
	"github.com/sells-group/stagegate/internal/store"
)

type runnerFunc func(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)

func (f runnerFunc) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error) {
	return f(ctx, req)
}

type fixture struct {
	store   *store.SQLiteStore
	handler http.Handler
	lastReq orchestrator.Request
}

func newFixture(t *testing.T, run runnerFunc) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{store: st}
	if run == nil {
		run = func(context.Context, orchestrator.Request) (*orchestrator.Outcome, error) {
			return &orchestrator.Outcome{RunID: "r1", Counts: map[model.Kind]int{model.KindArtist: 2}, SourceCount: 1}, nil
		}
	}
	recording := runnerFunc(func(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error) {
		f.lastReq = req
		return run(ctx, req)
	})
	f.handler = NewRouter(recording, review.NewService(st), st, Options{})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(DefaultAdminHeader, "true")
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	rr := newFixture(t, nil).do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	body := decode(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "openCircuits")
}

func TestHealth_ReportsOpenCircuits(t *testing.T) {
	f := newFixture(t, nil)
	f.handler = NewRouter(nil, nil, f.store, Options{OpenCircuits: func() []string { return []string{"bands.test"} }})

	rr := f.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []any{"bands.test"}, body["openCircuits"])
}

func TestScrape_Success(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodPost, "/scrape", `{"type": "artist", "forceUpdate": true}`, false)

	assert.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "r1", body["runId"])
	assert.Equal(t, map[string]any{"artist": float64(2)}, body["counts"])
	assert.Equal(t, orchestrator.Request{Kind: "artist", ForceUpdate: true}, f.lastReq)
}

func TestScrape_EmptyBodyRunsAll(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodPost, "/scrape", "", false)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, orchestrator.Request{}, f.lastReq)
}

func TestScrape_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		out    *orchestrator.Outcome
		status int
		code   string
		runID  string
	}{
		{"bad kind", eris.Wrap(orchestrator.ErrInvalidRequest, "unknown entity kind"), nil, http.StatusBadRequest, "invalid_parameters", ""},
		{"unknown run", eris.Wrap(orchestrator.ErrRunNotFound, "run x"), nil, http.StatusNotFound, "not_found", "x"},
		{"not running", eris.Wrap(orchestrator.ErrRunNotRunning, "run x is completed"), nil, http.StatusConflict, "conflict", "x"},
		{"locked", eris.Wrap(lock.ErrLocked, "orchestrator: acquire run lock"), nil, http.StatusConflict, "conflict", "x"},
		{"run failed", errors.New("orchestrator: run r9 failed: disk full"), &orchestrator.Outcome{RunID: "r9"}, http.StatusInternalServerError, "run_failed", "r9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(context.Context, orchestrator.Request) (*orchestrator.Outcome, error) {
				return tt.out, tt.err
			})
			rr := f.do(t, http.MethodPost, "/scrape", `{"runId": "x", "type": "all"}`, false)
			assert.Equal(t, tt.status, rr.Code)
			body := decode(t, rr)
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, false, body["success"])
			if tt.name != "bad kind" {
				assert.Equal(t, tt.runID, body["runId"])
			}
		})
	}
}

func TestScrape_MalformedBody(t *testing.T) {
	rr := newFixture(t, nil).do(t, http.MethodPost, "/scrape", `{"type":`, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_parameters", decode(t, rr)["code"])
}

func TestRuns(t *testing.T) {
	f := newFixture(t, nil)
	run, err := f.store.CreateRun(context.Background())
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/runs", "", false)
	require.Equal(t, http.StatusOK, rr.Code)
	runs := decode(t, rr)["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].(map[string]any)["id"])

	rr = f.do(t, http.MethodGet, "/runs/"+run.ID, "", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "running", decode(t, rr)["status"])

	rr = f.do(t, http.MethodGet, "/runs/missing", "", false)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/runs?status=completed", "", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode(t, rr)["runs"])

	rr = f.do(t, http.MethodGet, "/runs?status=exploded", "", false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func stageArtist(t *testing.T, st store.Store, id, name string) {
	t.Helper()
	_, err := st.InsertStaged(context.Background(), model.KindArtist, []model.StagedEntity{{
		ID: id, Kind: model.KindArtist, Fields: model.Record{"name": name}, SourceURL: "https://src.test/" + id, Status: model.StatusPending,
	}})
	require.NoError(t, err)
}

func TestReview(t *testing.T) {
	f := newFixture(t, nil)
	stageArtist(t, f.store, "a1", "The Band")
	stageArtist(t, f.store, "a2", "Other Band")

	rr := f.do(t, http.MethodPost, "/review", `{"table": "artists", "id": "a1", "action": "approve"}`, false)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "forbidden", decode(t, rr)["code"])

	rr = f.do(t, http.MethodPost, "/review", `{"table": "artists", "id": "a1", "action": "approve", "notes": "ok"}`, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	result := decode(t, rr)["result"].(map[string]any)
	assert.Equal(t, "approved", result["status"])
	assert.NotEmpty(t, result["productionId"])

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"already approved", `{"table": "artists", "id": "a1", "action": "reject"}`, http.StatusBadRequest, "invalid_parameters"},
		{"missing", `{"table": "artists", "id": "zz", "action": "approve"}`, http.StatusNotFound, "not_found"},
		{"bad table", `{"table": "bands", "id": "a2", "action": "approve"}`, http.StatusBadRequest, "invalid_parameters"},
		{"bad json", `{"table": `, http.StatusBadRequest, "invalid_parameters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/review", tt.body, true)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.code, decode(t, rr)["code"])
		})
	}
}

func TestListStaged(t *testing.T) {
	f := newFixture(t, nil)
	stageArtist(t, f.store, "a1", "One")
	stageArtist(t, f.store, "a2", "Two")
	rr := f.do(t, http.MethodPost, "/review", `{"table": "artists", "id": "a2", "action": "reject"}`, true)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/staged/artists", "", false)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodGet, "/staged/staged_artists", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	items := decode(t, rr)["items"].([]any)
	require.Len(t, items, 1, "defaults to pending")
	assert.Equal(t, "a1", items[0].(map[string]any)["id"])

	rr = f.do(t, http.MethodGet, "/staged/artists?status=&limit=10", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["items"], 2)

	rr = f.do(t, http.MethodGet, "/staged/parks", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode(t, rr)["items"])

	rr = f.do(t, http.MethodGet, "/staged/songs", "", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/review", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", DefaultAdminHeader)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(strings.ToLower(rr.Header().Get("Access-Control-Allow-Headers")), strings.ToLower(DefaultAdminHeader)))
}
