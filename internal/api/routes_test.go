package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spatx/spatx/internal/cache"
	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
	"github.com/spatx/spatx/internal/plot"
	"github.com/spatx/spatx/internal/resultstore"
)

func newTestServer(t *testing.T) (*Server, *resultstore.Store) {
	t.Helper()

	store, err := resultstore.NewStore(filepath.Join(t.TempDir(), "spatx.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cm, err := cache.NewManager(cache.Config{
		FigureCacheSizeMB: 8,
		FigureTTL:         time.Minute,
		QueryCacheSize:    16,
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	return &Server{
		Store:    store,
		Cache:    cm,
		Renderer: plot.NewRenderer(plot.Config{Width: 64, Height: 64}),
	}, store
}

func seedRun(t *testing.T, store *resultstore.Store, runID string) {
	t.Helper()
	err := store.CreateRun(&resultstore.Run{
		ID:        runID,
		Name:      "test",
		Status:    resultstore.RunStatusCompleted,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}
	table := &dataset.Table{
		Name:    "markers",
		Columns: []string{"feature", "cluster"},
		Rows:    [][]any{{"geneA", "1"}, {"geneB", "2"}},
	}
	if err := store.SaveTable(runID, table); err != nil {
		t.Fatalf("failed to seed table: %v", err)
	}
}

func testDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	feats := []string{"geneA", "geneB"}
	obs := []string{"c1", "c2", "c3"}
	m, err := dataset.NewMatrix(feats, obs, []float64{
		1, 2, 3,
		4, 5, 6,
	})
	if err != nil {
		t.Fatalf("failed to build matrix: %v", err)
	}
	pts := []graph.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}
	d, err := dataset.New(m, pts, 2)
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	if err := d.ObsMeta().SetStrings("leiden_clus", []string{"1", "1", "2"}); err != nil {
		t.Fatalf("failed to set clusters: %v", err)
	}
	return d
}

func TestRouter_Health(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(RouterConfig{Server: s})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_ListRuns(t *testing.T) {
	s, store := newTestServer(t)
	seedRun(t, store, "run-1")
	router := NewRouter(RouterConfig{Server: s})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Runs []resultstore.Run `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].ID != "run-1" {
		t.Fatalf("unexpected runs: %+v", resp.Runs)
	}
}

func TestRouter_GetRun_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(RouterConfig{Server: s})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_QueryTable(t *testing.T) {
	s, store := newTestServer(t)
	seedRun(t, store, "run-1")
	router := NewRouter(RouterConfig{Server: s})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/run-1/tables/markers?offset=1&limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
		Total   int      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 2 || len(resp.Rows) != 1 {
		t.Fatalf("unexpected page: %+v", resp)
	}
	if resp.Rows[0][0] != "geneB" {
		t.Errorf("expected geneB after offset, got %v", resp.Rows[0][0])
	}

	// Second identical request should come from the query cache.
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest("GET", "/api/runs/run-1/tables/markers?offset=1&limit=10", nil))
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Error("expected a cache hit on the second request")
	}
}

func TestRouter_QueryTable_Missing(t *testing.T) {
	s, store := newTestServer(t)
	seedRun(t, store, "run-1")
	router := NewRouter(RouterConfig{Server: s})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/run-1/tables/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_DeleteRun(t *testing.T) {
	s, store := newTestServer(t)
	seedRun(t, store, "run-1")
	router := NewRouter(RouterConfig{Server: s})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/runs/run-1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/run-1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestRouter_SpatialFigure(t *testing.T) {
	s, _ := newTestServer(t)
	s.Dataset = testDataset(t)
	s.ActiveRunID = "run-1"
	router := NewRouter(RouterConfig{Server: s})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/figures/spatial/leiden_clus", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %q", ct)
	}
	body := rec.Body.Bytes()
	if len(body) < 8 || body[1] != 'P' || body[2] != 'N' || body[3] != 'G' {
		t.Error("response is not a PNG")
	}
}

func TestRouter_Figure_NoDataset(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(RouterConfig{Server: s})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/figures/spatial/leiden_clus", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a dataset, got %d", rec.Code)
	}
}
