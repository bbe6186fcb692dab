// Package api provides HTTP handlers for browsing pipeline runs, result
// tables and rendered figures.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/spatx/spatx/internal/cache"
	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/plot"
	"github.com/spatx/spatx/internal/resultstore"
)

const defaultPageSize = 50
const maxPageSize = 1000

// Server serves stored runs plus figures rendered from the active
// dataset. Dataset may be nil when only browsing persisted runs.
type Server struct {
	Store    *resultstore.Store
	Cache    *cache.Manager
	Renderer *plot.Renderer
	Dataset  *dataset.Dataset
	// ActiveRunID names the run the in-memory dataset belongs to; figure
	// cache keys include it.
	ActiveRunID string
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Server      *Server
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := cfg.Server

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.listRunsHandler)
		r.Route("/runs/{run_id}", func(r chi.Router) {
			r.Get("/", s.getRunHandler)
			r.Delete("/", s.deleteRunHandler)
			r.Get("/tables", s.listTablesHandler)
			r.Get("/tables/{table}", s.queryTableHandler)
		})
		r.Get("/dataset/summary", s.datasetSummaryHandler)
		r.Get("/cache/stats", s.cacheStatsHandler)
	})

	// Figure endpoints render from the in-memory dataset.
	r.Get("/figures/spatial/{column}", s.spatialFigureHandler)
	r.Get("/figures/embedding/{name}/{column}", s.embeddingFigureHandler)
	r.Get("/figures/expression/{feature}", s.expressionFigureHandler)

	return r
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Store.ListRuns()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*resultstore.Run{}
	}
	writeJSON(w, map[string]interface{}{"runs": runs})
}

func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	run, err := s.Store.GetRun(chi.URLParam(r, "run_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, run)
}

func (s *Server) deleteRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.Store.GetRun(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err := s.Store.DeleteRun(runID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTablesHandler(w http.ResponseWriter, r *http.Request) {
	infos, err := s.Store.ListTables(chi.URLParam(r, "run_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []resultstore.TableInfo{}
	}
	writeJSON(w, map[string]interface{}{"tables": infos})
}

func (s *Server) queryTableHandler(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	tableName := chi.URLParam(r, "table")
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}

	key := cache.QueryKey(runID, tableName, offset, limit)
	if s.Cache != nil {
		if data, ok := s.Cache.GetQuery(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.Write(data)
			return
		}
	}

	rows, columns, total, err := s.Store.QueryRows(runID, tableName, offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if rows == nil {
		rows = [][]any{}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"table":   tableName,
		"columns": columns,
		"rows":    rows,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.Cache != nil {
		s.Cache.SetQuery(key, payload)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *Server) datasetSummaryHandler(w http.ResponseWriter, r *http.Request) {
	if s.Dataset == nil {
		http.Error(w, "no dataset loaded", http.StatusNotFound)
		return
	}
	d := s.Dataset
	writeJSON(w, map[string]interface{}{
		"run_id":       s.ActiveRunID,
		"n_features":   d.NFeatures(),
		"n_obs":        d.NObs(),
		"layers":       d.LayerNames(),
		"graphs":       d.GraphNames(),
		"results":      d.ResultNames(),
		"obs_columns":  d.ObsMeta().ColumnNames(),
		"feat_columns": d.FeatMeta().ColumnNames(),
	})
}

func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Cache == nil {
		http.Error(w, "cache disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, s.Cache.Stats())
}

func (s *Server) spatialFigureHandler(w http.ResponseWriter, r *http.Request) {
	column := chi.URLParam(r, "column")
	s.serveFigure(w, r, "spatial:"+column, func() ([]byte, error) {
		return s.Renderer.SpatialCategorical(s.Dataset, column)
	})
}

func (s *Server) embeddingFigureHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	column := chi.URLParam(r, "column")
	s.serveFigure(w, r, fmt.Sprintf("embedding:%s:%s", name, column), func() ([]byte, error) {
		return s.Renderer.EmbeddingCategorical(s.Dataset, name, column)
	})
}

func (s *Server) expressionFigureHandler(w http.ResponseWriter, r *http.Request) {
	feature := chi.URLParam(r, "feature")
	cmap := r.URL.Query().Get("cmap")
	s.serveFigure(w, r, "expression:"+feature+":"+cmap, func() ([]byte, error) {
		return s.Renderer.SpatialExpression(s.Dataset, "normalized", feature, cmap)
	})
}

func (s *Server) serveFigure(w http.ResponseWriter, r *http.Request, kind string, render func() ([]byte, error)) {
	if s.Dataset == nil {
		http.Error(w, "no dataset loaded", http.StatusNotFound)
		return
	}

	key := cache.FigureKey(s.ActiveRunID, kind, "", "")
	if s.Cache != nil {
		if data, ok := s.Cache.GetFigure(key); ok {
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("X-Cache", "HIT")
			w.Write(data)
			return
		}
	}

	data, err := render()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if s.Cache != nil {
		if err := s.Cache.SetFigure(key, data); err == nil {
			w.Header().Set("X-Cache", "MISS")
		}
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
