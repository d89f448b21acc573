// Package api provides HTTP and WebSocket handlers for the point cloud server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pcview/server/internal/cache"
	"github.com/pcview/server/internal/journal"
	"github.com/pcview/server/internal/logging"
	"github.com/pcview/server/internal/protocol"
	"github.com/pcview/server/internal/service"
	"github.com/pcview/server/pkg/colormap"
)

// StreamOptions configures streaming sessions.
type StreamOptions struct {
	BatchSize  int
	BatchPause time.Duration
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	Journal     *journal.Journal // optional
	Cache       *cache.Manager   // optional
	Stream      StreamOptions
	Logger      *zap.SugaredLogger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	cfg.Logger = logging.OrNop(cfg.Logger)
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Global endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", sessionsHandler(cfg.Journal))
		r.Get("/{session_id}/deliveries", deliveriesHandler(cfg.Journal))
	})

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/ws", streamHandler(cfg))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", datasetMetadataHandler)
			r.Post("/select", datasetSelectHandler)
			r.Get("/selection.png", datasetSelectionImageHandler)
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects its service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.PointCloudService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.PointCloudService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":   registry.DefaultDatasetID(),
			"datasets":  registry.Datasets(),
			"title":     registry.Title(),
			"colormaps": colormap.Names(),
		})
	}
}

func cacheStatsHandler(m *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "cache disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, m.Stats())
	}
}

func datasetMetadataHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, getDatasetService(r).Metadata())
}

// datasetSelectHandler runs the node selection for a camera posted as JSON.
func datasetSelectHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)

	var req protocol.CamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid camera request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sel, err := svc.Describe(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sel)
}

// datasetSelectionImageHandler renders the selection for a camera given in query params:
// px, py, pz (position), lx, ly, lz (look-at), fovy, w, h and an optional colormap.
func datasetSelectionImageHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)

	req, err := parseCameraQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	png, err := svc.RenderSelection(r.Context(), req, r.URL.Query().Get("colormap"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(png)
}

func parseCameraQuery(r *http.Request) (protocol.CamRequest, error) {
	q := r.URL.Query()
	req := protocol.CamRequest{FovY: 45, ViewW: 800, ViewH: 600}

	floats := []struct {
		name string
		dst  *float32
	}{
		{"px", &req.Pos.X}, {"py", &req.Pos.Y}, {"pz", &req.Pos.Z},
		{"lx", &req.LookAt.X}, {"ly", &req.LookAt.Y}, {"lz", &req.LookAt.Z},
		{"fovy", &req.FovY},
	}
	for _, f := range floats {
		s := q.Get(f.name)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return req, fmt.Errorf("invalid %s: %q", f.name, s)
		}
		*f.dst = float32(v)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"w", &req.ViewW}, {"h", &req.ViewH},
	}
	for _, f := range ints {
		s := q.Get(f.name)
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return req, fmt.Errorf("invalid %s: %q", f.name, s)
		}
		*f.dst = v
	}

	return req, req.Validate()
}
