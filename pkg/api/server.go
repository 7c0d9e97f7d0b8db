package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nubiot/fleetsync/pkg/backfill"
	"github.com/nubiot/fleetsync/pkg/events"
	"github.com/nubiot/fleetsync/pkg/history"
	"github.com/nubiot/fleetsync/pkg/index"
	"github.com/nubiot/fleetsync/pkg/log"
	"github.com/nubiot/fleetsync/pkg/metrics"
	"github.com/nubiot/fleetsync/pkg/registry"
	"github.com/nubiot/fleetsync/pkg/storage"
)

// Server exposes the sync engine over HTTP: sensor lifecycle
// operations, fleet CRUD, index inspection and the progress stream.
type Server struct {
	reg      *registry.Registry
	store    storage.Store
	idx      *index.Index
	notifier *events.Notifier

	httpServer *http.Server
}

// NewServer builds the HTTP server with all routes mounted.
func NewServer(addr string, reg *registry.Registry, store storage.Store, idx *index.Index, notifier *events.Notifier) *Server {
	s := &Server{
		reg:      reg,
		store:    store,
		idx:      idx,
		notifier: notifier,
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	return s
}

// Router mounts every route. Exposed separately so tests can drive the
// handler without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sensors", func(r chi.Router) {
			r.Get("/", s.handleListSensors)
			r.Post("/", s.handleDiscoverSensor)
			r.Route("/{deviceType}/{sensorID}", func(r chi.Router) {
				r.Get("/", s.handleGetSensor)
				r.Get("/progress", s.handleProgressStream)
				r.Post("/enable", s.handleEnableSensor)
				r.Post("/disable", s.handleDisableSensor)
				r.Post("/backfill", s.handleBackfillRange)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)
			r.Delete("/{id}", s.handleDeleteDevice)
		})
		r.Route("/device-groups", func(r chi.Router) {
			r.Get("/", s.handleListDeviceGroups)
			r.Post("/", s.handleCreateDeviceGroup)
			r.Delete("/{id}", s.handleDeleteDeviceGroup)
		})
		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.handleListCredentials)
			r.Post("/", s.handleCreateCredential)
			r.Delete("/{id}", s.handleDeleteCredential)
		})

		r.Get("/progress", s.handleProgressStream)
	})

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrSensorNotFound) || storage.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyProcessing) || errors.Is(err, backfill.ErrJobActive):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrSensorDisabled):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, history.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
