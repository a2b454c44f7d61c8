package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"layerlog/internal/metrics"
	"layerlog/internal/pipeline"
	"layerlog/pkg/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const serverShutdownTimeout = 5 * time.Second

// adminServer exposes health, stats, metrics and the side channel for
// operators. Producers never talk to it.
type adminServer struct {
	app    *App
	logger *logrus.Logger
	server *http.Server
}

func newAdminServer(cfg types.ServerConfig, app *App, logger *logrus.Logger) *adminServer {
	s := &adminServer{app: app, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/sidechannel", s.handleSideChannel).Methods(http.MethodGet)
	router.HandleFunc("/flush", s.handleFlush).Methods(http.MethodPost)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  parseTimeout(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: parseTimeout(cfg.WriteTimeout, 30*time.Second),
	}
	return s
}

func (s *adminServer) Start() {
	go func() {
		s.logger.WithField("addr", s.server.Addr).Info("Admin server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Admin server failed")
		}
	}()
}

func (s *adminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("Admin server shutdown failed")
	}
}

func (s *adminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	p := s.app.Pipeline()
	stats := p.Stats()

	status := http.StatusOK
	if p.State() != pipeline.StateRunning {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":   http.StatusText(status),
		"state":    stats.State,
		"handlers": stats.HandlerHealth,
	})
}

func (s *adminServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Pipeline().Stats())
}

// handleSideChannel replays the last-resort journal. Events stream as
// NDJSON in write order, archived segments first.
func (s *adminServer) handleSideChannel(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")

	enc := json.NewEncoder(w)
	err := s.app.Pipeline().SideChannel().Replay(func(e pipeline.Event) error {
		return enc.Encode(e)
	})
	if err != nil {
		s.logger.WithError(err).Error("Side channel replay failed")
	}
}

func (s *adminServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.app.Pipeline().Flush(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func parseTimeout(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
