package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server exposes the counter set over HTTP for external monitors.
type Server struct {
	counters *Counters
	logger   *zap.Logger
	srv      *http.Server
}

func NewServer(counters *Counters, port int, logger *zap.Logger) *Server {
	s := &Server{counters: counters, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthcheck", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Health server started", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.counters.Snapshot()

	status := http.StatusInternalServerError
	switch snapshot.Status {
	case StatusRunning:
		status = http.StatusOK
	case StatusStarting, StatusStopping:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, snapshot)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "gatekeeper-bot",
		"status":    "ok",
		"endpoints": []string{"/health", "/healthcheck"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
