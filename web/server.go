// Package web serves a JSON API over the recorded guest events.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vmtrace/guestmon/database"
	"github.com/vmtrace/guestmon/track"
)

const defaultLimit = 100

type Server struct {
	log        *zap.Logger
	db         *database.DB
	processes  *track.ProcessMap
	listenAddr string
}

func NewServer(log *zap.Logger, db *database.DB, processes *track.ProcessMap, listenAddr string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, db: db, processes: processes, listenAddr: listenAddr}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/processes", s.logged(s.handleProcesses))
	mux.HandleFunc("/api/modules", s.logged(s.handleModules))
	mux.HandleFunc("/api/faults", s.logged(s.handleFaults))
	mux.HandleFunc("/api/memory", s.logged(s.handleMemory))
	mux.HandleFunc("/api/live/processes", s.logged(s.handleLiveProcesses))

	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http server shutdown error", zap.Error(err))
		}
	}()

	s.log.Info("web API listening", zap.String("addr", s.listenAddr))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) logged(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("http request",
			zap.String("method", r.Method), zap.String("path", r.URL.Path))
		h(w, r)
	}
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	records, err := s.db.RecentProcesses(limitParam(r))
	s.respond(w, records, err)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	records, err := s.db.RecentModules(limitParam(r))
	s.respond(w, records, err)
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	records, err := s.db.RecentFaults(limitParam(r))
	s.respond(w, records, err)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	records, err := s.db.RecentMemoryEvents(limitParam(r))
	s.respond(w, records, err)
}

// handleLiveProcesses serves the in-memory process table rather than the
// recorded history.
func (s *Server) handleLiveProcesses(w http.ResponseWriter, r *http.Request) {
	if s.processes == nil {
		http.Error(w, "process tracking disabled", http.StatusNotFound)
		return
	}
	s.respond(w, s.processes.List(), nil)
}

func (s *Server) respond(w http.ResponseWriter, data interface{}, err error) {
	if err != nil {
		s.log.Error("query failed", zap.Error(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("response encoding failed", zap.Error(err))
	}
}

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultLimit
}
