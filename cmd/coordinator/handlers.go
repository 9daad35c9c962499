package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dreamware/loadgen/internal/cluster"
	"github.com/dreamware/loadgen/internal/config"
	"github.com/dreamware/loadgen/internal/coordinator"
	"github.com/dreamware/loadgen/internal/transport"
)

type server struct {
	registry *coordinator.Registry
	monitor  *coordinator.HealthMonitor
	logger   *slog.Logger
}

func newServer(cfg *config.Config, logger *slog.Logger) *server {
	registry := coordinator.NewRegistry(logger.With("component", "registry"), cfg.Heartbeat.MaxMissed)

	dispatcher := coordinator.NewDispatcher(registry, coordinator.DispatchConfig{
		Job:         cfg.Dispatch.Job,
		AutoDiscard: cfg.Dispatch.AutoDiscard,
	}, logger.With("component", "dispatcher"))
	registry.SetOnRegistered(dispatcher.Registered)
	registry.SetOnMessage(dispatcher.Message)

	return &server{
		registry: registry,
		monitor:  coordinator.NewHealthMonitor(registry, cfg.Heartbeat.Interval.Std(), logger.With("component", "health")),
		logger:   logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+transport.AttachPrefix+"{identity}", s.handleAttach)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /workers", s.handleListWorkers)
	mux.HandleFunc("GET /workers/{identity}", s.handleGetWorker)
	mux.HandleFunc("POST /workers/{identity}/schedule", s.handleSchedule)
	mux.HandleFunc("POST /workers/{identity}/discard", s.handleDiscard)
	return mux
}

// handleAttach upgrades a worker's attach request and hands the transport to
// the registry.
func (s *server) handleAttach(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	if !transport.IsUpgrade(r) {
		s.logger.Warn("attach without upgrade", "identity", identity, "remote", r.RemoteAddr)
		http.Error(w, "expected upgrade request", http.StatusBadRequest)
		return
	}

	conn, err := transport.Accept(w, r)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "identity", identity, "error", err)
		return
	}
	s.registry.Attach(identity, conn)
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	workers := s.registry.List()
	online := 0
	for _, info := range workers {
		if info.Online {
			online++
		}
	}
	rounds, expired := s.monitor.Stats()

	writeJSON(w, http.StatusOK, struct {
		Status       string `json:"status"`
		Workers      int    `json:"workers"`
		Online       int    `json:"online"`
		ProbeRounds  int    `json:"probe_rounds"`
		ProbeExpired int    `json:"probe_expired"`
	}{"ok", len(workers), online, rounds, expired})
}

func (s *server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Workers []cluster.WorkerInfo `json:"workers"`
	}{Workers: s.registry.List()})
}

func (s *server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	info, ok := s.registry.Get(r.PathValue("identity"))
	if !ok {
		http.Error(w, coordinator.ErrUnknownWorker.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSchedule assigns a job to an idle worker (admin operation).
func (s *server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	var req cluster.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "missing command", http.StatusBadRequest)
		return
	}

	if info, ok := s.registry.Get(identity); ok && info.State != nil && !info.State.Idle() {
		http.Error(w, "worker busy: "+info.State.Phase(), http.StatusConflict)
		return
	}

	if err := s.registry.Send(identity, cluster.Schedule(req)); err != nil {
		sendError(w, err)
		return
	}
	s.logger.Info("scheduled job via api", "identity", identity, "command", req.Command)
	w.WriteHeader(http.StatusAccepted)
}

// handleDiscard resets a worker to idle (admin operation).
func (s *server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if err := s.registry.Send(identity, cluster.Discard()); err != nil {
		sendError(w, err)
		return
	}
	s.logger.Info("discarded job via api", "identity", identity)
	w.WriteHeader(http.StatusAccepted)
}

func sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownWorker):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, coordinator.ErrWorkerOffline), errors.Is(err, coordinator.ErrNotRegistered):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
