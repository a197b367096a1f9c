package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/internal/log"
	"github.com/stojanov/taskrun/pkg/engine"
)

// Server exposes the read-only status surface plus start/cancel controls
// over an engine owned by the caller.
type Server struct {
	scheduler *engine.Scheduler
	defs      *engine.DefinitionStore
	metrics   *engine.MetricRecorder
}

func NewServer(scheduler *engine.Scheduler, defs *engine.DefinitionStore, metrics *engine.MetricRecorder) *Server {
	return &Server{scheduler: scheduler, defs: defs, metrics: metrics}
}

// Mux returns the route table, usable directly with httptest.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/workflows", s.WorkflowsHandler)
	mux.HandleFunc("/executions", s.ExecutionsHandler)
	mux.HandleFunc("/executions/", s.ExecutionByIDHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)
	return mux
}

func StartServer(port string, scheduler *engine.Scheduler, defs *engine.DefinitionStore, metrics *engine.MetricRecorder) error {
	srv := NewServer(scheduler, defs, metrics)
	log.GetLogger().Infof("Starting taskrun server on :%s", port)
	return http.ListenAndServe(":"+port, srv.Mux())
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "taskrun server is running")
}

// WorkflowsHandler lists the defined workflow names.
func (s *Server) WorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.defs.List()})
}

// ExecutionsHandler lists execution snapshots on GET and starts a new
// execution on POST.
func (s *Server) ExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"executions": s.scheduler.Executions()})
	case http.MethodPost:
		s.startExecution(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workflow string `json:"workflow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Workflow == "" {
		log.GetLogger().Error("Missing 'workflow' in POST /executions")
		http.Error(w, "Missing 'workflow' in request body", http.StatusBadRequest)
		return
	}
	execID, err := s.scheduler.Start(req.Workflow)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownWorkflow) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.GetLogger().Errorf("Failed to start execution: %v", err)
		http.Error(w, fmt.Sprintf("Failed to start execution: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": execID})
}

// ExecutionByIDHandler serves /executions/{id} status snapshots and
// /executions/{id}/cancel.
func (s *Server) ExecutionByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/executions/")
	if id, found := strings.CutSuffix(rest, "/cancel"); found {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": s.scheduler.Cancel(id)})
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot, err := s.scheduler.Status(rest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// MetricsHandler exports the full metric history as a JSON document.
func (s *Server) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := s.metrics.ExportJSON(w); err != nil {
		log.GetLogger().Errorf("Failed to export metrics: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
