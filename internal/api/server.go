// Package api implements the add-on HTTP API: diagnosis runs,
// insights, reports, schedule management, and automation generation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"hadoctor/internal/buildinfo"
	"hadoctor/internal/diagnose"
	"hadoctor/internal/generate"
	"hadoctor/internal/homeassistant"
	"hadoctor/internal/insights"
	"hadoctor/internal/reports"
	"hadoctor/internal/repository"
	"hadoctor/internal/schedule"
)

// runTimeout bounds a background batch diagnosis started over HTTP.
const runTimeout = 30 * time.Minute

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	runner    *diagnose.Runner
	doctor    *diagnose.Doctor
	generator *generate.Generator
	repo      *repository.Repository
	ha        *homeassistant.Client
	insights  *insights.Store
	reports   *reports.Store
	scheduler *schedule.Scheduler
	logger    *slog.Logger
	server    *http.Server
}

// Deps carries the server's collaborators.
type Deps struct {
	Runner    *diagnose.Runner
	Doctor    *diagnose.Doctor
	Generator *generate.Generator
	Repo      *repository.Repository
	HA        *homeassistant.Client
	Insights  *insights.Store
	Reports   *reports.Store
	Scheduler *schedule.Scheduler
}

// NewServer creates the API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		runner:    deps.Runner,
		doctor:    deps.Doctor,
		generator: deps.Generator,
		repo:      deps.Repo,
		ha:        deps.HA,
		insights:  deps.Insights,
		reports:   deps.Reports,
		scheduler: deps.Scheduler,
		logger:    logger.With("component", "api"),
	}
}

// Start registers routes and serves until Shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Generation endpoints
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/generate/deploy", s.handleDeploy)
	mux.HandleFunc("POST /api/validate", s.handleValidate)
	mux.HandleFunc("GET /api/context", s.handleContext)

	// Automation endpoints
	mux.HandleFunc("GET /api/automations", s.handleAutomationList)
	mux.HandleFunc("GET /api/automations/{id}", s.handleAutomationGet)

	// Diagnosis endpoints
	mux.HandleFunc("POST /api/doctor/diagnose", s.handleDiagnose)
	mux.HandleFunc("POST /api/diagnosis/run", s.handleDiagnosisRun)
	mux.HandleFunc("POST /api/diagnosis/cancel", s.handleDiagnosisCancel)
	mux.HandleFunc("GET /api/diagnosis/status", s.handleDiagnosisStatus)

	// Report endpoints
	mux.HandleFunc("GET /api/reports", s.handleReportList)
	mux.HandleFunc("GET /api/reports/latest", s.handleReportLatest)
	mux.HandleFunc("GET /api/reports/{runId}", s.handleReportGet)
	mux.HandleFunc("DELETE /api/reports/{runId}", s.handleReportDelete)

	// Insight endpoints
	mux.HandleFunc("GET /api/insights", s.handleInsightList)
	mux.HandleFunc("GET /api/insights/count", s.handleInsightCount)
	mux.HandleFunc("POST /api/insights/{id}/resolve", s.handleInsightResolve)
	mux.HandleFunc("DELETE /api/insights/{id}", s.handleInsightDelete)
	mux.HandleFunc("POST /api/insights/clear-resolved", s.handleInsightClearResolved)

	// Schedule endpoints
	mux.HandleFunc("GET /api/schedule", s.handleScheduleGet)
	mux.HandleFunc("PUT /api/schedule", s.handleScheduleUpdate)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // single diagnosis can be slow
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "hadoctor",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	haStatus := "connected"
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.ha.Ping(ctx); err != nil {
		haStatus = "unreachable"
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":            "healthy",
		"home_assistant":    haStatus,
		"diagnosis_running": s.runner.IsRunning(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// Generation endpoints

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Request string `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Request == "" {
		s.errorResponse(w, http.StatusBadRequest, "request body must include a non-empty 'request'")
		return
	}

	result := s.generator.Generate(r.Context(), req.Request)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		YAML string `json:"yaml_content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.YAML == "" {
		s.errorResponse(w, http.StatusBadRequest, "request body must include 'yaml_content'")
		return
	}

	id, err := s.generator.Deploy(r.Context(), req.YAML)
	if err != nil {
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"id": id, "status": "deployed"}, s.logger)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		YAML string `json:"yaml_content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, generate.Validate(req.YAML), s.logger)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.generator.ContextOverview(r.Context()), s.logger)
}

// Automation endpoints

func (s *Server) handleAutomationList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.repo.List(r.Context())
	if err != nil {
		s.logger.Error("automation list failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "failed to list automations")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"automations": summaries,
		"count":       len(summaries),
	}, s.logger)
}

func (s *Server) handleAutomationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	def, records, stats, err := s.repo.GetWithTraces(r.Context(), id)
	if err != nil {
		s.logger.Error("automation get failed", "error", err, "id", id)
		s.errorResponse(w, http.StatusBadGateway, "failed to fetch automation")
		return
	}
	if def == nil {
		s.errorResponse(w, http.StatusNotFound, "automation not found")
		return
	}

	yamlText, _ := def.ToYAML()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"automation":  def.Raw,
		"yaml":        yamlText,
		"traces":      records,
		"trace_stats": stats,
	}, s.logger)
}

// Diagnosis endpoints

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AutomationID string `json:"automation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AutomationID == "" {
		s.errorResponse(w, http.StatusBadRequest, "request body must include 'automation_id'")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.doctor.Diagnose(r.Context(), req.AutomationID), s.logger)
}

func (s *Server) handleDiagnosisRun(w http.ResponseWriter, r *http.Request) {
	if s.runner.IsRunning() {
		s.errorResponse(w, http.StatusConflict, "a diagnosis is already running")
		return
	}

	// The run outlives the HTTP request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := s.runner.Run(ctx, false); err != nil {
			if errors.Is(err, diagnose.ErrCancelled) || errors.Is(err, diagnose.ErrAlreadyRunning) {
				s.logger.Info("diagnosis run stopped", "reason", err)
				return
			}
			s.logger.Error("diagnosis run failed", "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "started"}, s.logger)
}

func (s *Server) handleDiagnosisCancel(w http.ResponseWriter, r *http.Request) {
	if !s.runner.Cancel() {
		s.errorResponse(w, http.StatusConflict, "no diagnosis is running")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "cancelling"}, s.logger)
}

func (s *Server) handleDiagnosisStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"running": s.runner.IsRunning()}, s.logger)
}

// Report endpoints

func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.reports.List()
	if err != nil {
		s.logger.Error("report list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list reports")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"reports": entries,
		"count":   len(entries),
	}, s.logger)
}

func (s *Server) handleReportLatest(w http.ResponseWriter, r *http.Request) {
	report, err := s.reports.GetLatest()
	if err != nil {
		s.logger.Error("report latest failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	if report == nil {
		s.errorResponse(w, http.StatusNotFound, "no reports available")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")

	report, err := s.reports.Get(runID)
	if err != nil {
		s.logger.Error("report get failed", "error", err, "run_id", runID)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	if report == nil {
		s.errorResponse(w, http.StatusNotFound, "report not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}

func (s *Server) handleReportDelete(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")

	deleted, err := s.reports.Delete(runID)
	if err != nil {
		s.logger.Error("report delete failed", "error", err, "run_id", runID)
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete report")
		return
	}
	if !deleted {
		s.errorResponse(w, http.StatusNotFound, "report not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Insight endpoints

func (s *Server) handleInsightList(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category != "" && category != insights.CategorySingle && category != insights.CategoryMulti {
		s.errorResponse(w, http.StatusBadRequest, "category must be 'single' or 'multi'")
		return
	}

	list, err := s.insights.GetAll(category)
	if err != nil {
		s.logger.Error("insight list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list insights")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"insights": list,
		"count":    len(list),
	}, s.logger)
}

func (s *Server) handleInsightCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.insights.UnresolvedCount()
	if err != nil {
		s.logger.Error("insight count failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to count insights")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"unresolved": count}, s.logger)
}

func (s *Server) handleInsightResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Resolved *bool `json:"resolved"`
	}
	resolved := true
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Resolved != nil {
		resolved = *req.Resolved
	}

	found, err := s.insights.MarkResolved(id, resolved)
	if err != nil {
		s.logger.Error("insight resolve failed", "error", err, "id", id)
		s.errorResponse(w, http.StatusInternalServerError, "failed to update insight")
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "insight not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"insight_id": id, "resolved": resolved}, s.logger)
}

func (s *Server) handleInsightDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	deleted, err := s.insights.Delete(id)
	if err != nil {
		s.logger.Error("insight delete failed", "error", err, "id", id)
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete insight")
		return
	}
	if !deleted {
		s.errorResponse(w, http.StatusNotFound, "insight not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInsightClearResolved(w http.ResponseWriter, r *http.Request) {
	removed, err := s.insights.ClearResolved()
	if err != nil {
		s.logger.Error("insight clear failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to clear insights")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"removed": removed}, s.logger)
}

// Schedule endpoints

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.scheduler.Current()
	if err != nil {
		s.logger.Error("schedule get failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cfg, s.logger)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch schedule.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.scheduler.Update(&patch); err != nil {
		var verr *schedule.ValidationError
		if errors.As(err, &verr) {
			s.errorResponse(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("schedule update failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	current, err := s.scheduler.Current()
	if err != nil {
		s.logger.Error("schedule reload failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, current, s.logger)
}
