package cfw

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for operating the firewall at runtime:
// status and counters, recent threat records, report export, detection rule
// management, and rule reloads.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. All endpoints return JSON.
type AdminAPI struct {
	// Relay is the relay instance to report on.
	Relay *Relay

	// Pipeline is the reloadable pipeline for rule management. If nil, the
	// rule endpoints return 501 Not Implemented.
	Pipeline *ReloadablePipeline

	// Policy is the policy engine whose stats are reported.
	Policy *PolicyEngine

	// ThreatLog backs the /threats and /report endpoints.
	ThreatLog *ThreatLog

	// Health provides uptime and probe handlers.
	Health *HealthChecker

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given relay.
func NewAdminAPI(relay *Relay) *AdminAPI {
	a := &AdminAPI{
		Relay:      relay,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Get("/stats", a.handleStats)
	r.Get("/connections", a.handleConnections)
	r.Get("/threats", a.handleThreats)
	r.Post("/report", a.handleReport)
	r.Get("/rules", a.handleListRules)
	r.Post("/rules", a.handleAddRule)
	r.Post("/reload", a.handleReload)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
// Mount this on a separate listener alongside the metrics endpoint.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi router
// after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status      string   `json:"status"`
	Uptime      string   `json:"uptime,omitempty"`
	ActiveConns int      `json:"active_connections"`
	RuleCount   int      `json:"rule_count"`
	Stages      []string `json:"stages"`
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	Tracker   TrackerStats   `json:"tracker"`
	Pipeline  PipelineStats  `json:"pipeline"`
	Policy    PolicyStats    `json:"policy"`
	ThreatLog ThreatLogStats `json:"threat_log"`
}

// ThreatsResponse is returned by GET /api/threats.
type ThreatsResponse struct {
	Count   int            `json:"count"`
	Window  string         `json:"window"`
	Threats []ThreatRecord `json:"threats"`
}

// RuleRequest is the body for POST /api/rules.
type RuleRequest struct {
	Category   string  `json:"category"`
	Type       string  `json:"type"`
	Pattern    string  `json:"pattern"`
	Severity   string  `json:"severity,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ReportRequest is the body for POST /api/report.
type ReportRequest struct {
	Path  string `json:"path"`
	Hours int    `json:"hours,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status: "ok",
	}

	if a.Relay != nil && a.Relay.Tracker != nil {
		resp.ActiveConns = a.Relay.Tracker.Count()
	}
	if a.Pipeline != nil {
		resp.RuleCount = a.Pipeline.RuleCount()
		resp.Stages = a.Pipeline.Pipeline().StageNames()
	}
	if a.Health != nil {
		resp.Uptime = time.Since(a.Health.startTime).Truncate(time.Second).String()
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleStats(w http.ResponseWriter, _ *http.Request) {
	var resp StatsResponse

	if a.Relay != nil && a.Relay.Tracker != nil {
		resp.Tracker = a.Relay.Tracker.Stats()
	}
	if a.Pipeline != nil {
		resp.Pipeline = a.Pipeline.Pipeline().Stats()
	}
	if a.Policy != nil {
		resp.Policy = a.Policy.Stats()
	}
	if a.ThreatLog != nil {
		resp.ThreatLog = a.ThreatLog.Stats()
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := []Connection{}
	if a.Relay != nil && a.Relay.Tracker != nil {
		conns = a.Relay.Tracker.Snapshot()
	}
	a.writeJSON(w, http.StatusOK, conns)
}

func (a *AdminAPI) handleThreats(w http.ResponseWriter, r *http.Request) {
	if a.ThreatLog == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "threat log not configured"})
		return
	}

	hours := 24
	if s := r.URL.Query().Get("hours"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "hours must be a positive integer"})
			return
		}
		hours = n
	}

	window := time.Duration(hours) * time.Hour
	threats, err := a.ThreatLog.Recent(window)
	if err != nil {
		a.Logger.Error("threat query failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if threats == nil {
		threats = []ThreatRecord{}
	}

	a.writeJSON(w, http.StatusOK, ThreatsResponse{
		Count:   len(threats),
		Window:  window.String(),
		Threats: threats,
	})
}

func (a *AdminAPI) handleReport(w http.ResponseWriter, r *http.Request) {
	if a.ThreatLog == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "threat log not configured"})
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Path == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "path is required"})
		return
	}
	if req.Hours <= 0 {
		req.Hours = 24
	}

	if err := a.ThreatLog.ExportReport(req.Path, time.Duration(req.Hours)*time.Hour); err != nil {
		a.Logger.Error("report export failed", "error", err, "path", req.Path)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("threat report exported", "path", req.Path, "hours", req.Hours)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "report written to " + req.Path})
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, _ *http.Request) {
	if a.Pipeline == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "rule management not configured"})
		return
	}

	rules := a.Pipeline.Rules()
	a.writeJSON(w, http.StatusOK, struct {
		Count int             `json:"count"`
		Rules []DetectionRule `json:"rules"`
	}{Count: len(rules), Rules: rules})
}

func (a *AdminAPI) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if a.Pipeline == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "rule management not configured"})
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	rule := DetectionRule{
		Category:   req.Category,
		Type:       req.Type,
		Pattern:    req.Pattern,
		Severity:   ThreatLevel(req.Severity),
		Confidence: req.Confidence,
	}

	if err := a.Pipeline.AddRule(r.Context(), rule); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("rule added via admin API", "category", req.Category, "type", req.Type)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "rule added"})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.Pipeline == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := a.Pipeline.Load(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("rules reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
