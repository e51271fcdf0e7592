// Package api exposes the pipeline over REST/JSON for the dashboard,
// plus a WebSocket stream bridged to the fan-out hub.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydrowatch/backend/internal/alerts"
	"github.com/hydrowatch/backend/internal/audit"
	"github.com/hydrowatch/backend/internal/circuitbreaker"
	"github.com/hydrowatch/backend/internal/core"
	"github.com/hydrowatch/backend/internal/hub"
	"github.com/hydrowatch/backend/internal/isoforest"
	"github.com/hydrowatch/backend/internal/middleware"
	"github.com/hydrowatch/backend/internal/pipeline"
	"github.com/hydrowatch/backend/internal/store"
)

// Server routes REST and WebSocket traffic to the pipeline components.
type Server struct {
	pipeline *pipeline.Pipeline
	alerts   *alerts.Manager
	audit    *audit.Log
	hub      *hub.Hub
	forest   *isoforest.Forest
	breakers *circuitbreaker.BoundaryBreakers
	store    store.SampleStore
	limiter  *middleware.RateLimiter

	logger *log.Logger
}

// NewServer creates the API server.
func NewServer(p *pipeline.Pipeline, am *alerts.Manager, al *audit.Log, h *hub.Hub, f *isoforest.Forest, bb *circuitbreaker.BoundaryBreakers, st store.SampleStore) *Server {
	return &Server{
		pipeline: p,
		alerts:   am,
		audit:    al,
		hub:      h,
		forest:   f,
		breakers: bb,
		store:    st,
		limiter:  middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS for the dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	api := r.PathPrefix("/api/v1").Subrouter()

	api.Handle("/samples", s.limiter.Middleware(http.HandlerFunc(s.handleSubmitSample))).Methods("POST")
	api.HandleFunc("/samples", s.handleSampleHistory).Methods("GET")
	api.HandleFunc("/detections", s.handleDetectionHistory).Methods("GET")
	api.HandleFunc("/baseline", s.handleSetBaseline).Methods("POST")
	api.HandleFunc("/valves/{location}", s.handleValveState).Methods("GET")

	api.HandleFunc("/alerts", s.handleListAlerts).Methods("GET")
	api.HandleFunc("/alerts/stats", s.handleAlertStats).Methods("GET")
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods("GET")
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledge).Methods("POST")
	api.HandleFunc("/alerts/{id}/resolve", s.handleResolve).Methods("POST")
	api.HandleFunc("/alerts/{id}/feedback", s.handleFeedback).Methods("POST")

	api.HandleFunc("/audit", s.handleAuditExport).Methods("GET")
	api.HandleFunc("/audit/verify", s.handleAuditVerify).Methods("GET")

	api.HandleFunc("/model/train", s.handleTrain).Methods("POST")
	api.HandleFunc("/model", s.handleModelExport).Methods("GET")
	api.HandleFunc("/model", s.handleModelImport).Methods("PUT")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	r.HandleFunc("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ============================================================================
// INGEST
// ============================================================================

func (s *Server) handleSubmitSample(w http.ResponseWriter, r *http.Request) {
	var sample core.RawSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sample JSON")
		return
	}

	if err := s.pipeline.Submit(r.Context(), sample); err != nil {
		var verr *core.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, pipeline.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, pipeline.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleSetBaseline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Location string  `json:"location"`
		Pressure float64 `json:"pressure"`
		Flow     float64 `json:"flow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Location == "" {
		writeError(w, http.StatusBadRequest, "location, pressure and flow required")
		return
	}
	s.pipeline.SetBaseline(req.Location, req.Pressure, req.Flow)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSampleHistory returns persisted samples for a location,
// oldest first.
func (s *Server) handleSampleHistory(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	if location == "" {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	samples, err := s.store.RecentSamples(r.Context(), location, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if samples == nil {
		samples = []core.RawSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// handleDetectionHistory returns the newest detections for a location.
func (s *Server) handleDetectionHistory(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	if location == "" {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	detections, err := s.store.RecentDetections(r.Context(), location, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if detections == nil {
		detections = []core.DetectionResult{}
	}
	writeJSON(w, http.StatusOK, detections)
}

func (s *Server) handleValveState(w http.ResponseWriter, r *http.Request) {
	location := mux.Vars(r)["location"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"location": location,
		"position": s.alerts.ValvePosition(location),
	})
}

// ============================================================================
// ALERTS
// ============================================================================

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := alerts.Query{
		Status:   core.AlertStatus(r.URL.Query().Get("status")),
		Location: r.URL.Query().Get("location"),
	}
	if raw := r.URL.Query().Get("severity"); raw != "" {
		severity, err := core.ParseSeverity(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown severity")
			return
		}
		q.Severity = &severity
	}
	if raw := r.URL.Query().Get("acknowledged"); raw != "" {
		acked, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "acknowledged must be a boolean")
			return
		}
		q.Acknowledged = &acked
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		q.Since = since
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		q.Until = until
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	list := s.alerts.List(q)
	if list == nil {
		list = []*core.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert := s.alerts.Get(mux.Vars(r)["id"])
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type lifecycleRequest struct {
	By       string         `json:"by"`
	Note     string         `json:"note,omitempty"`
	Feedback *core.Feedback `json:"feedback,omitempty"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.By == "" {
		writeError(w, http.StatusBadRequest, "by is required")
		return
	}
	alert, err := s.alerts.Acknowledge(mux.Vars(r)["id"], req.By, req.Note)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.By == "" {
		writeError(w, http.StatusBadRequest, "by is required")
		return
	}
	alert, err := s.alerts.Resolve(mux.Vars(r)["id"], req.By, req.Note, req.Feedback)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb core.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid feedback JSON")
		return
	}
	alert, err := s.alerts.SubmitFeedback(mux.Vars(r)["id"], fb)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alerts.Stats())
}

// ============================================================================
// AUDIT
// ============================================================================

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	format := audit.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = audit.FormatJSON
	}

	q := audit.Query{
		Kind:      audit.Kind(r.URL.Query().Get("kind")),
		SubjectID: r.URL.Query().Get("subject_id"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		q.Since = since
	}

	data, err := s.audit.Export(format, q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch format {
	case audit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.audit.Verify(); err != nil {
		var integrity *audit.IntegrityError
		status := map[string]interface{}{"intact": false, "error": err.Error()}
		if errors.As(err, &integrity) {
			status["broken_seq"] = integrity.Seq
		}
		writeJSON(w, http.StatusConflict, status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intact": true, "entries": s.audit.Len()})
}

// ============================================================================
// MODEL
// ============================================================================

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locations []string  `json:"locations"`
		Since     time.Time `json:"since"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Locations) == 0 {
		writeError(w, http.StatusBadRequest, "locations required")
		return
	}

	report, err := s.pipeline.Train(r.Context(), req.Locations, req.Since)
	if err != nil {
		if errors.Is(err, core.ErrNoTrainingData) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit.Append(audit.KindModelTrained, "model", requestActor(r), map[string]interface{}{
		"samples": report.Samples,
	})
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleModelExport(w http.ResponseWriter, r *http.Request) {
	blob, err := s.forest.Save()
	if err != nil {
		writeError(w, http.StatusNotFound, "no trained model")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

func (s *Server) handleModelImport(w http.ResponseWriter, r *http.Request) {
	var blob json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&blob); err != nil {
		writeError(w, http.StatusBadRequest, "invalid model JSON")
		return
	}
	if err := s.forest.Load(blob); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.audit.Append(audit.KindModelLoaded, "model", requestActor(r), nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded"})
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.breakers == nil || s.breakers.Healthy()
	status := map[string]interface{}{
		"status":        "healthy",
		"model_trained": s.forest.Trained(),
		"hub":           s.hub.Stats(),
	}
	if s.breakers != nil {
		status["breakers"] = s.breakers.Stats()
	}
	code := http.StatusOK
	if !healthy {
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// ============================================================================
// HELPERS
// ============================================================================

func requestActor(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid status transition")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
