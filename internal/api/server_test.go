package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrowatch/backend/internal/alerts"
	"github.com/hydrowatch/backend/internal/audit"
	"github.com/hydrowatch/backend/internal/circuitbreaker"
	"github.com/hydrowatch/backend/internal/clock"
	"github.com/hydrowatch/backend/internal/config"
	"github.com/hydrowatch/backend/internal/core"
	"github.com/hydrowatch/backend/internal/fusion"
	"github.com/hydrowatch/backend/internal/hub"
	"github.com/hydrowatch/backend/internal/isoforest"
	"github.com/hydrowatch/backend/internal/metrics"
	"github.com/hydrowatch/backend/internal/notify"
	"github.com/hydrowatch/backend/internal/pipeline"
	"github.com/hydrowatch/backend/internal/preprocess"
	"github.com/hydrowatch/backend/internal/store"
	"github.com/hydrowatch/backend/internal/valve"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type env struct {
	server  *Server
	router  http.Handler
	alerts  *alerts.Manager
	p       *pipeline.Pipeline
	audit   *audit.Log
	forest  *isoforest.Forest
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewVirtual(t0)
	met := metrics.Nop()

	auditLog := audit.New(clk)
	h := hub.New(clk, cfg.Fanout.QueueCap, met)
	forest := isoforest.New(isoforest.Options{NumTrees: 10, SubsampleSize: 16, Seed: 1}, met)
	breakers := circuitbreaker.NewBoundaryBreakers()

	manager := alerts.NewManager(alerts.Options{
		Config:    cfg.Alerts,
		Clock:     clk,
		Metrics:   met,
		Notifiers: []notify.Notifier{notify.NewInApp(100)},
		Actuator:  valve.NewSim(clk, 0),
		Breakers:  breakers,
		Audit:     auditLog,
		Publisher: h,
	})

	mem := store.NewMemory(1000)
	p := pipeline.New(pipeline.Options{
		Config:   cfg.Pipeline,
		Rules:    cfg.Rules,
		Features: cfg.Features,
		Clock:    clk,
		Metrics:  met,
		Pre:      preprocess.New(cfg.Features, clk, met),
		Forest:   forest,
		Fuser:    fusion.New(cfg.Fusion),
		Alerts:   manager,
		Hub:      h,
		Store:    mem,
		Breakers: breakers,
	})

	s := NewServer(p, manager, auditLog, h, forest, breakers, mem)
	t.Cleanup(func() {
		p.Shutdown(context.Background())
		manager.Close()
		h.Close()
	})
	return &env{server: s, router: s.Router(), alerts: manager, p: p, audit: auditLog, forest: forest}
}

func (e *env) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) raiseAlert(t *testing.T) *core.Alert {
	t.Helper()
	alert := e.alerts.CreateFromDetection(context.Background(), &core.DetectionResult{
		ID:          "det-1",
		Timestamp:   t0,
		Sample:      core.RawSample{Location: "main"},
		Severity:    core.SeverityHigh,
		Probability: 70,
		IsLeak:      true,
	})
	require.NotNil(t, alert)
	return alert
}

func TestSubmitSample(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, "POST", "/api/v1/samples", core.RawSample{
		Timestamp: t0, Pressure: 50, Flow: 10, ValveState: core.ValveOpen, Location: "main",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, "POST", "/api/v1/samples", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Out-of-range values come back as a 400 naming the bad field.
	rec = e.do(t, "POST", "/api/v1/samples", core.RawSample{
		Timestamp: t0, Pressure: 120, Flow: 10, ValveState: core.ValveOpen, Location: "main",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "pressure")
}

func TestAlertLifecycleOverREST(t *testing.T) {
	e := newEnv(t)
	alert := e.raiseAlert(t)

	rec := e.do(t, "GET", "/api/v1/alerts/"+alert.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "POST", "/api/v1/alerts/"+alert.ID+"/acknowledge", lifecycleRequest{By: "operator-7"})
	require.Equal(t, http.StatusOK, rec.Code)

	var acked core.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acked))
	assert.Equal(t, core.AlertAcknowledged, acked.Status)

	rec = e.do(t, "POST", "/api/v1/alerts/"+alert.ID+"/resolve", lifecycleRequest{By: "operator-7", Note: "fixed"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Resolving again conflicts.
	rec = e.do(t, "POST", "/api/v1/alerts/"+alert.ID+"/resolve", lifecycleRequest{By: "operator-7"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, "GET", "/api/v1/alerts/ALERT-99-aaaaaaaaa", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveWithFeedbackOverREST(t *testing.T) {
	e := newEnv(t)
	alert := e.raiseAlert(t)

	rec := e.do(t, "POST", "/api/v1/alerts/"+alert.ID+"/resolve", lifecycleRequest{
		By:       "operator-7",
		Note:     "no leak found",
		Feedback: &core.Feedback{IsFalsePositive: true, Comment: "sensor drift"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved core.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, core.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.Feedback)
	assert.True(t, resolved.Feedback.IsFalsePositive)
	assert.Equal(t, "operator-7", resolved.Feedback.SubmittedBy)
}

func TestListAlerts_Filters(t *testing.T) {
	e := newEnv(t)
	e.raiseAlert(t)

	rec := e.do(t, "GET", "/api/v1/alerts?status=ACTIVE&location=main", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []core.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = e.do(t, "GET", "/api/v1/alerts?severity=HIGH", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/api/v1/alerts?severity=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing acknowledged yet.
	rec = e.do(t, "GET", "/api/v1/alerts?acknowledged=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)

	rec = e.do(t, "GET", "/api/v1/alerts?acknowledged=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/api/v1/alerts?until="+t0.Add(time.Minute).Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = e.do(t, "GET", "/api/v1/alerts?until=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, "null\n", rec.Body.String()) // empty list is [], never null
}

func TestAuditEndpoints(t *testing.T) {
	e := newEnv(t)
	e.raiseAlert(t)

	rec := e.do(t, "GET", "/api/v1/audit?kind=ALERT_CREATED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.NotEmpty(t, entries)

	rec = e.do(t, "GET", "/api/v1/audit?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	rec = e.do(t, "GET", "/api/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"intact":true`)
}

func TestModelTrainExportImport(t *testing.T) {
	e := newEnv(t)

	// No data yet.
	rec := e.do(t, "POST", "/api/v1/model/train", map[string]interface{}{"locations": []string{"main"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// No model yet.
	rec = e.do(t, "GET", "/api/v1/model", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Feed data, train, export, import.
	for i := 0; i < 50; i++ {
		rec = e.do(t, "POST", "/api/v1/samples", core.RawSample{
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Pressure:  50 + 0.3*float64(i%4), Flow: 10, ValveState: core.ValveOpen, Location: "main",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	require.NoError(t, e.p.Shutdown(context.Background()))

	rec = e.do(t, "POST", "/api/v1/model/train", map[string]interface{}{"locations": []string{"main"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/api/v1/model", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	blob := rec.Body.Bytes()

	rec = e.do(t, "PUT", "/api/v1/model", json.RawMessage(blob))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Training is audited.
	assert.NotEmpty(t, e.audit.Entries(audit.Query{Kind: audit.KindModelTrained}))
	assert.NotEmpty(t, e.audit.Entries(audit.Query{Kind: audit.KindModelLoaded}))
}

func TestHistoryAndValveState(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, "POST", "/api/v1/samples", core.RawSample{
		Timestamp: t0, Pressure: 50, Flow: 10, ValveState: core.ValveOpen, Location: "main",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, e.p.Shutdown(context.Background()))

	rec = e.do(t, "GET", "/api/v1/samples?location=main", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []core.RawSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	assert.Len(t, samples, 1)

	rec = e.do(t, "GET", "/api/v1/detections?location=main", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detections []core.DetectionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detections))
	assert.Len(t, detections, 1)

	rec = e.do(t, "GET", "/api/v1/samples", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Untouched valve on a healthy actuator reports OPEN.
	rec = e.do(t, "GET", "/api/v1/valves/main", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "OPEN")
}

func TestHealth(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, "GET", "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status["status"])
	assert.Equal(t, false, status["model_trained"])
}
