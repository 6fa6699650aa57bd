package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
	"github.com/vaultline/riskwatch/internal/sched"
)

// dbProbeTimeout bounds the health endpoint's reachability check.
const dbProbeTimeout = 2 * time.Second

// pendingProbeLimit caps the pending-alert count in the health readout.
const pendingProbeLimit = 500

// defaultAlertWindow is the trailing window for /alerts/active.
const defaultAlertWindow = 24 * time.Hour

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DatabaseHealth reports store reachability.
type DatabaseHealth struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status        string                `json:"status"`
	Timestamp     time.Time             `json:"timestamp"`
	Database      DatabaseHealth        `json:"database"`
	Breakers      []httpx.BreakerStatus `json:"breakers,omitempty"`
	Scheduler     []sched.Entry         `json:"scheduler,omitempty"`
	PendingAlerts int                   `json:"pending_alerts"`
	StreamClients int                   `json:"stream_clients"`
}

type assetListResponse struct {
	Count     int                 `json:"count"`
	Assets    []persistence.Asset `json:"assets"`
	Timestamp time.Time           `json:"timestamp"`
}

type latestMetricsResponse struct {
	Asset     string                              `json:"asset"`
	Count     int                                 `json:"count"`
	Metrics   map[string]persistence.MetricSample `json:"metrics"`
	Timestamp time.Time                           `json:"timestamp"`
}

type metricSeriesResponse struct {
	Asset   string                     `json:"asset"`
	Metric  string                     `json:"metric"`
	From    time.Time                  `json:"from"`
	To      time.Time                  `json:"to"`
	Count   int                        `json:"count"`
	Samples []persistence.MetricSample `json:"samples"`
}

type activeAlertsResponse struct {
	Count     int                 `json:"count"`
	Window    string              `json:"window"`
	Alerts    []persistence.Alert `json:"alerts"`
	Timestamp time.Time           `json:"timestamp"`
}

// Handlers implements the monitor API endpoints.
type Handlers struct {
	registry persistence.RegistryRepo
	metrics  persistence.MetricsRepo
	alerts   persistence.AlertsRepo
	scorer   Scorer
	health   persistence.RepositoryHealth
	sched    EntryLister
	breakers func() []httpx.BreakerStatus
	hub      *Hub
}

// NewHandlers wires the endpoint handlers.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		registry: deps.Registry,
		metrics:  deps.Metrics,
		alerts:   deps.Alerts,
		scorer:   deps.Scorer,
		health:   deps.Health,
		sched:    deps.Scheduler,
		breakers: deps.Breakers,
		hub:      deps.Hub,
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"the requested endpoint does not exist")
}

// Health handles GET /health. Degraded state reports 503 so load
// balancers and uptime probes see it without parsing the body.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()}

	ctx, cancel := context.WithTimeout(r.Context(), dbProbeTimeout)
	defer cancel()

	if h.health != nil {
		if err := h.health.Ping(ctx); err != nil {
			resp.Database = DatabaseHealth{Reachable: false, Error: err.Error()}
			resp.Status = "degraded"
		} else {
			resp.Database.Reachable = true
		}
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers()
		for _, b := range resp.Breakers {
			if b.State == "open" {
				resp.Status = "degraded"
				break
			}
		}
	}
	if h.sched != nil {
		resp.Scheduler = h.sched.Entries()
	}
	if h.alerts != nil {
		if pending, err := h.alerts.ListPending(ctx, pendingProbeLimit); err == nil {
			resp.PendingAlerts = len(pending)
		}
	}
	if h.hub != nil {
		resp.StreamClients = h.hub.ClientCount()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// Assets handles GET /assets.
func (h *Handlers) Assets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.registry.List(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "storage_unavailable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, assetListResponse{
		Count:     len(assets),
		Assets:    assets,
		Timestamp: time.Now().UTC(),
	})
}

// Asset handles GET /assets/{symbol}.
func (h *Handlers) Asset(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.lookupAsset(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, asset)
}

// AssetScore handles GET /assets/{symbol}/score with an optional
// ?cutoff=RFC3339 historical evaluation point.
func (h *Handlers) AssetScore(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.lookupAsset(w, r)
	if !ok {
		return
	}

	var cutoff time.Time
	if raw := r.URL.Query().Get("cutoff"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_cutoff",
				"cutoff must be RFC3339, e.g. 2025-06-12T00:00:00Z")
			return
		}
		cutoff = t
	}

	result, err := h.scorer.Score(r.Context(), asset, cutoff)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "scoring_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// AssetMetrics handles GET /assets/{symbol}/metrics. Without parameters
// it returns the latest sample per metric; with ?metric=NAME (and an
// optional ?window=24h) it returns that metric's recent series.
func (h *Handlers) AssetMetrics(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.lookupAsset(w, r)
	if !ok {
		return
	}

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		latest, err := h.metrics.LatestAll(r.Context(), asset.Symbol)
		if err != nil {
			h.writeError(w, r, http.StatusInternalServerError, "storage_unavailable", err.Error())
			return
		}
		h.writeJSON(w, http.StatusOK, latestMetricsResponse{
			Asset:     asset.Symbol,
			Count:     len(latest),
			Metrics:   latest,
			Timestamp: time.Now().UTC(),
		})
		return
	}

	window := defaultAlertWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_window",
				"window must be a positive duration, e.g. 24h")
			return
		}
		window = d
	}

	to := time.Now().UTC()
	from := to.Add(-window)
	samples, err := h.metrics.Range(r.Context(), asset.Symbol, metric, persistence.TimeRange{From: from, To: to})
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "storage_unavailable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, metricSeriesResponse{
		Asset:   asset.Symbol,
		Metric:  metric,
		From:    from,
		To:      to,
		Count:   len(samples),
		Samples: samples,
	})
}

// ActiveAlerts handles GET /alerts/active with optional ?window=24h and
// ?severity=critical filters.
func (h *Handlers) ActiveAlerts(w http.ResponseWriter, r *http.Request) {
	window := defaultAlertWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_window",
				"window must be a positive duration, e.g. 24h")
			return
		}
		window = d
	}

	var severity domain.Severity
	if raw := r.URL.Query().Get("severity"); raw != "" {
		severity = domain.Severity(raw)
		if !severity.Valid() {
			h.writeError(w, r, http.StatusBadRequest, "invalid_severity",
				"severity must be one of info, warning, critical")
			return
		}
	}

	alerts, err := h.alerts.Active(r.Context(), window)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "storage_unavailable", err.Error())
		return
	}
	if severity != "" {
		filtered := alerts[:0]
		for _, a := range alerts {
			if a.Severity == severity {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}

	h.writeJSON(w, http.StatusOK, activeAlertsResponse{
		Count:     len(alerts),
		Window:    window.String(),
		Alerts:    alerts,
		Timestamp: time.Now().UTC(),
	})
}

// lookupAsset resolves {symbol} or writes the 404/500 itself.
func (h *Handlers) lookupAsset(w http.ResponseWriter, r *http.Request) (*persistence.Asset, bool) {
	symbol := mux.Vars(r)["symbol"]
	asset, err := h.registry.Get(r.Context(), symbol)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "storage_unavailable", err.Error())
		return nil, false
	}
	if asset == nil {
		h.writeError(w, r, http.StatusNotFound, "asset_not_found",
			"no registered asset with symbol "+symbol)
		return nil, false
	}
	return asset, true
}
