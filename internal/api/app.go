// Package api exposes the inspector over HTTP: rule management, the
// passive monitor, scan orchestration, stored reports and a websocket
// event stream.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/purpleroc/mcp-security-inspector/internal/config"
	"github.com/purpleroc/mcp-security-inspector/internal/events"
	"github.com/purpleroc/mcp-security-inspector/internal/metrics"
	"github.com/purpleroc/mcp-security-inspector/internal/monitor"
	"github.com/purpleroc/mcp-security-inspector/internal/rules"
	"github.com/purpleroc/mcp-security-inspector/internal/scan"
	"github.com/purpleroc/mcp-security-inspector/internal/store"
)

const maxImportBytes = 4 << 20

type App struct {
	// baseCtx bounds subscriptions the API opens on behalf of a caller,
	// such as the monitor's live-call watch. Request contexts are
	// cancelled when the enabling request returns, so they cannot be
	// used for anything that must outlive it.
	baseCtx context.Context
	cfg     *config.Config
	engine  *rules.Engine
	monitor *monitor.Monitor
	scanner *scan.Orchestrator
	reports store.ReportStore
	broker  *events.Broker
	metrics *metrics.Collector
	log     *slog.Logger
}

func NewApp(baseCtx context.Context, cfg *config.Config, engine *rules.Engine, mon *monitor.Monitor,
	scanner *scan.Orchestrator, reports store.ReportStore, broker *events.Broker,
	collector *metrics.Collector, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &App{
		baseCtx: baseCtx,
		cfg:     cfg,
		engine:  engine,
		monitor: mon,
		scanner: scanner,
		reports: reports,
		broker:  broker,
		metrics: collector,
		log:     log,
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	if a.cfg.Metrics.Enabled && a.metrics != nil {
		path := a.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Get(path, a.metrics.Handler(metrics.HandlerOptions{
			MonitorEnabled: a.monitor.Enabled,
			BufferedCalls:  func() int { return len(a.monitor.Results()) },
			CallsInspected: func() uint64 { inspected, _ := a.monitor.Stats(); return inspected },
			StreamDropped:  a.broker.DroppedCount,
		}).ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authMiddleware)

		r.Get("/rules", a.listRules)
		r.Post("/rules", a.createRule)
		r.Get("/rules/{id}", a.getRule)
		r.Put("/rules/{id}", a.updateRule)
		r.Delete("/rules/{id}", a.deleteRule)
		r.Post("/rules/{id}/toggle", a.toggleRule)
		r.Post("/rules/validate", a.validateRule)
		r.Get("/rules/export", a.exportRules)
		r.Post("/rules/import", a.importRules)

		r.Post("/monitor/enable", a.enableMonitor)
		r.Post("/monitor/disable", a.disableMonitor)
		r.Get("/monitor/status", a.monitorStatus)
		r.Get("/monitor/results", a.monitorResults)
		r.Delete("/monitor/results", a.clearMonitorResults)

		r.Post("/scan", a.startScan)
		r.Post("/scan/cancel", a.cancelScan)
		r.Get("/scan/status", a.scanStatus)

		r.Get("/reports", a.listReports)
		r.Get("/reports/latest", a.latestReport)
		r.Get("/reports/{id}", a.getReport)
		r.Delete("/reports/{id}", a.deleteReport)
		r.Get("/reports/{id}/markdown", a.reportMarkdown)

		r.Get("/overview", a.overview)

		r.Get("/stream", a.streamEvents)
	})

	return r
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	key := a.cfg.Server.APIKey
	if key == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if got == "" {
			// The browser websocket API cannot set headers.
			got = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) listRules(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("q"); q != "" {
		writeJSON(w, http.StatusOK, a.engine.SearchRules(q))
		return
	}
	if r.URL.Query().Get("enabled") == "true" {
		writeJSON(w, http.StatusOK, a.engine.EnabledRules())
		return
	}
	writeJSON(w, http.StatusOK, a.engine.AllRules())
}

func (a *App) createRule(w http.ResponseWriter, r *http.Request) {
	var draft rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	created, err := a.engine.AddCustomRule(r.Context(), draft)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *App) getRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.engine.Rule(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *App) updateRule(w http.ResponseWriter, r *http.Request) {
	var draft rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	updated, err := a.engine.UpdateRule(r.Context(), chi.URLParam(r, "id"), draft)
	if err != nil {
		writeJSON(w, statusForRuleErr(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *App) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.RemoveRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, statusForRuleErr(err), map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) toggleRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if err := a.engine.ToggleRule(r.Context(), chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeJSON(w, statusForRuleErr(err), map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) validateRule(w http.ResponseWriter, r *http.Request) {
	var draft rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	writeJSON(w, http.StatusOK, rules.Validate(draft))
}

func (a *App) exportRules(w http.ResponseWriter, r *http.Request) {
	filter := rules.ExportFilter(r.URL.Query().Get("filter"))
	data, err := a.engine.ExportRules(filter)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="detection-rules.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *App) importRules(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "read body"})
		return
	}
	result, err := a.engine.ImportRules(r.Context(), data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) enableMonitor(w http.ResponseWriter, r *http.Request) {
	// The live-call subscription must outlive this request, so it is
	// bound to the app's lifetime, not the request's.
	if err := a.monitor.Enable(a.baseCtx); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (a *App) disableMonitor(w http.ResponseWriter, r *http.Request) {
	a.monitor.Disable()
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

func (a *App) monitorStatus(w http.ResponseWriter, r *http.Request) {
	inspected, matched := a.monitor.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   a.monitor.Enabled(),
		"inspected": inspected,
		"matched":   matched,
		"buffered":  len(a.monitor.Results()),
	})
}

func (a *App) monitorResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.monitor.Results())
}

func (a *App) clearMonitorResults(w http.ResponseWriter, r *http.Request) {
	a.monitor.ClearResults()
	w.WriteHeader(http.StatusNoContent)
}

func statusForRuleErr(err error) int {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrBuiltinImmutable):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
