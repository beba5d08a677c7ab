package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/purpleroc/mcp-security-inspector/internal/report"
	"github.com/purpleroc/mcp-security-inspector/internal/scan"
	"github.com/purpleroc/mcp-security-inspector/internal/store"
	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// startScan kicks off a comprehensive scan in the background and returns
// immediately. Results land in the report store; progress is observable on
// the websocket stream and via /scan/status.
func (a *App) startScan(w http.ResponseWriter, r *http.Request) {
	cfg := a.cfg.Security
	// Per-request overrides of the configured scan profile.
	var req struct {
		MaxTestCases      *int  `json:"maxTestCases,omitempty"`
		AutoGenerate      *bool `json:"autoGenerate,omitempty"`
		EnableLLMAnalysis *bool `json:"enableLlmAnalysis,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		if req.MaxTestCases != nil {
			cfg.MaxTestCases = *req.MaxTestCases
		}
		if req.AutoGenerate != nil {
			cfg.AutoGenerate = *req.AutoGenerate
		}
		if req.EnableLLMAnalysis != nil {
			cfg.EnableLLMAnalysis = *req.EnableLLMAnalysis
		}
	}

	// The scan slot is claimed before we reply, so a concurrent start is
	// answered 409 instead of a 202 that never scans.
	err := a.scanner.StartBackground(context.Background(), cfg, func(rep *types.SecurityReport, _ error) {
		if rep == nil {
			return
		}
		a.metrics.IncScanFinished(string(rep.Status))
		if serr := a.reports.SaveReport(context.Background(), rep); serr != nil {
			a.log.Error("save report", "report", rep.ID, "error", serr)
		}
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, scan.ErrScanInProgress) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	a.metrics.IncScanStarted()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
}

func (a *App) cancelScan(w http.ResponseWriter, r *http.Request) {
	a.scanner.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling"})
}

func (a *App) scanStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    a.scanner.State(),
		"progress": a.scanner.Progress(),
	})
}

func (a *App) listReports(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	metas, err := a.reports.ListReports(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (a *App) latestReport(w http.ResponseWriter, r *http.Request) {
	rep, err := a.reports.LatestReport(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no reports"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *App) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := a.reports.Report(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "report not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *App) deleteReport(w http.ResponseWriter, r *http.Request) {
	err := a.reports.DeleteReport(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "report not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) reportMarkdown(w http.ResponseWriter, r *http.Request) {
	var (
		rep *types.SecurityReport
		err error
	)
	if id := chi.URLParam(r, "id"); id == "latest" {
		rep, err = a.reports.LatestReport(r.Context())
	} else {
		rep, err = a.reports.Report(r.Context(), id)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "report not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(report.Markdown(rep)))
}

// overview merges the latest scan report with the passive monitor's
// buffer. It is computed fresh on every request.
func (a *App) overview(w http.ResponseWriter, r *http.Request) {
	rep, err := a.reports.LatestReport(r.Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report.Aggregate(rep, a.monitor.Results()))
}
