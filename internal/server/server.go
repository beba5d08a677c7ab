// Package server wires the inspector's components together and runs the
// HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/purpleroc/mcp-security-inspector/internal/api"
	"github.com/purpleroc/mcp-security-inspector/internal/config"
	"github.com/purpleroc/mcp-security-inspector/internal/events"
	"github.com/purpleroc/mcp-security-inspector/internal/llm"
	"github.com/purpleroc/mcp-security-inspector/internal/mcp"
	"github.com/purpleroc/mcp-security-inspector/internal/metrics"
	"github.com/purpleroc/mcp-security-inspector/internal/monitor"
	"github.com/purpleroc/mcp-security-inspector/internal/rules"
	"github.com/purpleroc/mcp-security-inspector/internal/scan"
	"github.com/purpleroc/mcp-security-inspector/internal/store/jsonl"
	"github.com/purpleroc/mcp-security-inspector/internal/store/sqlite"
	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

type Server struct {
	cfg *config.Config
	log *slog.Logger

	// baseCtx lives from New to Close and bounds subscriptions opened
	// through the API, such as the monitor's live-call watch.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	httpServer *http.Server
	httpLn     net.Listener

	db      *sqlite.Store
	scanLog *jsonl.Store
	engine  *rules.Engine
	watcher *rules.Watcher
	broker  *events.Broker
	monitor *monitor.Monitor
	scanner *scan.Orchestrator
	mcpConn mcp.Client
}

func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	log := newLogger(cfg.Logging)

	db, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	var scanLog *jsonl.Store
	if cfg.Storage.ScanLogPath != "" {
		scanLog, err = jsonl.New(cfg.Storage.ScanLogPath, 0, 0)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	engine, err := rules.NewEngine(context.Background(), db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	broker := events.NewBroker()
	collector := metrics.New()

	mcpClient, err := buildMCPClient(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if llmClient != nil {
		llmClient = &meteredLLM{inner: llmClient, metrics: collector}
	}

	monOpts := []monitor.Option{monitor.WithBufferSize(cfg.Monitor.BufferSize)}
	if mcpClient != nil {
		monOpts = append(monOpts, monitor.WithSource(mcpClient))
	}
	mon := monitor.NewMonitor(engine, broker, log, monOpts...)
	// Listeners only fire for matched calls; the inspected count comes
	// from the monitor's own stats via the metrics handler.
	mon.AddListener(func(res types.PassiveDetectionResult) {
		if res.RiskLevel.Rank() > 0 {
			collector.IncFinding(string(res.RiskLevel))
		}
	})

	scanner := scan.NewOrchestrator(mcpClient, llmClient, engine, broker, scanLogAppender(scanLog), log)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		log:        log,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		db:         db,
		scanLog:    scanLog,
		engine:     engine,
		broker:     broker,
		monitor:    mon,
		scanner:    scanner,
		mcpConn:    mcpClient,
	}

	if cfg.Rules.Watch && cfg.Rules.CustomRulesFile != "" {
		w, err := rules.NewWatcher(context.Background(), engine, cfg.Rules.CustomRulesFile, log)
		if err != nil {
			log.Warn("rules watcher unavailable", "error", err)
		} else {
			s.watcher = w
		}
	}

	app := api.NewApp(baseCtx, cfg, engine, mon, scanner, db, broker, collector, log)
	s.httpServer = &http.Server{
		Handler:      app.Router(),
		ReadTimeout:  config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second),
	}
	return s, nil
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.httpLn = ln

	if s.cfg.Monitor.Enabled {
		if err := s.monitor.Enable(s.baseCtx); err != nil {
			s.log.Warn("passive monitor not enabled", "error", err)
		}
	}

	errc := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	s.log.Info("inspector listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutCtx)
		return <-errc
	case err := <-errc:
		return err
	}
}

func (s *Server) Close() {
	s.baseCancel()
	s.monitor.Disable()
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.mcpConn != nil {
		_ = s.mcpConn.Close()
	}
	if s.scanLog != nil {
		_ = s.scanLog.Close()
	}
	_ = s.db.Close()
}

// Addr returns the bound listen address, valid once Run has started.
func (s *Server) Addr() string {
	if s.httpLn == nil {
		return s.cfg.Server.Addr
	}
	return s.httpLn.Addr().String()
}

func buildMCPClient(cfg *config.Config) (mcp.Client, error) {
	if len(cfg.Targets) == 0 {
		return nil, nil
	}
	// The inspector points at one server at a time; the first configured
	// target wins.
	t := cfg.Targets[0]
	return mcp.NewHTTPClient(mcp.Options{
		Endpoint:       t.URL,
		EventsEndpoint: t.EventsURL,
		Auth:           t.Auth,
		TLSFingerprint: t.TLSFingerprint,
	})
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	if cfg.LLM.Provider == "" || cfg.LLM.APIKey == "" {
		return nil, nil
	}
	return llm.NewHTTPClient(llm.Options{
		Dialect: llm.Dialect(cfg.LLM.Provider),
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: config.ParseDuration(cfg.LLM.Timeout, 60*time.Second),
	})
}

// meteredLLM counts model API calls and failures around the real client.
type meteredLLM struct {
	inner   llm.Client
	metrics *metrics.Collector
}

func (m *meteredLLM) GenerateTestCases(ctx context.Context, target llm.TargetDescription, max int) ([]llm.TestCase, error) {
	cases, err := m.inner.GenerateTestCases(ctx, target, max)
	m.metrics.IncLLMRequest(err != nil)
	return cases, err
}

func (m *meteredLLM) AssessRisk(ctx context.Context, target string, params json.RawMessage, result string) (types.RiskAssessment, error) {
	a, err := m.inner.AssessRisk(ctx, target, params, result)
	m.metrics.IncLLMRequest(err != nil)
	return a, err
}

func (m *meteredLLM) Summarize(ctx context.Context, report *types.SecurityReport) (string, error) {
	text, err := m.inner.Summarize(ctx, report)
	m.metrics.IncLLMRequest(err != nil)
	return text, err
}

// scanLogAppender adapts an optional jsonl store to the orchestrator's
// appender without handing it a typed nil.
func scanLogAppender(s *jsonl.Store) scan.LogAppender {
	if s == nil {
		return nil
	}
	return s
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
