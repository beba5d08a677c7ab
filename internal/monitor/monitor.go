// Package monitor implements passive detection: every live MCP call is fed
// through the rule engine and matching calls are kept in a bounded rolling
// buffer and fanned out to listeners.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/purpleroc/mcp-security-inspector/internal/events"
	"github.com/purpleroc/mcp-security-inspector/internal/rules"
	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// DefaultBufferSize is the rolling result window. Oldest results are
// evicted once the window is full.
const DefaultBufferSize = 500

// CallSource delivers live call events, e.g. the MCP client's watch stream.
type CallSource interface {
	Watch(ctx context.Context) (<-chan types.CallEvent, error)
}

// Listener receives each new passive detection result. A panicking listener
// is recovered and never blocks delivery to the remaining listeners.
type Listener func(types.PassiveDetectionResult)

// Monitor applies the rule engine to live traffic. Enabling/disabling is
// independent of any active scan.
type Monitor struct {
	engine *rules.Engine
	broker *events.Broker
	source CallSource
	log    *slog.Logger

	mu         sync.Mutex
	enabled    bool
	cancel     context.CancelFunc
	bufSize    int
	results    []types.PassiveDetectionResult // newest first
	listeners  map[uint64]Listener
	nextHandle uint64

	inspected uint64
	matched   uint64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBufferSize overrides the rolling window size.
func WithBufferSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.bufSize = n
		}
	}
}

// WithSource attaches a live call source consumed while the monitor is
// enabled.
func WithSource(src CallSource) Option {
	return func(m *Monitor) { m.source = src }
}

func NewMonitor(engine *rules.Engine, broker *events.Broker, log *slog.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		engine:    engine,
		broker:    broker,
		log:       log,
		bufSize:   DefaultBufferSize,
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enable turns passive monitoring on and, when a source is attached,
// subscribes to its live call stream. Idempotent.
func (m *Monitor) Enable(ctx context.Context) error {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.enabled = true
	src := m.source
	var runCtx context.Context
	if src != nil {
		runCtx, m.cancel = context.WithCancel(ctx)
	}
	m.mu.Unlock()

	if src == nil {
		return nil
	}
	ch, err := src.Watch(runCtx)
	if err != nil {
		m.Disable()
		return err
	}
	go func() {
		for ev := range ch {
			m.HandleCall(ev)
		}
	}()
	return nil
}

// Disable turns passive monitoring off. The buffer and listeners are kept.
func (m *Monitor) Disable() {
	m.mu.Lock()
	m.enabled = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Enabled reports whether the monitor is currently observing traffic.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// HandleCall runs detection on one live call, synchronously. It never
// blocks the triggering call beyond rule evaluation: it observes the call's
// result, it does not gate it.
func (m *Monitor) HandleCall(ev types.CallEvent) {
	m.mu.Lock()
	enabled := m.enabled
	m.mu.Unlock()
	if !enabled {
		return
	}

	det := m.engine.ApplyRules(ev)

	m.mu.Lock()
	m.inspected++
	m.mu.Unlock()

	if len(det.Threats) == 0 {
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	result := types.PassiveDetectionResult{
		ID:                 uuid.NewString(),
		Timestamp:          ts,
		Type:               ev.Type,
		TargetName:         ev.TargetName,
		RiskLevel:          det.RiskLevel,
		Threats:            det.Threats,
		SensitiveDataLeaks: det.SensitiveDataLeaks,
	}

	m.mu.Lock()
	m.matched++
	// Newest first; evict the oldest when the window is full.
	m.results = append([]types.PassiveDetectionResult{result}, m.results...)
	if len(m.results) > m.bufSize {
		m.results = m.results[:m.bufSize]
	}
	handles := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		handles = append(handles, l)
	}
	m.mu.Unlock()

	if m.broker != nil {
		m.broker.Publish(events.Event{Topic: events.TopicPassiveResult, Payload: result})
	}
	for _, l := range handles {
		m.notify(l, result)
	}
}

// notify invokes one listener, isolating panics so a broken listener can
// never throw back into the call pipeline.
func (m *Monitor) notify(l Listener, res types.PassiveDetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("passive listener panicked", "panic", r)
		}
	}()
	l(res)
}

// AddListener registers a listener and returns a stable handle for removal.
func (m *Monitor) AddListener(l Listener) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandle++
	m.listeners[m.nextHandle] = l
	return m.nextHandle
}

// RemoveListener deregisters a listener. Idempotent.
func (m *Monitor) RemoveListener(handle uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, handle)
}

// Results returns a copy of the rolling buffer, newest first.
func (m *Monitor) Results() []types.PassiveDetectionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PassiveDetectionResult, len(m.results))
	copy(out, m.results)
	return out
}

// ClearResults empties the buffer. Listeners and the enabled flag are
// unaffected.
func (m *Monitor) ClearResults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = nil
}

// Stats reports how many calls were inspected and how many matched.
func (m *Monitor) Stats() (inspected, matched uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inspected, m.matched
}
