package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	findingsByRisk sync.Map // string -> *atomic.Uint64

	scansStarted   atomic.Uint64
	scansCompleted atomic.Uint64
	scansFailed    atomic.Uint64
	scansCancelled atomic.Uint64

	llmRequests atomic.Uint64
	llmFailures atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncFinding counts one passive finding at the given risk level.
func (c *Collector) IncFinding(riskLevel string) {
	if c == nil {
		return
	}
	if riskLevel == "" {
		riskLevel = "unknown"
	}
	ptr, _ := c.findingsByRisk.LoadOrStore(riskLevel, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncScanStarted() {
	if c == nil {
		return
	}
	c.scansStarted.Add(1)
}

// IncScanFinished counts a terminal scan status.
func (c *Collector) IncScanFinished(status string) {
	if c == nil {
		return
	}
	switch status {
	case "failed":
		c.scansFailed.Add(1)
	case "cancelled":
		c.scansCancelled.Add(1)
	default:
		c.scansCompleted.Add(1)
	}
}

func (c *Collector) IncLLMRequest(failed bool) {
	if c == nil {
		return
	}
	c.llmRequests.Add(1)
	if failed {
		c.llmFailures.Add(1)
	}
}

// HandlerOptions sources live values owned by other components. The
// monitor already counts what it inspects, so the handler reads that
// count instead of keeping a parallel one.
type HandlerOptions struct {
	MonitorEnabled func() bool
	BufferedCalls  func() int
	CallsInspected func() uint64
	StreamDropped  func() int64
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP mcpinspector_up Whether the inspector server is running.\n")
		fmt.Fprint(w, "# TYPE mcpinspector_up gauge\n")
		fmt.Fprint(w, "mcpinspector_up 1\n")

		if opts.CallsInspected != nil {
			fmt.Fprint(w, "# HELP mcpinspector_calls_inspected_total Capability calls run through the rule engine.\n")
			fmt.Fprint(w, "# TYPE mcpinspector_calls_inspected_total counter\n")
			fmt.Fprintf(w, "mcpinspector_calls_inspected_total %d\n", opts.CallsInspected())
		}

		fmt.Fprint(w, "# HELP mcpinspector_scans_started_total Active scans started.\n")
		fmt.Fprint(w, "# TYPE mcpinspector_scans_started_total counter\n")
		fmt.Fprintf(w, "mcpinspector_scans_started_total %d\n", c.scansStarted.Load())

		fmt.Fprint(w, "# HELP mcpinspector_scans_finished_total Scans reaching a terminal state, by outcome.\n")
		fmt.Fprint(w, "# TYPE mcpinspector_scans_finished_total counter\n")
		fmt.Fprintf(w, "mcpinspector_scans_finished_total{status=\"completed\"} %d\n", c.scansCompleted.Load())
		fmt.Fprintf(w, "mcpinspector_scans_finished_total{status=\"failed\"} %d\n", c.scansFailed.Load())
		fmt.Fprintf(w, "mcpinspector_scans_finished_total{status=\"cancelled\"} %d\n", c.scansCancelled.Load())

		fmt.Fprint(w, "# HELP mcpinspector_llm_requests_total Model API calls issued.\n")
		fmt.Fprint(w, "# TYPE mcpinspector_llm_requests_total counter\n")
		fmt.Fprintf(w, "mcpinspector_llm_requests_total %d\n", c.llmRequests.Load())

		fmt.Fprint(w, "# HELP mcpinspector_llm_failures_total Model API calls that returned an error.\n")
		fmt.Fprint(w, "# TYPE mcpinspector_llm_failures_total counter\n")
		fmt.Fprintf(w, "mcpinspector_llm_failures_total %d\n", c.llmFailures.Load())

		if opts.StreamDropped != nil {
			fmt.Fprint(w, "# HELP mcpinspector_stream_dropped_total Events dropped by slow stream subscribers.\n")
			fmt.Fprint(w, "# TYPE mcpinspector_stream_dropped_total counter\n")
			fmt.Fprintf(w, "mcpinspector_stream_dropped_total %d\n", opts.StreamDropped())
		}

		levels := snapshotKeys(&c.findingsByRisk)
		if len(levels) > 0 {
			fmt.Fprint(w, "# HELP mcpinspector_findings_total Passive findings by risk level.\n")
			fmt.Fprint(w, "# TYPE mcpinspector_findings_total counter\n")
			for _, lvl := range levels {
				ptr, _ := c.findingsByRisk.Load(lvl)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "mcpinspector_findings_total{risk=%q} %d\n", escapeLabelValue(lvl), n)
			}
		}

		if opts.MonitorEnabled != nil {
			v := 0
			if opts.MonitorEnabled() {
				v = 1
			}
			fmt.Fprint(w, "# HELP mcpinspector_monitor_enabled Whether passive monitoring is on.\n")
			fmt.Fprint(w, "# TYPE mcpinspector_monitor_enabled gauge\n")
			fmt.Fprintf(w, "mcpinspector_monitor_enabled %d\n", v)
		}
		if opts.BufferedCalls != nil {
			fmt.Fprint(w, "# HELP mcpinspector_monitor_buffered_results Results held in the rolling buffer.\n")
			fmt.Fprint(w, "# TYPE mcpinspector_monitor_buffered_results gauge\n")
			fmt.Fprintf(w, "mcpinspector_monitor_buffered_results %d\n", opts.BufferedCalls())
		}
	})
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
