// Package metrics records per-tool execution counters and derives the
// health_check view. The bridge loop is single-threaded; the mutex exists
// solely so the read-only observability API can take snapshots safely.
package metrics

import (
	"sync"
	"time"
)

// errorRingCapacity bounds the recent-error log per tool.
const errorRingCapacity = 100

// degradedErrorRate is the aggregate error rate above which the overall
// status flips to degraded.
const degradedErrorRate = 0.1

// ErrorRecord is one entry of a tool's recent-error ring buffer.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type toolStats struct {
	calls         int64
	successes     int64
	errors        int64
	totalDuration time.Duration
	lastExecution time.Time
	recentErrors  []ErrorRecord
}

// Registry accumulates per-tool metrics for the process lifetime.
type Registry struct {
	mu    sync.Mutex
	tools map[string]*toolStats
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*toolStats)}
}

// Record notes one execution. Counters only ever grow; the ring buffer evicts
// its oldest record once capacity is reached.
func (r *Registry) Record(tool string, duration time.Duration, success bool, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.tools[tool]
	if !ok {
		s = &toolStats{}
		r.tools[tool] = s
	}

	s.calls++
	s.totalDuration += duration
	s.lastExecution = time.Now()

	if success {
		s.successes++
		return
	}

	s.errors++
	if errMsg != "" {
		if len(errMsg) > 500 {
			errMsg = errMsg[:500]
		}
		s.recentErrors = append(s.recentErrors, ErrorRecord{
			Timestamp: time.Now(),
			Message:   errMsg,
		})
		if len(s.recentErrors) > errorRingCapacity {
			s.recentErrors = s.recentErrors[1:]
		}
	}
}

// ToolSnapshot is the per-tool view of a snapshot.
type ToolSnapshot struct {
	Calls         int64         `json:"calls"`
	Successes     int64         `json:"successes"`
	Errors        int64         `json:"errors"`
	SuccessRate   float64       `json:"success_rate"`
	AvgDurationMS float64       `json:"avg_duration_ms"`
	LastExecution time.Time     `json:"last_execution,omitzero"`
	RecentErrors  []ErrorRecord `json:"recent_errors,omitempty"`
}

// Snapshot returns a copy of all per-tool stats.
func (r *Registry) Snapshot() map[string]ToolSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ToolSnapshot, len(r.tools))
	for name, s := range r.tools {
		out[name] = ToolSnapshot{
			Calls:         s.calls,
			Successes:     s.successes,
			Errors:        s.errors,
			SuccessRate:   rate(s.successes, s.calls),
			AvgDurationMS: avgMillis(s.totalDuration, s.calls),
			LastExecution: s.lastExecution,
			RecentErrors:  append([]ErrorRecord(nil), s.recentErrors...),
		}
	}
	return out
}

// HealthView is the health_check response payload.
type HealthView struct {
	Status      string                `json:"status"`
	TotalCalls  int64                 `json:"total_calls"`
	TotalErrors int64                 `json:"total_errors"`
	ErrorRate   float64               `json:"error_rate"`
	Tools       map[string]ToolHealth `json:"tools"`
}

// ToolHealth is the per-tool portion of the health view.
type ToolHealth struct {
	Calls         int64   `json:"calls"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Health derives the current health view. Status is degraded when the
// aggregate error rate exceeds the threshold.
func (r *Registry) Health() HealthView {
	r.mu.Lock()
	defer r.mu.Unlock()

	var totalCalls, totalErrors int64
	tools := make(map[string]ToolHealth, len(r.tools))

	for name, s := range r.tools {
		totalCalls += s.calls
		totalErrors += s.errors
		tools[name] = ToolHealth{
			Calls:         s.calls,
			SuccessRate:   rate(s.successes, s.calls),
			AvgDurationMS: avgMillis(s.totalDuration, s.calls),
		}
	}

	errorRate := rate(totalErrors, totalCalls)
	status := "healthy"
	if errorRate > degradedErrorRate {
		status = "degraded"
	}

	return HealthView{
		Status:      status,
		TotalCalls:  totalCalls,
		TotalErrors: totalErrors,
		ErrorRate:   errorRate,
		Tools:       tools,
	}
}

func rate(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

func avgMillis(total time.Duration, calls int64) float64 {
	if calls == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(calls)
}
