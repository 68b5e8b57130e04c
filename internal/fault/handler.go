// Package fault centralizes error handling for the appliance:
// severity-ranked logging, per-component health tracking, a bounded
// deduplicated error history, pluggable recovery strategies and a
// retry helper for transient failures.
package fault

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Severity ranks how bad an error is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity name used in logs and API responses.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ComponentStatus describes a component's tracked health.
type ComponentStatus int

const (
	StatusHealthy ComponentStatus = iota
	StatusDegraded
	StatusFailed
	StatusRecovering
)

// String returns the status name used in logs and API responses.
func (s ComponentStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	case StatusRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Record is one handled error. Kind is derived from the error's Go
// type and keys recovery strategies; Count grows when the same error
// repeats inside the dedup window.
type Record struct {
	Time              time.Time `json:"time"`
	Component         string    `json:"component"`
	Kind              string    `json:"kind"`
	Message           string    `json:"message"`
	Severity          Severity  `json:"severity"`
	RecoveryAttempted bool      `json:"recovery_attempted"`
	RecoveryOK        bool      `json:"recovery_ok"`
	Count             int       `json:"count"`
}

// Health is a component's externally visible state.
type Health struct {
	Status           ComponentStatus `json:"status"`
	ErrorCount       int             `json:"error_count"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	LastError        time.Time       `json:"last_error"`
}

// RecoveryFunc attempts to bring a component back. True means the
// underlying condition was fixed.
type RecoveryFunc func(Record) bool

const (
	historyCap         = 1000
	dedupWindow        = 60 * time.Second
	degradeAfter       = 5 // errors on one component before it is marked degraded
	patternWarnAfter   = 5 // same component:kind repeats before a pattern warning
	defaultMaxRecovery = 3
)

type componentState struct {
	status           ComponentStatus
	errorCount       int
	recoveryAttempts int
	maxRecovery      int
	lastError        time.Time
}

// Handler is the central error sink. One instance is constructed at
// startup and handed to every component; there are no globals.
type Handler struct {
	clk clock.Clock

	mu             sync.Mutex
	history        []*Record
	components     map[string]*componentState
	recovery       map[string]RecoveryFunc
	patterns       map[string]int
	degraded       bool
	degradedReason string
}

// NewHandler creates a handler. A nil clock falls back to the wall
// clock.
func NewHandler(clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	return &Handler{
		clk:        clk,
		components: make(map[string]*componentState),
		recovery:   make(map[string]RecoveryFunc),
		patterns:   make(map[string]int),
	}
}

// RegisterComponent starts health tracking for a named component.
// maxRecovery bounds automatic recovery attempts before the component
// is left in its failed state.
func (h *Handler) RegisterComponent(name string, maxRecovery int) {
	if maxRecovery < 0 {
		maxRecovery = defaultMaxRecovery
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.components[name]; !ok {
		h.components[name] = &componentState{status: StatusHealthy, maxRecovery: maxRecovery}
	}
}

// RegisterRecovery installs a recovery strategy for an error kind.
func (h *Handler) RegisterRecovery(kind string, fn RecoveryFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recovery[kind] = fn
}

// Handle processes one error: log, update component health, record
// (deduplicating repeats), attempt recovery when a strategy matches
// and attempts remain, and track recurring patterns. Returns whether
// recovery ran and succeeded. A nil error is a no-op.
func (h *Handler) Handle(component string, err error, sev Severity) bool {
	if err == nil {
		return false
	}

	kind := errorKind(err)
	now := h.clk.Now()
	logError(component, kind, err, sev)

	h.mu.Lock()

	state, ok := h.components[component]
	if !ok {
		state = &componentState{status: StatusHealthy, maxRecovery: defaultMaxRecovery}
		h.components[component] = state
	}
	state.errorCount++
	state.lastError = now
	switch {
	case sev == SeverityCritical:
		state.status = StatusFailed
	case sev == SeverityHigh || state.errorCount > degradeAfter:
		if state.status == StatusHealthy {
			state.status = StatusDegraded
		}
	}

	rec := h.recordLocked(component, kind, err.Error(), sev, now)

	patternKey := component + ":" + kind
	h.patterns[patternKey]++
	if h.patterns[patternKey] == patternWarnAfter+1 {
		log.Printf("Recurring fault pattern %s: more than %d occurrences", patternKey, patternWarnAfter)
	}

	fn, hasStrategy := h.recovery[kind]
	canRecover := hasStrategy && state.recoveryAttempts < state.maxRecovery
	if canRecover {
		state.recoveryAttempts++
		state.status = StatusRecovering
	}
	snapshot := *rec
	h.mu.Unlock()

	if !canRecover {
		return false
	}

	recovered := fn(snapshot)

	h.mu.Lock()
	rec.RecoveryAttempted = true
	rec.RecoveryOK = recovered
	if recovered {
		state.status = StatusHealthy
		state.recoveryAttempts = 0
	} else if state.status == StatusRecovering {
		state.status = StatusDegraded
	}
	h.mu.Unlock()

	if recovered {
		log.Printf("Component %s recovered from %s", component, kind)
	}
	return recovered
}

// recordLocked appends to history, collapsing a repeat of the newest
// entry within the dedup window into a count bump (the timestamp is
// refreshed so repeats stay visible to ErrorRate).
func (h *Handler) recordLocked(component, kind, msg string, sev Severity, now time.Time) *Record {
	if n := len(h.history); n > 0 {
		last := h.history[n-1]
		if last.Component == component && last.Kind == kind && last.Message == msg &&
			now.Sub(last.Time) < dedupWindow {
			last.Count++
			last.Time = now
			return last
		}
	}

	rec := &Record{Time: now, Component: component, Kind: kind, Message: msg, Severity: sev, Count: 1}
	h.history = append(h.history, rec)
	if len(h.history) > historyCap {
		h.history = h.history[len(h.history)-historyCap:]
	}
	return rec
}

// ComponentHealth returns the tracked state of a component.
func (h *Handler) ComponentHealth(name string) (Health, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.components[name]
	if !ok {
		return Health{}, false
	}
	return Health{
		Status:           state.status,
		ErrorCount:       state.errorCount,
		RecoveryAttempts: state.recoveryAttempts,
		LastError:        state.lastError,
	}, true
}

// SetComponentStatus overrides a component's status, for health checks
// that detect failure out of band.
func (h *Handler) SetComponentStatus(name string, status ComponentStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.components[name]
	if !ok {
		state = &componentState{maxRecovery: defaultMaxRecovery}
		h.components[name] = state
	}
	state.status = status
}

// Summary aggregates recent history for the status surface.
type Summary struct {
	Total          int               `json:"total"`
	ByComponent    map[string]int    `json:"by_component"`
	ByKind         map[string]int    `json:"by_kind"`
	BySeverity     map[string]int    `json:"by_severity"`
	Components     map[string]Health `json:"components"`
	Degraded       bool              `json:"degraded"`
	DegradedReason string            `json:"degraded_reason,omitempty"`
}

// Summary tallies errors handled inside the window, including
// deduplicated repeats, plus every component's health.
func (h *Handler) Summary(window time.Duration) Summary {
	cutoff := h.clk.Now().Add(-window)

	h.mu.Lock()
	defer h.mu.Unlock()

	s := Summary{
		ByComponent:    make(map[string]int),
		ByKind:         make(map[string]int),
		BySeverity:     make(map[string]int),
		Components:     make(map[string]Health),
		Degraded:       h.degraded,
		DegradedReason: h.degradedReason,
	}
	for _, r := range h.history {
		if window > 0 && !r.Time.After(cutoff) {
			continue
		}
		s.Total += r.Count
		s.ByComponent[r.Component] += r.Count
		s.ByKind[r.Kind] += r.Count
		s.BySeverity[r.Severity.String()] += r.Count
	}
	for name, state := range h.components {
		s.Components[name] = Health{
			Status:           state.status,
			ErrorCount:       state.errorCount,
			RecoveryAttempts: state.recoveryAttempts,
			LastError:        state.lastError,
		}
	}
	return s
}

// ErrorRate returns errors per minute over the window, counting
// deduplicated repeats.
func (h *Handler) ErrorRate(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	cutoff := h.clk.Now().Add(-window)

	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, r := range h.history {
		if r.Time.After(cutoff) {
			total += r.Count
		}
	}
	return float64(total) / window.Minutes()
}

// History returns up to n of the newest records, newest first.
func (h *Handler) History(n int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	out := make([]Record, 0, n)
	for i := len(h.history) - 1; i >= len(h.history)-n; i-- {
		out = append(out, *h.history[i])
	}
	return out
}

// TriggerDegradation puts the whole system into degraded mode.
func (h *Handler) TriggerDegradation(reason string) {
	h.mu.Lock()
	changed := !h.degraded
	h.degraded = true
	h.degradedReason = reason
	h.mu.Unlock()

	if changed {
		log.Printf("System degraded: %s", reason)
	}
}

// Recover clears system-wide degradation.
func (h *Handler) Recover() {
	h.mu.Lock()
	changed := h.degraded
	h.degraded = false
	h.degradedReason = ""
	h.mu.Unlock()

	if changed {
		log.Println("System degradation cleared")
	}
}

// Degraded reports the system-wide degradation flag.
func (h *Handler) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

func logError(component, kind string, err error, sev Severity) {
	switch sev {
	case SeverityCritical:
		log.Printf("CRITICAL [%s] %s: %v", component, kind, err)
	case SeverityHigh:
		log.Printf("ERROR [%s] %s: %v", component, kind, err)
	case SeverityMedium:
		log.Printf("WARN [%s] %s: %v", component, kind, err)
	default:
		log.Printf("INFO [%s] %s: %v", component, kind, err)
	}
}

// errorKind derives the recovery-strategy key from the error's dynamic
// type. Plain errors.New and fmt.Errorf values collapse to "error";
// named error types keep their bare type name.
func errorKind(err error) string {
	t := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if t == "errors.errorString" || t == "fmt.wrapError" || t == "errors.joinError" {
		return "error"
	}
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	return t
}
