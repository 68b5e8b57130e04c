// Package health watches the appliance: threshold metrics for host
// resources, periodic component self-checks and an aggregated report
// for the API.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ayusman/countercat/internal/fault"
	"github.com/ayusman/countercat/internal/perf"
)

// Status is a health verdict: ok, warning or critical.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusCritical
)

// String returns the status name used in logs and API responses.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Checkable is anything that can report its own health; a nil error
// means healthy.
type Checkable interface {
	Healthy() error
}

// CheckFunc adapts a plain function to the Checkable interface.
type CheckFunc func() error

// Healthy implements Checkable.
func (f CheckFunc) Healthy() error { return f() }

// Metric is one watched quantity with warning and critical thresholds.
// Invert marks metrics where lower is worse, like frame rate.
type Metric struct {
	Name    string    `json:"name"`
	Unit    string    `json:"unit"`
	Value   float64   `json:"value"`
	Warn    float64   `json:"warn"`
	Crit    float64   `json:"crit"`
	Invert  bool      `json:"invert,omitempty"`
	Status  Status    `json:"status"`
	Updated time.Time `json:"updated"`
}

// Update sets the value and recomputes the status.
func (m *Metric) Update(v float64, now time.Time) {
	m.Value = v
	m.Updated = now
	if m.Invert {
		switch {
		case v <= m.Crit:
			m.Status = StatusCritical
		case v <= m.Warn:
			m.Status = StatusWarning
		default:
			m.Status = StatusOK
		}
		return
	}
	switch {
	case v >= m.Crit:
		m.Status = StatusCritical
	case v >= m.Warn:
		m.Status = StatusWarning
	default:
		m.Status = StatusOK
	}
}

func defaultMetrics() map[string]*Metric {
	return map[string]*Metric{
		"cpu":         {Name: "cpu", Unit: "%", Warn: 70, Crit: 90},
		"memory":      {Name: "memory", Unit: "%", Warn: 80, Crit: 95},
		"disk":        {Name: "disk", Unit: "%", Warn: 85, Crit: 95},
		"temperature": {Name: "temperature", Unit: "C", Warn: 70, Crit: 80},
		"error_rate":  {Name: "error_rate", Unit: "/min", Warn: 5, Crit: 10},
		"frame_rate":  {Name: "frame_rate", Unit: "fps", Warn: 0.5, Crit: 0.1, Invert: true},
	}
}

const (
	checkInterval      = 10 * time.Second
	checkTimeout       = 5 * time.Second
	defaultMaxFailures = 3
)

var errCheckTimeout = errors.New("health check timed out")

type component struct {
	name        string
	check       Checkable
	interval    time.Duration
	maxFailures int

	lastRun     time.Time
	lastErr     error
	consecutive int
}

// Checker refreshes metrics and runs component self-checks on a fixed
// cadence, raising faults for components that keep failing.
type Checker struct {
	sampler perf.Sampler
	faults  *fault.Handler
	clk     clock.Clock

	mu         sync.Mutex
	metrics    map[string]*Metric
	components map[string]*component
	fps        float64
	fpsSeen    bool
	startedAt  time.Time
	running    bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewChecker creates a checker reading host metrics from sampler and
// error rates from faults. A nil clock falls back to the wall clock.
func NewChecker(sampler perf.Sampler, faults *fault.Handler, clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{
		sampler:    sampler,
		faults:     faults,
		clk:        clk,
		metrics:    defaultMetrics(),
		components: make(map[string]*component),
		startedAt:  clk.Now(),
	}
}

// Register adds a component check run every interval. maxFailures
// consecutive failures raise a high-severity fault for the component.
func (c *Checker) Register(name string, check Checkable, interval time.Duration, maxFailures int) {
	if interval <= 0 {
		interval = checkInterval
	}
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = &component{name: name, check: check, interval: interval, maxFailures: maxFailures}
}

// ObserveFPS feeds the pipeline's measured frame rate into the
// frame_rate metric. The metric stays inert until the first
// observation so an idle pipeline is not reported as broken.
func (c *Checker) ObserveFPS(fps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fps = fps
	c.fpsSeen = true
}

// Start launches the monitoring loop.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.loop()
	log.Println("Health checker started")
}

// Stop halts the monitoring loop and waits for it to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
	log.Println("Health checker stopped")
}

func (c *Checker) loop() {
	defer close(c.doneCh)

	ticker := c.clk.Ticker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runOnce()
		}
	}
}

// runOnce refreshes every metric and runs whichever component checks
// are due.
func (c *Checker) runOnce() {
	now := c.clk.Now()

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	m, err := c.sampler.Sample(ctx)
	cancel()

	c.mu.Lock()
	if err != nil {
		log.Printf("Health metrics sampling failed: %v", err)
	} else {
		c.metrics["cpu"].Update(m.CPUPercent, now)
		c.metrics["memory"].Update(m.MemoryPercent, now)
		c.metrics["disk"].Update(m.DiskPercent, now)
		c.metrics["temperature"].Update(m.TemperatureC, now)
	}
	if c.faults != nil {
		c.metrics["error_rate"].Update(c.faults.ErrorRate(time.Minute), now)
	}
	if c.fpsSeen {
		c.metrics["frame_rate"].Update(c.fps, now)
	}

	var due []*component
	for _, comp := range c.components {
		if comp.lastRun.IsZero() || now.Sub(comp.lastRun) >= comp.interval {
			due = append(due, comp)
		}
	}
	c.mu.Unlock()

	for _, comp := range due {
		c.checkComponent(comp, now)
	}
}

func (c *Checker) checkComponent(comp *component, now time.Time) {
	err := c.runWithTimeout(comp.check)

	c.mu.Lock()
	comp.lastRun = now
	comp.lastErr = err
	if err == nil {
		comp.consecutive = 0
		c.mu.Unlock()
		return
	}
	comp.consecutive++
	failures := comp.consecutive
	budget := comp.maxFailures
	c.mu.Unlock()

	log.Printf("Health check failed for %s (%d consecutive): %v", comp.name, failures, err)
	if failures == budget && c.faults != nil {
		c.faults.Handle(comp.name, fmt.Errorf("health check failing repeatedly: %w", err), fault.SeverityHigh)
	}
}

// runWithTimeout guards against a stuck component check. An overrunning
// check goroutine is abandoned to finish on its own.
func (c *Checker) runWithTimeout(check Checkable) error {
	done := make(chan error, 1)
	go func() { done <- check.Healthy() }()

	timer := c.clk.Timer(checkTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errCheckTimeout
	}
}

// ComponentReport is one component's latest check outcome.
type ComponentReport struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	LastError           string    `json:"last_error,omitempty"`
	LastRun             time.Time `json:"last_run"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Report is the aggregated health view served by the API.
type Report struct {
	Status          Status            `json:"status"`
	StatusName      string            `json:"status_name"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
	Metrics         []Metric          `json:"metrics"`
	Components      []ComponentReport `json:"components"`
	Alerts          []string          `json:"alerts,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// Report aggregates current metrics and component outcomes. Overall
// status is the worst individual status; a component past its failure
// budget counts as critical, any other failing component as warning.
func (c *Checker) Report() Report {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	r := Report{
		Status:        StatusOK,
		UptimeSeconds: now.Sub(c.startedAt).Seconds(),
		GeneratedAt:   now,
	}

	metricNames := make([]string, 0, len(c.metrics))
	for name := range c.metrics {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)
	for _, name := range metricNames {
		m := *c.metrics[name]
		r.Metrics = append(r.Metrics, m)
		if m.Status > r.Status {
			r.Status = m.Status
		}
		switch m.Status {
		case StatusCritical:
			r.Alerts = append(r.Alerts, fmt.Sprintf("%s critical: %.1f%s", m.Name, m.Value, m.Unit))
		case StatusWarning:
			r.Alerts = append(r.Alerts, fmt.Sprintf("%s elevated: %.1f%s", m.Name, m.Value, m.Unit))
		}
	}

	compNames := make([]string, 0, len(c.components))
	for name := range c.components {
		compNames = append(compNames, name)
	}
	sort.Strings(compNames)
	for _, name := range compNames {
		comp := c.components[name]
		cr := ComponentReport{
			Name:                name,
			Healthy:             comp.lastErr == nil,
			LastRun:             comp.lastRun,
			ConsecutiveFailures: comp.consecutive,
		}
		if comp.lastErr != nil {
			cr.LastError = comp.lastErr.Error()
			if comp.consecutive >= comp.maxFailures {
				r.Status = StatusCritical
				r.Alerts = append(r.Alerts, fmt.Sprintf("component %s failing: %v", name, comp.lastErr))
			} else if r.Status < StatusWarning {
				r.Status = StatusWarning
			}
		}
		r.Components = append(r.Components, cr)
	}

	r.StatusName = r.Status.String()
	r.Recommendations = recommendationsFor(r.Metrics)
	return r
}

// recommendationsFor maps out-of-range metrics to operator hints.
func recommendationsFor(metrics []Metric) []string {
	var recs []string
	for _, m := range metrics {
		if m.Status == StatusOK {
			continue
		}
		switch m.Name {
		case "cpu":
			recs = append(recs, "lower the target frame rate or enable adaptive performance")
		case "memory":
			recs = append(recs, "reduce image retention or restart the appliance")
		case "disk":
			recs = append(recs, "lower max_storage_days or trigger a cleanup")
		case "temperature":
			recs = append(recs, "improve cooling; load shedding will engage meanwhile")
		case "error_rate":
			recs = append(recs, "inspect the recent fault history")
		case "frame_rate":
			recs = append(recs, "check the camera connection")
		}
	}
	return recs
}
