package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ayusman/countercat/internal/fault"
	"github.com/ayusman/countercat/internal/perf"
)

// fixedSampler always returns the same snapshot.
type fixedSampler struct {
	m   perf.Metrics
	err error
}

func (s fixedSampler) Sample(context.Context) (perf.Metrics, error) { return s.m, s.err }

func TestMetric_Thresholds(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		metric Metric
		value  float64
		want   Status
	}{
		{"cpu ok", Metric{Warn: 70, Crit: 90}, 40, StatusOK},
		{"cpu warn", Metric{Warn: 70, Crit: 90}, 75, StatusWarning},
		{"cpu warn at threshold", Metric{Warn: 70, Crit: 90}, 70, StatusWarning},
		{"cpu crit", Metric{Warn: 70, Crit: 90}, 95, StatusCritical},
		{"fps ok", Metric{Warn: 0.5, Crit: 0.1, Invert: true}, 0.9, StatusOK},
		{"fps warn", Metric{Warn: 0.5, Crit: 0.1, Invert: true}, 0.3, StatusWarning},
		{"fps crit", Metric{Warn: 0.5, Crit: 0.1, Invert: true}, 0.05, StatusCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.metric.Update(tc.value, now)
			if tc.metric.Status != tc.want {
				t.Errorf("expected %s, got %s", tc.want, tc.metric.Status)
			}
		})
	}
}

func TestChecker_RefreshesMetrics(t *testing.T) {
	clk := clock.NewMock()
	faults := fault.NewHandler(clk)
	faults.Handle("camera", errors.New("glitch"), fault.SeverityLow)

	c := NewChecker(fixedSampler{m: perf.Metrics{CPUPercent: 42, MemoryPercent: 55, DiskPercent: 30, TemperatureC: 50}}, faults, clk)
	c.runOnce()

	report := c.Report()
	if report.Status != StatusOK {
		t.Errorf("expected ok status, got %s", report.StatusName)
	}

	byName := map[string]Metric{}
	for _, m := range report.Metrics {
		byName[m.Name] = m
	}
	if got := byName["cpu"].Value; got != 42 {
		t.Errorf("expected cpu 42, got %f", got)
	}
	if got := byName["error_rate"].Value; got != 1.0 {
		t.Errorf("expected error rate 1/min, got %f", got)
	}
}

func TestChecker_FrameRateInertUntilObserved(t *testing.T) {
	clk := clock.NewMock()
	c := NewChecker(fixedSampler{}, nil, clk)

	c.runOnce()
	report := c.Report()
	for _, m := range report.Metrics {
		if m.Name == "frame_rate" && m.Status != StatusOK {
			t.Errorf("expected frame_rate inert before first observation, got %s", m.Status)
		}
	}

	c.ObserveFPS(0.05)
	c.runOnce()
	report = c.Report()
	for _, m := range report.Metrics {
		if m.Name == "frame_rate" && m.Status != StatusCritical {
			t.Errorf("expected frame_rate critical at 0.05 fps, got %s", m.Status)
		}
	}
}

func TestChecker_HotHostGoesCritical(t *testing.T) {
	clk := clock.NewMock()
	c := NewChecker(fixedSampler{m: perf.Metrics{CPUPercent: 95}}, nil, clk)

	c.runOnce()
	report := c.Report()

	if report.Status != StatusCritical {
		t.Fatalf("expected critical at 95%% cpu, got %s", report.StatusName)
	}
	if len(report.Alerts) == 0 {
		t.Error("expected an alert for critical cpu")
	}
	if len(report.Recommendations) == 0 {
		t.Error("expected a recommendation for critical cpu")
	}
}

// A component failing maxFailures times in a row raises a
// high-severity fault and the report goes critical.
func TestChecker_ComponentFailureEscalates(t *testing.T) {
	clk := clock.NewMock()
	faults := fault.NewHandler(clk)
	faults.RegisterComponent("camera", 0)

	c := NewChecker(fixedSampler{}, faults, clk)
	c.Register("camera", CheckFunc(func() error { return errors.New("no frames") }), checkInterval, 2)

	c.runOnce()
	report := c.Report()
	if report.Status != StatusWarning {
		t.Fatalf("expected warning after first failure, got %s", report.StatusName)
	}

	clk.Add(checkInterval)
	c.runOnce()
	report = c.Report()
	if report.Status != StatusCritical {
		t.Fatalf("expected critical after second failure, got %s", report.StatusName)
	}

	health, ok := faults.ComponentHealth("camera")
	if !ok {
		t.Fatal("expected camera tracked by the fault handler")
	}
	if health.Status != fault.StatusDegraded {
		t.Errorf("expected high-severity fault to degrade camera, got %s", health.Status)
	}
}

func TestChecker_ComponentRecoversAfterSuccess(t *testing.T) {
	clk := clock.NewMock()
	c := NewChecker(fixedSampler{}, nil, clk)

	healthy := false
	c.Register("store", CheckFunc(func() error {
		if healthy {
			return nil
		}
		return errors.New("locked")
	}), checkInterval, 3)

	c.runOnce()
	healthy = true
	clk.Add(checkInterval)
	c.runOnce()

	report := c.Report()
	if report.Status != StatusOK {
		t.Errorf("expected ok after recovery, got %s", report.StatusName)
	}
	if report.Components[0].ConsecutiveFailures != 0 {
		t.Errorf("expected failure streak reset, got %d", report.Components[0].ConsecutiveFailures)
	}
}

func TestChecker_StuckCheckTimesOut(t *testing.T) {
	clk := clock.NewMock()
	c := NewChecker(fixedSampler{}, nil, clk)

	block := make(chan struct{})
	defer close(block)

	done := make(chan error, 1)
	go func() {
		done <- c.runWithTimeout(CheckFunc(func() error { <-block; return nil }))
	}()

	time.Sleep(10 * time.Millisecond) // let the check goroutine start
	clk.Add(checkTimeout)

	select {
	case err := <-done:
		if !errors.Is(err, errCheckTimeout) {
			t.Errorf("expected timeout error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the timeout to fire")
	}
}

func TestChecker_ChecksRunOnTheirOwnInterval(t *testing.T) {
	clk := clock.NewMock()
	c := NewChecker(fixedSampler{}, nil, clk)

	calls := 0
	c.Register("detector", CheckFunc(func() error { calls++; return nil }), 30*time.Second, 3)

	c.runOnce() // first run is always due
	clk.Add(checkInterval)
	c.runOnce() // only 10s elapsed, not due
	clk.Add(20 * time.Second)
	c.runOnce() // 30s elapsed, due again

	if calls != 2 {
		t.Errorf("expected 2 check runs over 30s at a 30s interval, got %d", calls)
	}
}
