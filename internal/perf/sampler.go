package perf

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is one resource snapshot. CPU, memory, disk and temperature
// come from the sampler; FPS, latency and queue depth are merged in by
// the pipeline via ObservePipeline.
type Metrics struct {
	Timestamp          time.Time `json:"timestamp"`
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryPercent      float64   `json:"memory_percent"`
	DiskPercent        float64   `json:"disk_percent"`
	TemperatureC       float64   `json:"temperature_c"`
	FPS                float64   `json:"fps"`
	DetectionLatencyMS float64   `json:"detection_latency_ms"`
	QueueDepth         float64   `json:"queue_depth"`
}

// Sampler produces resource snapshots for the optimizer. The Timestamp
// field is left zero; the optimizer stamps it from its own clock.
type Sampler interface {
	Sample(ctx context.Context) (Metrics, error)
}

// thermalZonePath is where Raspberry Pi class boards expose the SoC
// temperature in millidegrees.
const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// SystemSampler reads live metrics from the host.
type SystemSampler struct {
	dataDir string
}

// NewSystemSampler creates a sampler. dataDir is the path whose
// filesystem usage is reported; empty means the root filesystem.
func NewSystemSampler(dataDir string) *SystemSampler {
	if dataDir == "" {
		dataDir = "/"
	}
	return &SystemSampler{dataDir: dataDir}
}

// Sample reads CPU, memory, disk and temperature from the host.
func (s *SystemSampler) Sample(ctx context.Context) (Metrics, error) {
	var m Metrics

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Metrics{}, fmt.Errorf("sampling cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		m.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("sampling memory: %w", err)
	}
	m.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, s.dataDir)
	if err != nil {
		return Metrics{}, fmt.Errorf("sampling disk usage of %s: %w", s.dataDir, err)
	}
	m.DiskPercent = du.UsedPercent

	// Temperature is best effort; boards without a readable sensor
	// report zero.
	m.TemperatureC = readTemperature(ctx)

	return m, nil
}

// readTemperature prefers the Raspberry Pi thermal zone and falls back
// to whatever CPU-ish sensor gopsutil can find.
func readTemperature(ctx context.Context) float64 {
	if raw, err := os.ReadFile(thermalZonePath); err == nil {
		if milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); err == nil {
			return milli / 1000.0
		}
	}

	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil {
		return 0
	}
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "cpu_thermal") || strings.Contains(key, "coretemp") {
			return t.Temperature
		}
	}
	return 0
}
