// Package config holds the appliance's persisted settings: detection
// tuning, monitoring schedule, notification gating, storage retention
// and performance budget. A Manager owns the JSON file on disk and
// fans out change notifications to running components.
package config

import (
	"fmt"
	"time"

	"github.com/ayusman/countercat/internal/geometry"
)

// Sensitivity presets. Lower sensitivity means fewer, more certain
// detections.
const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

// SystemConfig is the full persisted configuration. JSON tags match
// the keys of the config file.
type SystemConfig struct {
	// Detection tuning.
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	DetectionROI        geometry.Rect `json:"detection_roi"`
	Sensitivity         string        `json:"sensitivity"`
	MinDetectionSize    int           `json:"min_detection_size"`
	TemporalFrames      int           `json:"temporal_frames"`

	// Monitoring schedule. MonitoringDays index 0 is Monday.
	MonitoringEnabled   bool    `json:"monitoring_enabled"`
	MonitoringStartHour int     `json:"monitoring_start_hour"`
	MonitoringEndHour   int     `json:"monitoring_end_hour"`
	MonitoringDays      [7]bool `json:"monitoring_days"`

	// Notification gating.
	PushEnabled       bool `json:"push_enabled"`
	EmailEnabled      bool `json:"email_enabled"`
	CooldownMinutes   int  `json:"cooldown_minutes"`
	MaxPerHour        int  `json:"max_per_hour"`
	QuietHoursEnabled bool `json:"quiet_hours_enabled"`
	QuietHoursStart   int  `json:"quiet_hours_start"`
	QuietHoursEnd     int  `json:"quiet_hours_end"`

	// Storage retention.
	MaxStorageDays int  `json:"max_storage_days"`
	ImageQuality   int  `json:"image_quality"`
	AutoCleanup    bool `json:"auto_cleanup"`

	// Performance budget.
	TargetFPS           float64 `json:"target_fps"`
	MaxCPUPercent       float64 `json:"max_cpu_percent"`
	AdaptivePerformance bool    `json:"adaptive_performance"`
}

// Default returns the configuration a fresh appliance starts with.
func Default() SystemConfig {
	return SystemConfig{
		ConfidenceThreshold: 0.7,
		DetectionROI:        geometry.Rect{X: 0, Y: 0, Width: 640, Height: 480},
		Sensitivity:         SensitivityMedium,
		MinDetectionSize:    50,
		TemporalFrames:      2,

		MonitoringEnabled:   true,
		MonitoringStartHour: 0,
		MonitoringEndHour:   23,
		MonitoringDays:      [7]bool{true, true, true, true, true, true, true},

		PushEnabled:     true,
		EmailEnabled:    false,
		CooldownMinutes: 5,
		MaxPerHour:      10,
		QuietHoursStart: 22,
		QuietHoursEnd:   7,

		MaxStorageDays: 30,
		ImageQuality:   85,
		AutoCleanup:    true,

		TargetFPS:           1.0,
		MaxCPUPercent:       50,
		AdaptivePerformance: true,
	}
}

// Validate checks every field against its allowed range.
func (c SystemConfig) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0, 1]", c.ConfidenceThreshold)
	}
	switch c.Sensitivity {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
	default:
		return fmt.Errorf("sensitivity %q not one of low, medium, high", c.Sensitivity)
	}
	if c.MinDetectionSize < 10 {
		return fmt.Errorf("min_detection_size %d below minimum 10", c.MinDetectionSize)
	}
	if c.TemporalFrames < 1 {
		return fmt.Errorf("temporal_frames %d below minimum 1", c.TemporalFrames)
	}
	if c.DetectionROI.X < 0 || c.DetectionROI.Y < 0 {
		return fmt.Errorf("detection_roi origin (%d, %d) must be non-negative", c.DetectionROI.X, c.DetectionROI.Y)
	}
	if c.DetectionROI.Width <= 0 || c.DetectionROI.Height <= 0 {
		return fmt.Errorf("detection_roi size %dx%d must be positive", c.DetectionROI.Width, c.DetectionROI.Height)
	}
	for name, h := range map[string]int{
		"monitoring_start_hour": c.MonitoringStartHour,
		"monitoring_end_hour":   c.MonitoringEndHour,
		"quiet_hours_start":     c.QuietHoursStart,
		"quiet_hours_end":       c.QuietHoursEnd,
	} {
		if h < 0 || h > 23 {
			return fmt.Errorf("%s %d outside [0, 23]", name, h)
		}
	}
	if c.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes %d must be non-negative", c.CooldownMinutes)
	}
	if c.MaxPerHour < 1 {
		return fmt.Errorf("max_per_hour %d below minimum 1", c.MaxPerHour)
	}
	if c.MaxStorageDays < 1 {
		return fmt.Errorf("max_storage_days %d below minimum 1", c.MaxStorageDays)
	}
	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("image_quality %d outside [1, 100]", c.ImageQuality)
	}
	if c.TargetFPS <= 0 {
		return fmt.Errorf("target_fps %v must be positive", c.TargetFPS)
	}
	if c.MaxCPUPercent <= 0 {
		return fmt.Errorf("max_cpu_percent %v must be positive", c.MaxCPUPercent)
	}
	return nil
}

// sensitivityProfiles maps each preset to {confidence threshold, min
// detection size, temporal frames}.
var sensitivityProfiles = map[string]struct {
	threshold float64
	minSize   int
	frames    int
}{
	SensitivityLow:    {0.8, 80, 3},
	SensitivityMedium: {0.7, 50, 2},
	SensitivityHigh:   {0.6, 30, 1},
}

// ApplySensitivity switches the detection tuning to a named preset.
func (c *SystemConfig) ApplySensitivity(level string) error {
	p, ok := sensitivityProfiles[level]
	if !ok {
		return fmt.Errorf("unknown sensitivity %q", level)
	}
	c.Sensitivity = level
	c.ConfidenceThreshold = p.threshold
	c.MinDetectionSize = p.minSize
	c.TemporalFrames = p.frames
	return nil
}

// MonitoringActive reports whether detection should run at the given
// time: monitoring enabled, the weekday enabled and the hour inside
// the monitoring window.
func (c SystemConfig) MonitoringActive(now time.Time) bool {
	if !c.MonitoringEnabled {
		return false
	}
	day := (int(now.Weekday()) + 6) % 7 // time.Weekday starts on Sunday
	if !c.MonitoringDays[day] {
		return false
	}
	return hourInWindow(now.Hour(), c.MonitoringStartHour, c.MonitoringEndHour)
}

// InQuietHours reports whether notifications are muted at the given
// time.
func (c SystemConfig) InQuietHours(now time.Time) bool {
	if !c.QuietHoursEnabled {
		return false
	}
	return hourInWindow(now.Hour(), c.QuietHoursStart, c.QuietHoursEnd)
}

// hourInWindow treats start > end as a window wrapping past midnight,
// so 22 to 7 covers 22:00 through 07:59.
func hourInWindow(h, start, end int) bool {
	if start <= end {
		return h >= start && h <= end
	}
	return h >= start || h <= end
}
