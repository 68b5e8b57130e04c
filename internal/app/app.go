// Package app wires the capture, detection, validation, persistence and
// notification components into the counter monitoring appliance.
package app

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/ayusman/countercat/internal/capture"
	"github.com/ayusman/countercat/internal/config"
	"github.com/ayusman/countercat/internal/detection"
	"github.com/ayusman/countercat/internal/detector"
	"github.com/ayusman/countercat/internal/fault"
	"github.com/ayusman/countercat/internal/health"
	"github.com/ayusman/countercat/internal/notify"
	"github.com/ayusman/countercat/internal/perf"
	"github.com/ayusman/countercat/internal/plugin"
	"github.com/ayusman/countercat/internal/server"
	"github.com/ayusman/countercat/internal/store"
)

// Pipeline timing constants.
const (
	// fpsSampleEvery is how many frames pass between throughput reports
	// to the optimizer and health checker.
	fpsSampleEvery = 10
	// cleanupInterval is the cadence of the scheduled retention sweep.
	cleanupInterval = 24 * time.Hour
	// synthesizeEvery makes the mock detector report a cat on every
	// second frame, close enough together to pass temporal filtering.
	synthesizeEvery = 2
	// pluginTimeoutMs bounds a single notification plugin execution.
	pluginTimeoutMs = 10000
)

// Config holds the wiring options for the application.
type Config struct {
	ConfigPath  string // settings file, created with defaults when missing
	DataDir     string // root directory for the database and snapshots
	PluginDir   string // notification plugin manifests
	CascadePath string // Haar cascade model, empty tries the bundled default
	StaticDir   string // dashboard assets, empty disables the file server
	DeviceID    int
	UseMock     bool        // synthetic camera and detector, for development
	Clock       clock.Clock // nil falls back to the wall clock
}

// App owns every long-lived component and runs the detection pipeline.
// The HTTP API talks to it through the server.SystemController methods.
type App struct {
	config Config
	clk    clock.Clock

	manager   *config.Manager
	store     *store.Store
	images    *store.Images
	faults    *fault.Handler
	validator *detection.Validator
	optimizer *perf.Optimizer
	notifier  *notify.Notifier
	checker   *health.Checker
	hub       *server.Hub
	frames    *frameBuffer
	server    *server.Server

	pluginMgr  *plugin.Manager
	pluginExec *plugin.Executor

	cfgCh   <-chan config.SystemConfig
	levelCh <-chan perf.LevelChange
	snapCh  <-chan perf.Metrics

	startedAt time.Time

	mu       sync.RWMutex
	camera   capture.Camera
	detector detector.Detector
	running  bool

	// Pipeline lifecycle, nil while the pipeline is stopped.
	pipeStopCh chan struct{}
	pipeDoneCh chan struct{}

	// Application lifecycle.
	appStopCh     chan struct{}
	cfgDoneCh     chan struct{}
	cleanupDoneCh chan struct{}

	frameCount     int64
	detectionCount int64
	lastDetection  time.Time
	measuredFPS    float64
}

// New builds the full component graph. The settings file is loaded (or
// created with defaults), the database and image store are opened, and
// health checks and recovery strategies are registered. The pipeline
// does not run until Start.
func New(cfg Config) (*App, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	manager := config.NewManager(cfg.ConfigPath)
	if err := manager.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	sys := manager.Get()

	st, err := store.New(filepath.Join(cfg.DataDir, "countercat.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	images, err := store.NewImages(filepath.Join(cfg.DataDir, "images"), sys.ImageQuality)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open image store: %w", err)
	}

	a := &App{
		config:     cfg,
		clk:        clk,
		manager:    manager,
		store:      st,
		images:     images,
		faults:     fault.NewHandler(clk),
		pluginMgr:  plugin.NewManager(cfg.PluginDir),
		pluginExec: plugin.NewExecutor(pluginTimeoutMs),
		startedAt:  clk.Now(),
	}

	a.validator = detection.NewValidator(validatorConfig(sys), clk)

	sampler := perf.NewSystemSampler(cfg.DataDir)
	a.optimizer = perf.NewOptimizer(sampler, clk)
	a.checker = health.NewChecker(sampler, a.faults, clk)
	a.notifier = notify.NewNotifier(sys, st.Alerts(), a.faults, clk)

	// Camera and detector. Without -mock a missing cascade model
	// degrades to a quiet mock detector so the rest of the system
	// stays usable.
	if cfg.UseMock {
		a.camera = capture.NewMockCamera(nil, true)
		a.detector = detector.NewSynthesizingMock(synthesizeEvery, clk)
		log.Println("Using synthetic camera and detector")
	} else {
		a.camera = capture.NewCamera(cfg.DeviceID)
		dcfg := detector.Config{
			ModelPath:           cfg.CascadePath,
			ConfidenceThreshold: sys.ConfidenceThreshold,
			ROI:                 sys.DetectionROI,
		}
		if cascade, err := detector.NewCascadeDetector(dcfg, clk); err == nil {
			a.detector = cascade
		} else {
			log.Printf("Cascade model not available (%v), using mock detector", err)
			a.detector = detector.NewMockDetector()
		}
	}

	if err := a.pluginMgr.Discover(); err != nil {
		log.Printf("Plugin discovery failed: %v", err)
	}
	a.registerSenders()
	a.registerComponents()
	a.registerHealthChecks()

	a.hub = server.NewHub()
	a.frames = newFrameBuffer()
	a.cfgCh = manager.Subscribe()
	a.levelCh = a.optimizer.LevelChanges()
	a.snapCh = a.optimizer.Snapshots()

	a.server = server.New(server.Config{
		StaticDir: cfg.StaticDir,
		Store:     st,
		Images:    images,
		Manager:   manager,
		Notifier:  a.notifier,
		Health:    a.checker,
		Optimizer: a.optimizer,
		System:    a,
		Frames:    a.frames,
		Events:    a.hub,
	})

	return a, nil
}

// registerSenders binds each notification channel to its plugin, or to
// the log sender when the plugin is missing.
func (a *App) registerSenders() {
	push := notify.Sender(notify.LogSender{})
	if p, err := a.pluginMgr.Get("ntfy"); err == nil {
		push = notify.NewPluginSender(p, a.pluginExec)
	}
	a.notifier.RegisterSender(notify.ChannelPush, push)

	email := notify.Sender(notify.LogSender{})
	if p, err := a.pluginMgr.Get("email"); err == nil {
		email = notify.NewPluginSender(p, a.pluginExec)
	}
	a.notifier.RegisterSender(notify.ChannelEmail, email)
}

// registerComponents declares the recoverable components and their
// recovery strategies with the fault handler.
func (a *App) registerComponents() {
	a.faults.RegisterComponent("camera", 3)
	a.faults.RegisterComponent("detector", 3)
	a.faults.RegisterComponent("store", 3)
	a.faults.RegisterComponent("notifier", 3)

	// Frame read failures: close and reopen the camera.
	a.faults.RegisterRecovery("FrameError", func(fault.Record) bool {
		cam := a.Camera()
		cam.Close()
		if err := cam.Open(); err != nil {
			return false
		}
		cam.SetFPS(a.optimizer.CurrentSettings().TargetFPS)
		return true
	})

	// Detection failures: rebuild the cascade detector from the
	// current settings. Mock detectors are left alone.
	a.faults.RegisterRecovery("DetectionError", func(fault.Record) bool {
		a.mu.RLock()
		cascade, ok := a.detector.(*detector.CascadeDetector)
		a.mu.RUnlock()
		if !ok {
			return false
		}
		sys := a.manager.Get()
		fresh, err := detector.NewCascadeDetector(detector.Config{
			ModelPath:           cascade.ModelPath(),
			ConfidenceThreshold: sys.ConfidenceThreshold,
			ROI:                 sys.DetectionROI,
		}, a.clk)
		if err != nil {
			return false
		}
		fresh.ApplyParams(a.optimizer.CurrentParams())
		a.mu.Lock()
		old := a.detector
		a.detector = fresh
		a.mu.Unlock()
		old.Close()
		return true
	})
}

// registerHealthChecks wires the periodic component probes.
func (a *App) registerHealthChecks() {
	a.checker.Register("camera", health.CheckFunc(func() error {
		if !a.Camera().IsOpen() {
			return capture.ErrCameraNotOpen
		}
		return nil
	}), 30*time.Second, 3)

	a.checker.Register("detector", health.CheckFunc(func() error {
		if h, ok := a.faults.ComponentHealth("detector"); ok && h.Status == fault.StatusFailed {
			return errors.New("detector marked failed")
		}
		return nil
	}), 60*time.Second, 3)

	a.checker.Register("store", a.store, 45*time.Second, 3)
	a.checker.Register("notifier", a.notifier, 60*time.Second, 3)

	a.checker.Register("optimizer", health.CheckFunc(func() error {
		if a.optimizer.Level() == perf.LevelAggressive {
			return errors.New("running at aggressive optimization level")
		}
		return nil
	}), 30*time.Second, 3)
}

// validatorConfig maps the persisted settings onto the validator's
// tuning knobs.
func validatorConfig(sys config.SystemConfig) detection.Config {
	return detection.Config{
		ConfidenceThreshold: sys.ConfidenceThreshold,
		MinDetectionSize:    sys.MinDetectionSize,
		CounterROI:          sys.DetectionROI,
		TemporalFrames:      sys.TemporalFrames,
	}
}

// Start launches the background services and the detection pipeline.
// On pipeline failure everything already started is shut down again.
func (a *App) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("already running")
	}
	a.running = true
	a.appStopCh = make(chan struct{})
	a.cfgDoneCh = make(chan struct{})
	a.cleanupDoneCh = make(chan struct{})
	a.mu.Unlock()

	go a.runConfigApplier(a.appStopCh, a.cfgDoneCh)
	go a.runCleanupLoop(a.appStopCh, a.cleanupDoneCh)

	a.optimizer.Start()
	if err := a.notifier.Start(); err != nil {
		a.Stop()
		return err
	}
	a.checker.Start()
	if err := a.manager.Watch(); err != nil {
		log.Printf("Config watch disabled: %v", err)
	}

	if err := a.StartPipeline(); err != nil {
		a.Stop()
		return err
	}

	log.Println("Application started")
	return nil
}

// Stop halts the pipeline and all background services, then releases
// the detector, optimizer scratch memory and the database.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	stopCh := a.appStopCh
	a.mu.Unlock()

	a.StopPipeline()

	close(stopCh)
	<-a.cfgDoneCh
	<-a.cleanupDoneCh

	if err := a.manager.Close(); err != nil {
		log.Printf("Error closing config manager: %v", err)
	}
	a.checker.Stop()
	a.notifier.Stop()
	a.optimizer.Stop()

	if err := a.Detector().Close(); err != nil {
		log.Printf("Error closing detector: %v", err)
	}
	a.optimizer.Close()
	if err := a.store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Application stopped")
}

// StartPipeline opens the camera and launches the detection loop. It
// is the handler behind POST /api/start.
func (a *App) StartPipeline() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pipeStopCh != nil {
		return errors.New("pipeline already running")
	}

	if err := a.camera.Open(); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	a.camera.SetFPS(a.optimizer.CurrentSettings().TargetFPS)

	a.pipeStopCh = make(chan struct{})
	a.pipeDoneCh = make(chan struct{})
	go a.runPipeline(a.pipeStopCh, a.pipeDoneCh)

	log.Println("Detection pipeline started")
	return nil
}

// StopPipeline stops the detection loop and closes the camera. Safe to
// call when the pipeline is not running.
func (a *App) StopPipeline() {
	a.mu.Lock()
	stopCh, doneCh := a.pipeStopCh, a.pipeDoneCh
	a.pipeStopCh, a.pipeDoneCh = nil, nil
	a.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh

	if err := a.Camera().Close(); err != nil {
		log.Printf("Error closing camera: %v", err)
	}
	log.Println("Detection pipeline stopped")
}

// Status reports the pipeline state for GET /api/status.
func (a *App) Status() map[string]interface{} {
	sys := a.manager.Get()
	now := a.clk.Now()

	a.mu.RLock()
	running := a.pipeStopCh != nil
	cameraOpen := a.camera.IsOpen()
	frames := a.frameCount
	detections := a.detectionCount
	last := a.lastDetection
	fps := a.measuredFPS
	a.mu.RUnlock()

	status := map[string]interface{}{
		"running":           running,
		"monitoring_active": sys.MonitoringActive(now),
		"camera_open":       cameraOpen,
		"uptime_seconds":    now.Sub(a.startedAt).Seconds(),
		"level":             a.optimizer.Level().String(),
		"fps":               fps,
		"frames_processed":  frames,
		"detections_saved":  detections,
		"queue_depth":       a.notifier.QueueDepth(),
		"degraded":          a.faults.Degraded(),
		"validation":        a.validator.Stats(),
	}
	if !last.IsZero() {
		status["last_detection"] = last.Format("2006-01-02T15:04:05Z07:00")
	}
	return status
}

// Cleanup removes detections, snapshots and alert history older than
// the configured retention window. Runs daily and behind
// POST /api/cleanup.
func (a *App) Cleanup() (map[string]interface{}, error) {
	sys := a.manager.Get()
	cutoff := a.clk.Now().AddDate(0, 0, -sys.MaxStorageDays)

	paths, rows, err := a.store.Detections().DeleteOlderThan(cutoff)
	if err != nil {
		a.faults.Handle("store", err, fault.SeverityMedium)
		return nil, err
	}
	removed := a.images.Remove(paths)

	swept, err := a.images.SweepOlderThan(cutoff)
	if err != nil {
		log.Printf("Orphan image sweep failed: %v", err)
	}
	pruned, err := a.store.Alerts().PruneOlderThan(cutoff)
	if err != nil {
		log.Printf("Alert history prune failed: %v", err)
	}

	log.Printf("Cleanup removed %d detections, %d images, %d alerts", rows, removed+swept, pruned)
	return map[string]interface{}{
		"detections_removed": rows,
		"images_removed":     removed + swept,
		"alerts_removed":     pruned,
		"cutoff":             cutoff.Format("2006-01-02T15:04:05Z07:00"),
	}, nil
}

// TriggerTestDetection pushes a synthetic counter detection through
// the persistence and notification path. Temporal filtering is skipped
// because a single synthetic frame has no history to match against.
func (a *App) TriggerTestDetection() error {
	det := detector.CounterCatDetection(a.clk.Now())
	valid := detection.ValidDetection{
		Detection:           det,
		ValidatedConfidence: det.RawConfidence,
		CatCount:            len(det.Boxes),
		OnCounter:           true,
	}

	frame := gocv.NewMatWithSize(det.FrameHeight, det.FrameWidth, gocv.MatTypeCV8UC3)
	defer frame.Close()

	log.Println("Test detection triggered")
	return a.handleDetections([]detection.ValidDetection{valid}, &frame)
}

// Handler returns the HTTP API, ready to mount on a listener.
func (a *App) Handler() http.Handler {
	return a.server
}

// Camera returns the current camera.
func (a *App) Camera() capture.Camera {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.camera
}

// Detector returns the current detector.
func (a *App) Detector() detector.Detector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.detector
}

// SetDetector swaps the detector implementation.
func (a *App) SetDetector(d detector.Detector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detector = d
}

// Faults returns the fault handler.
func (a *App) Faults() *fault.Handler {
	return a.faults
}

// Store returns the persistence layer.
func (a *App) Store() *store.Store {
	return a.store
}

// Manager returns the settings manager.
func (a *App) Manager() *config.Manager {
	return a.manager
}

// runConfigApplier pushes settings updates into the running
// components. It runs for the whole application lifetime so updates
// land even while the pipeline is stopped.
func (a *App) runConfigApplier(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case sys := <-a.cfgCh:
			a.applyConfig(sys)
		}
	}
}

// applyConfig fans one settings snapshot out to the validator,
// detector and notifier.
func (a *App) applyConfig(sys config.SystemConfig) {
	a.validator.ApplyConfig(validatorConfig(sys))
	d := a.Detector()
	d.SetConfidenceThreshold(sys.ConfidenceThreshold)
	d.SetROI(sys.DetectionROI)
	a.notifier.ApplyConfig(sys)
	log.Printf("Applied settings update (threshold %.2f, sensitivity %s)", sys.ConfidenceThreshold, sys.Sensitivity)
}

// runCleanupLoop runs the retention sweep once a day while auto
// cleanup is enabled.
func (a *App) runCleanupLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := a.clk.Ticker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !a.manager.Get().AutoCleanup {
				continue
			}
			if _, err := a.Cleanup(); err != nil {
				log.Printf("Scheduled cleanup failed: %v", err)
			}
		}
	}
}
