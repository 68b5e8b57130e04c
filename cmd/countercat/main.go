// Command countercat runs the kitchen counter cat detection appliance:
// camera capture, cascade detection, temporal validation, alerting and
// the dashboard API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ayusman/countercat/internal/app"
	"github.com/ayusman/countercat/internal/config"
)

func main() {
	// A .env file keeps deployment overrides next to the binary.
	godotenv.Load()

	var (
		configPath = flag.String("config", config.EnvStr("COUNTERCAT_CONFIG", ""), "path to the settings file")
		dataDir    = flag.String("data", config.EnvStr("COUNTERCAT_DATA_DIR", defaultDataDir()), "directory for the database and snapshots")
		addr       = flag.String("addr", config.EnvStr("COUNTERCAT_ADDR", ":8080"), "HTTP listen address")
		cascade    = flag.String("cascade", config.EnvStr("COUNTERCAT_CASCADE", ""), "path to the Haar cascade model")
		device     = flag.Int("device", config.EnvInt("COUNTERCAT_DEVICE", 0), "camera device ID")
		useMock    = flag.Bool("mock", config.EnvBool("COUNTERCAT_MOCK", false), "use a synthetic camera and detector")
		logPath    = flag.String("log", config.EnvStr("COUNTERCAT_LOG", ""), "append logs to this file as well as stdout")
		staticDir  = flag.String("static", config.EnvStr("COUNTERCAT_STATIC", ""), "dashboard directory, empty probes common locations")
		pluginDir  = flag.String("plugins", config.EnvStr("COUNTERCAT_PLUGINS", ""), "notification plugin directory")
	)
	flag.Parse()

	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	fmt.Println("CounterCat - Kitchen Counter Cat Detection")

	if *configPath == "" {
		*configPath = filepath.Join(*dataDir, "config.json")
	}
	if *pluginDir == "" {
		*pluginDir = filepath.Join(*dataDir, "plugins")
	}
	webDir := *staticDir
	if webDir == "" {
		webDir = findWebDir()
	}
	if webDir != "" {
		fmt.Printf("Serving dashboard from: %s\n", webDir)
	}

	a, err := app.New(app.Config{
		ConfigPath:  *configPath,
		DataDir:     *dataDir,
		PluginDir:   *pluginDir,
		CascadePath: *cascade,
		StaticDir:   webDir,
		DeviceID:    *device,
		UseMock:     *useMock,
	})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	if err := a.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	srv := &http.Server{Addr: *addr, Handler: a.Handler()}
	go func() {
		fmt.Printf("Starting server on %s\n", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	a.Stop()
}

// defaultDataDir is ~/.countercat, falling back to a relative directory
// when the home directory cannot be resolved.
func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".countercat"
	}
	return filepath.Join(homeDir, ".countercat")
}

// findWebDir searches for the dashboard directory in common locations.
// It checks "web", "../web", "../../web" and ~/.countercat/web, and
// returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if absPath, err := filepath.Abs(p); err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	homeWebDir := filepath.Join(homeDir, ".countercat", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}
	return ""
}
