package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager owns the configuration file: load, validation, atomic save,
// change notification and live reload when the file is edited on disk.
type Manager struct {
	path string

	mu   sync.RWMutex
	cfg  SystemConfig
	subs []chan SystemConfig

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a manager for the file at path, starting from
// defaults. Call Load before reading the config.
func NewManager(path string) *Manager {
	return &Manager{path: path, cfg: Default()}
}

// Load reads the config file. Missing keys keep their defaults. A
// missing file is not an error: defaults are written in its place so
// the appliance comes up configured.
func (m *Manager) Load() error {
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("No config at %s, writing defaults", m.path)
		return m.Save()
	}
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", m.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Save writes the current config atomically: temp file in the same
// directory, then rename over the target.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// Get returns a copy of the current config.
func (m *Manager) Get() SystemConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update applies a mutation under lock, validates the result, persists
// it and notifies subscribers. The mutation is discarded whole when
// validation fails.
func (m *Manager) Update(mutate func(*SystemConfig)) error {
	m.mu.Lock()
	next := m.cfg
	mutate(&next)
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.cfg = next
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		return err
	}
	m.notify(next)
	return nil
}

// Subscribe returns a channel carrying each new config snapshot. The
// channel has capacity one with drop-old semantics, so a slow consumer
// always sees the newest config.
func (m *Manager) Subscribe() <-chan SystemConfig {
	ch := make(chan SystemConfig, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) notify(cfg SystemConfig) {
	m.mu.RLock()
	subs := make([]chan SystemConfig, len(m.subs))
	copy(subs, m.subs)
	m.mu.RUnlock()

	for _, ch := range subs {
		pushLatest(ch, cfg)
	}
}

// pushLatest delivers on a capacity-1 channel, displacing a stale value
// so the freshest config always wins.
func pushLatest(ch chan SystemConfig, cfg SystemConfig) {
	for {
		select {
		case ch <- cfg:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Watch starts reloading the config when the file changes on disk, so
// hand edits take effect without a restart. The parent directory is
// watched because atomic saves replace the file inode.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching config dir: %w", err)
	}

	m.watcher = w
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	defer close(m.doneCh)

	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != m.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Config watcher error: %v", err)
		}
	}
}

// reload re-reads the file and notifies subscribers when the content
// actually changed. Events from our own Save fall out on the equality
// check.
func (m *Manager) reload() {
	before := m.Get()
	if err := m.Load(); err != nil {
		log.Printf("Config reload failed, keeping previous: %v", err)
		return
	}
	after := m.Get()
	if after == before {
		return
	}
	log.Printf("Config reloaded from %s", m.path)
	m.notify(after)
}

// Close stops the file watcher if one is running.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	close(m.stopCh)
	err := m.watcher.Close()
	<-m.doneCh
	m.watcher = nil
	return err
}
