package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Manager owns the active configuration snapshot. The snapshot is swapped
// atomically on reload; in-flight requests keep working against the snapshot
// they read at dispatch start.
type Manager struct {
	path   string
	logger *slog.Logger

	current atomic.Pointer[Config]

	mu       sync.Mutex
	onChange []func(*Config)
	watcher  *file.File
}

// NewManager loads the file once and returns a manager holding the snapshot.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the active snapshot. Never nil.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnChange registers a callback invoked with each new snapshot after a
// successful reload or save.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch reloads the snapshot whenever the config file changes on disk. A
// reload that fails validation keeps the previous snapshot.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return nil
	}
	f := file.Provider(m.path)
	if err := f.Watch(func(_ any, err error) {
		if err != nil {
			m.logger.Error("config watch error", "error", err)
			return
		}
		if _, rerr := m.Reload(); rerr != nil {
			m.logger.Error("config reload failed, keeping previous snapshot", "error", rerr)
		}
	}); err != nil {
		return fmt.Errorf("watching config file: %w", err)
	}
	m.watcher = f
	return nil
}

// Reload re-reads the file and swaps the snapshot.
func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.swap(cfg)
	m.logger.Info("configuration reloaded", "providers", len(cfg.Providers), "aliases", len(cfg.Aliases))
	return cfg, nil
}

// Save writes the config to disk with an atomic replace and makes it the
// active snapshot.
func (m *Manager) Save(cfg *Config) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	raw, err := k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	m.swap(cfg)
	return nil
}

func (m *Manager) swap(cfg *Config) {
	m.current.Store(cfg)
	m.mu.Lock()
	callbacks := make([]func(*Config), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}
