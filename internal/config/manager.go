package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the new configuration after a reload.
type ChangeHandler func(cfg *Config)

// Manager holds the current configuration and reloads it when the file
// changes on disk. Invalid files are logged and ignored; the last good
// configuration stays in effect.
type Manager struct {
	path     string
	current  atomic.Pointer[Config]
	handlers []ChangeHandler
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	reloads atomic.Int64
}

// NewManager loads path and prepares a watcher on its directory.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		path:     path,
		debounce: 100 * time.Millisecond,
		logger:   logger,
	}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the configuration in effect.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnChange registers a handler. Handlers run on the watch goroutine in
// registration order.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Reloads counts successful reloads.
func (m *Manager) Reloads() int64 { return m.reloads.Load() }

// Reload re-reads the file and notifies the handlers.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.current.Store(cfg)
	m.reloads.Add(1)

	m.mu.Lock()
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		m.safeCall(h, cfg)
	}
	m.logger.Info("Configuration reloaded", zap.String("path", m.path))
	return nil
}

func (m *Manager) safeCall(h ChangeHandler, cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Configuration handler panicked", zap.Any("panic", r))
		}
	}()
	h(cfg)
}

// Start watches the directory holding the file until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	m.watcher = w

	go m.watchLoop(ctx)
	m.logger.Info("Configuration watcher started",
		zap.String("config_dir", dir),
		zap.String("file", filepath.Base(m.path)))
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
		_ = m.watcher.Close()
	}()

	name := filepath.Base(m.path)
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.logger.Debug("Config file event",
				zap.String("file", name),
				zap.String("op", event.Op.String()))
			// rapid successive writes collapse into one reload
			if timer == nil {
				timer = time.NewTimer(m.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.debounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			if err := m.Reload(); err != nil {
				m.logger.Error("Failed to reload configuration, keeping previous",
					zap.String("path", m.path),
					zap.Error(err))
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}
