// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// STORE
// =============================================================================

// Store holds the current configuration for a running process. Readers call
// Get at the start of every request-building step, so edits made through
// Update or on disk take effect on the next request.
type Store struct {
	mu        sync.RWMutex
	path      string
	cfg       *Config
	listeners []func(Config)
	logger    *zap.Logger

	// debounce coalesces the burst of events an editor save produces.
	debounce time.Duration
}

// OpenStore loads the configuration at path. An empty path resolves to the
// default location.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		path:     filepath.Clean(path),
		cfg:      cfg,
		logger:   zap.NewNop(),
		debounce: 100 * time.Millisecond,
	}, nil
}

// NewStore wraps an already loaded configuration. Writes go to path.
func NewStore(path string, cfg *Config) *Store {
	return &Store{
		path:     filepath.Clean(path),
		cfg:      cfg.Clone(),
		logger:   zap.NewNop(),
		debounce: 100 * time.Millisecond,
	}
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// OnChange registers fn to be called with the new configuration after every
// successful reload or update.
func (s *Store) OnChange(fn func(Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Update applies fn to a copy of the configuration, validates it, persists
// it and makes it current. The current configuration is unchanged on error.
func (s *Store) Update(fn func(*Config) error) error {
	s.mu.Lock()
	next := s.cfg.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return err
	}
	next.SetDefaults()
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := Save(next, s.path); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = next
	listeners := append([]func(Config){}, s.listeners...)
	snapshot := *next
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

// Reload re-reads the backing file. An invalid file leaves the current
// configuration in place.
func (s *Store) Reload() error {
	cfg, err := LoadFromPath(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	listeners := append([]func(Config){}, s.listeners...)
	snapshot := *cfg
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

// Watch reloads the configuration whenever the backing file is written or
// replaced. It watches the parent directory so atomic renames are seen. Watch
// blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}

	s.mu.RLock()
	logger := s.logger
	s.mu.RUnlock()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				logger.Warn("config reload failed, keeping previous settings",
					zap.String("path", s.path), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", s.path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
