// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jeranaias/rigrun-explain/internal/background"
	"github.com/jeranaias/rigrun-explain/internal/bus"
	"github.com/jeranaias/rigrun-explain/internal/config"
	"github.com/jeranaias/rigrun-explain/internal/logging"
	"github.com/jeranaias/rigrun-explain/internal/session"
	"github.com/jeranaias/rigrun-explain/internal/storage"
	"github.com/jeranaias/rigrun-explain/internal/surface"
	"go.uber.org/zap"
)

const (
	transcriptFile = "transcripts.db"
	logFile        = "rigrun-explain.log"
)

// globalOptions are the persistent root flags.
type globalOptions struct {
	configPath string
	debug      bool
	verbose    bool
}

// app is the wired process: config, logger, bus, relay and host.
type app struct {
	store       *config.Store
	logger      *zap.Logger
	bus         *bus.Bus
	relay       *background.Service
	host        *surface.Host
	transcripts *storage.Store
	events      chan tabEvent
	deltas      chan tabEvent
}

type tabEvent struct {
	tabID string
	ev    session.Event
}

// loadConfig opens the config store named by the flags.
func loadConfig(opts *globalOptions) (*config.Store, error) {
	store, err := config.OpenStore(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return store, nil
}

// resolvePath places name under the config file's directory unless set.
func resolvePath(store *config.Store, set, name string) string {
	if set != "" {
		return set
	}
	return filepath.Join(filepath.Dir(store.Path()), name)
}

// openTranscripts opens the transcript database named by the config.
func openTranscripts(store *config.Store) (*storage.Store, error) {
	path := resolvePath(store, store.Get().Storage.TranscriptDB, transcriptFile)
	db, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcripts: %w", err)
	}
	return db, nil
}

// newApp wires every component. Close releases them in reverse order.
func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	store, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	cfg := store.Get()

	logger := logging.New(logging.Options{
		FilePath: resolvePath(store, cfg.Storage.LogFile, logFile),
		Debug:    opts.debug || cfg.Features.DebugLog,
		Verbose:  opts.verbose,
	})
	store.SetLogger(logger.Named("config"))

	transcripts, err := openTranscripts(store)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	a := &app{
		store:       store,
		logger:      logger,
		bus:         bus.New(logger),
		transcripts: transcripts,
		events:      make(chan tabEvent, 16),
		deltas:      make(chan tabEvent, 64),
	}

	a.relay = background.NewService(a.bus, store, background.Options{Logger: logger})
	if err := a.relay.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.host = surface.NewHost(a.bus, store, surface.Options{
		Store:  transcripts,
		Logger: logger,
		OnEvent: func(tabID string, ev session.Event) {
			// STREAMING: the sidebar calls this under its lock, never block.
			select {
			case a.events <- tabEvent{tabID: tabID, ev: ev}:
			default:
				logger.Warn("dropping sidebar event", zap.String("tab", tabID))
			}
		},
		OnDelta: func(tabID string, ev session.Event) {
			// Later deltas supersede dropped ones.
			select {
			case a.deltas <- tabEvent{tabID: tabID, ev: ev}:
			default:
			}
		},
	})
	store.OnChange(a.host.ApplyConfig)

	logger.Debug("app wired",
		zap.String("config", store.Path()),
		zap.String("model", cfg.API.Model))
	return a, nil
}

// watchConfig reloads the config on disk edits until ctx ends.
func (a *app) watchConfig(ctx context.Context) {
	go func() {
		if err := a.store.Watch(ctx); err != nil {
			a.logger.Debug("config watch unavailable", zap.Error(err))
		}
	}()
}

// Close stops the host first so no sidebar publishes into a closed bus.
func (a *app) Close() {
	if a.host != nil {
		a.host.Close()
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.transcripts != nil {
		_ = a.transcripts.Close()
	}
	_ = a.logger.Sync()
}
