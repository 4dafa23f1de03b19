// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache/persist"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatclient"
	"github.com/udit0x/agentic-rag-sub000/pkg/config"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
	"github.com/udit0x/agentic-rag-sub000/pkg/observability"
	"github.com/udit0x/agentic-rag-sub000/pkg/ux"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	server     string
	output     string
	verbose    bool
	noCache    bool
}

// app holds everything a command needs. Build it with newApp and release
// it with Close.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *logging.Logger
	client     *chatclient.Client
	store      *chatcache.Store
	snapshots  *persist.Snapshots
	out        io.Writer
	mode       ux.Mode
	printer    *ux.Printer

	titleMu sync.Mutex
	titles  map[string]string

	closers []func(context.Context) error
}

// newApp loads configuration and wires logging, tracing, metrics, the
// snapshot cache and the chat client.
func newApp(ctx context.Context, opts rootOptions, out io.Writer) (*app, error) {
	path := opts.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.server != "" {
		cfg.Server.URL = opts.server
	}

	mode := ux.DetectMode(os.Stdout)
	if opts.output != "" {
		mode = ux.ParseMode(opts.output)
	}
	ux.SetMode(mode)

	a := &app{
		cfg:        cfg,
		configPath: path,
		out:        out,
		mode:       mode,
		printer:    ux.NewPrinter(out, mode),
		titles:     make(map[string]string),
	}

	a.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "ragchat",
		JSON:    cfg.Logging.JSON,
		Quiet:   !opts.verbose,
	})
	a.closers = append(a.closers, func(context.Context) error { return a.logger.Close() })

	if created {
		a.printer.Info(fmt.Sprintf("Created default configuration at %s", path))
	}

	tp, shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:  "ragchat",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		Writer:       os.Stderr,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)
	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr, reg)
	}

	a.store = chatcache.NewStore(chatcache.WithWriteObserver(metrics))
	if cfg.Cache.Enabled && !opts.noCache {
		a.openCache()
	}

	a.client, err = chatclient.New(chatclient.Config{
		BaseURL:             cfg.Server.URL,
		RequestTimeout:      cfg.Server.RequestTimeout,
		RefinementTimeout:   cfg.Stream.RefinementTimeout,
		MaxLineBytes:        cfg.Stream.MaxLineBytes,
		HistoryRate:         rate.Limit(cfg.History.RatePerSecond),
		HistoryBurst:        cfg.History.Burst,
		PrefetchConcurrency: cfg.History.PrefetchConcurrency,
		Store:               a.store,
		Logger:              a.logger,
		Metrics:             metrics,
		TracerProvider:      tp,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client.OnTitleUpdate(a.recordTitle)
	return a, nil
}

// openCache hydrates the store from disk and keeps the snapshots current.
// A cache that cannot be opened (another ragchat holds the lock) is
// skipped.
func (a *app) openCache() {
	dbCfg := persist.DefaultConfig(config.ExpandPath(a.cfg.Cache.Dir))
	dbCfg.TTL = a.cfg.Cache.TTL
	dbCfg.Logger = a.logger
	db, err := persist.Open(dbCfg)
	if err != nil {
		a.logger.Warn("snapshot cache unavailable", "dir", dbCfg.Path, "error", err)
		return
	}
	a.snapshots = persist.NewSnapshots(db, a.cfg.Cache.TTL, a.logger)
	if _, err := a.snapshots.Hydrate(a.store); err != nil {
		a.logger.Warn("snapshot hydrate failed", "error", err)
	}
	detach := a.snapshots.Attach(a.store)
	a.closers = append(a.closers, func(context.Context) error {
		detach()
		return db.Close()
	})
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("metrics listening", "addr", addr)
	a.closers = append(a.closers, srv.Shutdown)
}

// watchConfig applies log level changes from the config file until ctx
// ends.
func (a *app) watchConfig(ctx context.Context) {
	w, err := config.NewWatcher(a.configPath, func(cfg *config.Config, err error) {
		if err != nil {
			a.logger.Warn("config reload failed", "error", err)
			return
		}
		a.logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))
		a.logger.Info("config reloaded", "log_level", cfg.Logging.Level)
	})
	if err != nil {
		a.logger.Warn("config watch unavailable", "error", err)
		return
	}
	go w.Run(ctx)
	a.closers = append(a.closers, func(context.Context) error { return w.Close() })
}

func (a *app) recordTitle(sessionID, title string) {
	a.titleMu.Lock()
	a.titles[sessionID] = title
	a.titleMu.Unlock()
}

func (a *app) takeTitle(sessionID string) (string, bool) {
	a.titleMu.Lock()
	defer a.titleMu.Unlock()
	title, ok := a.titles[sessionID]
	delete(a.titles, sessionID)
	return title, ok
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
