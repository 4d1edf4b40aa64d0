/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	loqagrpc "github.com/loqalabs/loqa-tts/internal/grpc"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/messaging"
	"github.com/loqalabs/loqa-tts/internal/metrics"
	"github.com/loqalabs/loqa-tts/internal/server"
	"github.com/loqalabs/loqa-tts/internal/storage"
	"github.com/loqalabs/loqa-tts/internal/voices"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// A missing .env file is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	if err := run(cfg); err != nil {
		logging.LogError(err, "loqa-tts exited with error")
		logging.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := engine.NewSession(engine.NewRemoteLoader(engine.RemoteConfig{
		URL:            cfg.Engine.URL,
		ConnectTimeout: cfg.Engine.ConnectTimeout,
	}))
	defer func() {
		if err := session.Close(); err != nil {
			logging.LogWarn("Failed to close engine session", zap.Error(err))
		}
	}()

	if cfg.Engine.Preload {
		// Failure is recorded; readiness stays false and the next request retries
		_ = session.Preload(ctx)
	}

	registry := voices.NewRegistry(voices.Config{
		Dir:         cfg.Voices.Dir,
		CacheWindow: cfg.Voices.CacheWindow,
	}, session)

	opts := server.Options{
		Session:  session,
		Registry: registry,
	}

	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.New()
	}

	if cfg.Storage.Enabled {
		db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Storage.DBPath})
		if err != nil {
			return fmt.Errorf("failed to open event database: %w", err)
		}
		defer func() {
			if err := db.Checkpoint(); err != nil {
				logging.LogWarn("Failed to checkpoint event database", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logging.LogWarn("Failed to close event database", zap.Error(err))
			}
		}()
		logging.LogDatabaseOperation("open", "synthesis_events", zap.String("path", db.GetPath()))
		opts.Events = storage.NewSynthesisEventsStore(db)
	}

	if cfg.NATS.Enabled {
		nats := messaging.NewNATSService(messaging.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnect:  cfg.NATS.MaxReconnect,
			ReconnectWait: cfg.NATS.ReconnectWait,
		})
		if err := nats.Connect(); err != nil {
			logging.LogWarn("NATS unavailable, synthesis events will not be published", zap.Error(err))
		} else {
			defer func() {
				stats := nats.GetStats()
				logging.LogNATSEvent(nats.SynthesisSubject("*"), "close",
					zap.Uint64("out_msgs", stats.OutMsgs),
					zap.Uint64("out_bytes", stats.OutBytes),
					zap.Uint64("reconnects", stats.Reconnects),
				)
				nats.Close()
			}()
			opts.Publisher = nats
		}
	}

	srv := server.New(cfg, opts)

	logging.Sugar.Infow("🚀 loqa-tts starting",
		"http_addr", cfg.Server.Address(),
		"grpc_port", cfg.Server.GRPCPort,
		"engine_url", cfg.Engine.URL,
		"voices_dir", cfg.Voices.Dir,
		"storage", cfg.Storage.Enabled,
		"nats", opts.Publisher != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Stop()
	})

	if cfg.Server.GRPCPort > 0 {
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		health := loqagrpc.NewHealthServer(srv.Service(), 5*time.Second)
		g.Go(func() error {
			return health.Serve(lis)
		})
		g.Go(func() error {
			health.Watch(gctx)
			health.Stop()
			return nil
		})
	}

	if cfg.Voices.CacheWindow > 0 {
		g.Go(func() error {
			if err := registry.Watch(gctx); err != nil {
				// The cache window still bounds staleness without the watcher
				logging.LogWarn("Voice directory watch disabled", zap.Error(err))
			}
			return nil
		})
	}

	if opts.Events != nil && cfg.Storage.Retention > 0 {
		g.Go(func() error {
			pruneEvents(gctx, opts.Events, cfg.Storage.Retention)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logging.Sugar.Infow("👋 loqa-tts stopped")
	return err
}

// pruneEvents deletes audit events older than retention once an hour
func pruneEvents(ctx context.Context, store *storage.SynthesisEventsStore, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		removed, err := store.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logging.LogWarn("Failed to prune synthesis events", zap.Error(err))
		case removed > 0:
			logging.LogDatabaseOperation("prune", "synthesis_events", zap.Int64("removed", removed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
