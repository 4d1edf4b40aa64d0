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

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-tts/internal/api"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/metrics"
	"github.com/loqalabs/loqa-tts/internal/security"
	"github.com/loqalabs/loqa-tts/internal/storage"
	"github.com/loqalabs/loqa-tts/internal/synthesis"
	"github.com/loqalabs/loqa-tts/internal/voices"
	"go.uber.org/zap"
)

// Options carries the collaborators the server is built from. Events,
// Publisher and Metrics are optional.
type Options struct {
	Session   *engine.Session
	Registry  *voices.Registry
	Events    *storage.SynthesisEventsStore
	Publisher EventPublisher
	Metrics   *metrics.Metrics
}

// Server is the HTTP front end of the synthesis service
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	server  *http.Server
	handler http.Handler

	session  *engine.Session
	service  *synthesis.Service
	metrics  *metrics.Metrics
	events   *storage.SynthesisEventsStore
	apiKeys  *security.APIKeys
	recorder *eventRecorder
	nats     connectionStatus
}

// connectionStatus is implemented by publishers that hold a broker connection
type connectionStatus interface {
	IsConnected() bool
}

// New wires the synthesis service and HTTP routes
func New(cfg *config.Config, opts Options) *Server {
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		session: opts.Session,
		metrics: opts.Metrics,
		events:  opts.Events,
		apiKeys: security.NewAPIKeys(cfg.Auth.APIKeys),
	}

	var observer synthesis.Observer
	if opts.Metrics != nil {
		observer = opts.Metrics
	}

	var recorder synthesis.Recorder
	if opts.Events != nil || opts.Publisher != nil {
		var store eventInserter
		if opts.Events != nil {
			store = opts.Events
		}
		s.recorder = newEventRecorder(store, opts.Publisher)
		recorder = s.recorder
	}

	if cs, ok := opts.Publisher.(connectionStatus); ok {
		s.nats = cs
	}

	s.service = synthesis.NewService(serviceConfig(cfg), opts.Session, opts.Registry, observer, recorder)

	s.routes()
	s.handler = s.middleware(s.mux)

	s.server = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// serviceConfig translates process configuration into orchestrator limits
func serviceConfig(cfg *config.Config) synthesis.ServiceConfig {
	sc := cfg.Synthesis
	return synthesis.ServiceConfig{
		Governor: synthesis.GovernorConfig{
			MaxConcurrent: sc.MaxConcurrent,
			Policy:        synthesis.QueuePolicy(sc.QueuePolicy),
			MaxQueue:      sc.MaxQueue,
			Timeout:       sc.Timeout,
			CleanupGrace:  sc.CleanupGrace,
			ChunkBuffer:   sc.ChunkBuffer,
		},
		MaxTextLength:      sc.MaxTextLength,
		MaxBufferedSeconds: sc.MaxBufferedSeconds,
		DefaultFormat:      sc.DefaultFormat,
	}
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Service returns the synthesis orchestrator
func (s *Server) Service() *synthesis.Service {
	return s.service
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(lis)
}

// Serve serves HTTP on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	logging.Sugar.Infow("🚀 loqa-tts HTTP server starting",
		"addr", lis.Addr().String(),
		"max_concurrent", s.cfg.Synthesis.MaxConcurrent,
		"queue_policy", s.cfg.Synthesis.QueuePolicy,
		"auth_enabled", s.cfg.Auth.Enabled,
	)

	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server, waiting for in-flight requests
func (s *Server) Stop() error {
	logging.Sugar.Infow("🛑 Shutting down loqa-tts HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logging.Sugar.Infow("✅ loqa-tts HTTP server shut down successfully")
	return nil
}

// routes sets up HTTP routing
func (s *Server) routes() {
	tts := api.NewTTSHandler(s.service)
	s.mux.Handle("GET /synthesize", tts)
	s.mux.Handle("POST /synthesize", tts)
	s.mux.Handle("GET /tts", tts)
	s.mux.Handle("POST /tts", tts)
	s.mux.Handle("GET /{$}", tts)

	voicesHandler := api.NewVoicesHandler(s.service)
	s.mux.HandleFunc("GET /voices", voicesHandler.List)
	s.mux.HandleFunc("GET /speakers", voicesHandler.List)
	s.mux.HandleFunc("POST /api/voices", voicesHandler.Create)
	s.mux.HandleFunc("DELETE /api/voices/{id}", voicesHandler.Delete)

	if s.events != nil {
		eventsHandler := api.NewSynthesisEventsHandler(s.events)
		s.mux.HandleFunc("GET /api/synthesis-events", eventsHandler.List)
		s.mux.HandleFunc("GET /api/synthesis-events/{id}", eventsHandler.Get)
		s.mux.HandleFunc("DELETE /api/synthesis-events/{id}", eventsHandler.Delete)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// handleHealth reports liveness regardless of engine state
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "loqa-tts",
	})
}

// handleReady reports whether the engine session is loaded
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	stats := s.service.Stats()
	body := map[string]interface{}{
		"ready":     s.service.Ready(),
		"slots":     stats.Slots,
		"in_flight": stats.InFlight,
		"waiting":   stats.Waiting,
	}

	// The audit log and event bus are optional; their state is reported
	// without affecting readiness.
	if s.events != nil {
		body["storage"] = "ok"
		if err := s.events.Ping(); err != nil {
			body["storage"] = "unavailable"
			logging.LogWarn("Synthesis event storage unreachable", zap.Error(err))
		}
	}
	if s.nats != nil {
		body["nats_connected"] = s.nats.IsConnected()
	}

	if caps, ok := s.session.Capabilities(); ok {
		body["sample_rate"] = caps.SampleRate
		body["modes"] = caps.Modes
		api.WriteJSON(w, http.StatusOK, body)
		return
	}

	if err := s.session.LastError(); err != nil {
		body["error"] = "engine failed to load"
	}
	api.WriteJSON(w, http.StatusServiceUnavailable, body)
}
