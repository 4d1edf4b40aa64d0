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

// Package grpc serves the standard gRPC health protocol so orchestrators can
// probe engine readiness without speaking HTTP.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/loqalabs/loqa-tts/internal/logging"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall ("") status
const ServiceName = "loqa.tts.Synthesis"

// Readiness reports whether the engine session is loaded
type Readiness interface {
	Ready() bool
}

// HealthServer exposes engine readiness over grpc.health.v1
type HealthServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness Readiness
	interval  time.Duration
	serving   bool
}

// NewHealthServer creates a health server polling readiness every interval
func NewHealthServer(readiness Readiness, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = time.Second
	}

	h := &HealthServer{
		server:    grpc.NewServer(),
		health:    health.NewServer(),
		readiness: readiness,
		interval:  interval,
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	h.update()
	return h
}

// Serve accepts connections on lis until Stop is called
func (h *HealthServer) Serve(lis net.Listener) error {
	logging.LogTTSOperation("grpc_health_listening", zap.String("addr", lis.Addr().String()))
	return h.server.Serve(lis)
}

// Watch keeps the reported status in sync with readiness until ctx is done,
// then marks every service NOT_SERVING
func (h *HealthServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.update()
		}
	}
}

// Stop gracefully stops the server
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

func (h *HealthServer) update() {
	ready := h.readiness.Ready()
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)

	if ready != h.serving {
		h.serving = ready
		logging.LogTTSOperation("grpc_health_changed", zap.String("status", status.String()))
	}
}
