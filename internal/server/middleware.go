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
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/api"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/security"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

const maxRequestIDLength = 128

// middleware wraps the mux. Order, outermost first: request id, access
// log and metrics, CORS, API key, body size limit.
func (s *Server) middleware(next http.Handler) http.Handler {
	h := s.limitBody(next)
	h = s.requireAPIKey(h)
	h = s.cors(h)
	h = s.observe(h)
	return requestID(h)
}

// requestID propagates or assigns X-Request-ID
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(api.RequestIDHeader))
		if id == "" || len(id) > maxRequestIDLength || strings.ContainsAny(id, "\r\n") {
			id = xid.New().String()
		}
		w.Header().Set(api.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(api.WithRequestID(r.Context(), id)))
	})
}

// statusRecorder captures the status code and stamps X-Process-Time when
// the header is written
type statusRecorder struct {
	http.ResponseWriter
	start  time.Time
	status int
	wrote  bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.wrote = true
		sr.status = code
		sr.Header().Set("X-Process-Time", strconv.FormatFloat(time.Since(sr.start).Seconds(), 'f', 6, 64))
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.wrote {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush on the real writer
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// observe logs each request and feeds HTTP metrics
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, start: time.Now(), status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(rec.start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)
		}
		logging.LogHTTPRequest(r.Method, security.SanitizeLogInput(r.URL.Path), rec.status,
			zap.String("request_id", api.RequestID(r.Context())),
			zap.Duration("duration", elapsed),
		)
	})
}

// cors applies the configured origin allowlist and answers preflights
func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.cfg.Server.CORSOrigins
	allowAll := slices.Contains(origins, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Process-Time, X-Audio-Duration")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAPIKey enforces X-API-Key outside the public path allowlist
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	if !s.cfg.Auth.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if security.IsPublicPath(r.URL.Path, s.cfg.Auth.NoAuthPaths) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			api.WriteError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !s.apiKeys.Valid(key) {
			logging.LogWarn("Rejected invalid API key",
				zap.String("path", security.SanitizeLogInput(r.URL.Path)),
				zap.String("remote_addr", r.RemoteAddr),
			)
			api.WriteError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// limitBody rejects declared oversize bodies up front and caps the rest
func (s *Server) limitBody(next http.Handler) http.Handler {
	limit := s.cfg.Server.MaxBodyBytes

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			api.WriteError(w, http.StatusRequestEntityTooLarge,
				"Request body too large, the maximum is "+strconv.FormatInt(limit>>20, 10)+" MiB")
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
