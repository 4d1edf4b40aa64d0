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

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/logging"
	"go.uber.org/zap"
)

var (
	// ErrNotLoaded is returned when the session has no engine and no loader
	ErrNotLoaded = errors.New("engine session not loaded")
	// ErrSessionClosed is returned after Close
	ErrSessionClosed = errors.New("engine session closed")
)

// Session owns the single engine instance of the process. The engine is
// loaded eagerly by Preload or lazily on first use, and is never
// reinitialized once a load has succeeded.
//
// mu guards the published state and is never held across the loader;
// loadMu serializes load attempts.
type Session struct {
	loader Loader
	loadMu sync.Mutex

	mu      sync.Mutex
	engine  Engine
	lastErr error
	closed  bool
}

// NewSession creates an unloaded session
func NewSession(loader Loader) *Session {
	return &Session{loader: loader}
}

// NewLoadedSession wraps an already constructed engine
func NewLoadedSession(e Engine) *Session {
	return &Session{engine: e}
}

// Preload attempts to load the engine at startup. A failure is recorded and
// leaves the session unloaded so the next request retries.
func (s *Session) Preload(ctx context.Context) error {
	_, err := s.Engine(ctx)
	if err != nil {
		logging.LogWarn("Engine preload failed, will retry on first request",
			zap.Error(err),
		)
	}
	return err
}

// Engine returns the loaded engine, loading it if necessary
func (s *Session) Engine(ctx context.Context) (Engine, error) {
	if e, err := s.current(); e != nil || err != nil {
		return e, err
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	// Another caller may have finished loading while we waited
	if e, err := s.current(); e != nil || err != nil {
		return e, err
	}
	if s.loader == nil {
		return nil, ErrNotLoaded
	}

	start := time.Now()
	e, err := s.loader(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to load engine: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = e.Close()
		return nil, ErrSessionClosed
	}
	s.engine = e
	s.lastErr = nil
	s.mu.Unlock()

	caps := e.Capabilities()
	logging.LogTTSOperation("engine_loaded",
		zap.Int("sample_rate", caps.SampleRate),
		zap.Int("speakers", len(caps.Speakers)),
		zap.Any("modes", caps.Modes),
		zap.Duration("load_time", time.Since(start)),
	)

	return e, nil
}

// current returns the published engine, or ErrSessionClosed. Both results
// are nil while the session is unloaded.
func (s *Session) current() (Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.engine, nil
}

// Ready reports whether the engine has been loaded
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine != nil
}

// LastError returns the most recent load failure, if any
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Capabilities returns the descriptor of the loaded engine
func (s *Session) Capabilities() (Capabilities, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return Capabilities{}, false
	}
	return s.engine.Capabilities(), true
}

// BuiltinVoices lists the built-in speaker ids in engine order. An unloaded
// session has no built-in voices.
func (s *Session) BuiltinVoices() []string {
	caps, ok := s.Capabilities()
	if !ok {
		return nil
	}
	return append([]string(nil), caps.Speakers...)
}

// Close releases the engine
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.engine == nil {
		return nil
	}
	err := s.engine.Close()
	s.engine = nil
	return err
}
