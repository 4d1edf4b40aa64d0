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

package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// QueuePolicy decides what happens to a request when every slot is busy
type QueuePolicy string

const (
	PolicyQueue  QueuePolicy = "queue"
	PolicyReject QueuePolicy = "reject"
)

// errRequestDeadline is the cancellation cause of an expired request deadline
var errRequestDeadline = errors.New("synthesis deadline exceeded")

// GovernorConfig configures engine admission
type GovernorConfig struct {
	MaxConcurrent int
	Policy        QueuePolicy
	MaxQueue      int
	Timeout       time.Duration // covers queue wait and generation
	CleanupGrace  time.Duration // how long a cancelled engine call may hold its slot
	ChunkBuffer   int           // chunks produced ahead of the consumer
}

// GovernorStats is a point-in-time view of admission state
type GovernorStats struct {
	Slots    int
	InFlight int
	Waiting  int
}

// Governor serializes access to the engine. It owns the only lock in the
// request path: a FIFO weighted semaphore with one unit per engine slot.
type Governor struct {
	cfg      GovernorConfig
	sem      *semaphore.Weighted
	waiting  atomic.Int64
	inFlight atomic.Int64
	observer Observer
}

// NewGovernor creates a governor, filling in defaults for zero values
func NewGovernor(cfg GovernorConfig, observer Observer) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyQueue
	}
	if cfg.MaxQueue < 0 {
		cfg.MaxQueue = 0
	}
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = 2 * time.Second
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = 2
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Governor{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		observer: observer,
	}
}

// Stats returns the current admission state
func (g *Governor) Stats() GovernorStats {
	return GovernorStats{
		Slots:    g.cfg.MaxConcurrent,
		InFlight: int(g.inFlight.Load()),
		Waiting:  int(g.waiting.Load()),
	}
}

// Invoke admits one engine call and returns its chunk stream. The caller
// must Close the stream. Invoke never retries.
func (g *Governor) Invoke(ctx context.Context, eng engine.Engine, inv engine.Invocation) (*Stream, error) {
	var cancel context.CancelFunc
	if g.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, g.cfg.Timeout, errRequestDeadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	if err := g.admit(ctx); err != nil {
		cancel()
		return nil, err
	}

	g.observer.SetInFlight(int(g.inFlight.Add(1)))

	s := &Stream{
		ctx:          ctx,
		cancel:       cancel,
		results:      make(chan chunkResult, g.cfg.ChunkBuffer),
		producerDone: make(chan struct{}),
		released:     make(chan struct{}),
		governor:     g,
	}
	go s.produce(eng, inv)

	return s, nil
}

func (g *Governor) admit(ctx context.Context) error {
	if g.sem.TryAcquire(1) {
		g.observer.ObserveQueueWait(0)
		return nil
	}

	if g.cfg.Policy == PolicyReject {
		return newError(KindOverloaded, nil, "speech engine is busy, try again shortly")
	}

	waiting := g.waiting.Add(1)
	if waiting > int64(g.cfg.MaxQueue) {
		g.observer.SetQueued(int(g.waiting.Add(-1)))
		return newError(KindOverloaded, nil, "speech synthesis queue is full, try again shortly")
	}
	g.observer.SetQueued(int(waiting))

	start := time.Now()
	err := g.sem.Acquire(ctx, 1)
	g.observer.SetQueued(int(g.waiting.Add(-1)))
	g.observer.ObserveQueueWait(time.Since(start))

	if err != nil {
		return contextError(ctx, "waiting for the speech engine")
	}
	return nil
}

func (g *Governor) release() {
	g.sem.Release(1)
	g.observer.SetInFlight(int(g.inFlight.Add(-1)))
}

// contextError classifies a done context: an expired deadline is a Timeout,
// anything else means the client went away.
func contextError(ctx context.Context, doing string) *Error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errRequestDeadline) || errors.Is(cause, context.DeadlineExceeded) {
		return newError(KindTimeout, cause, "speech synthesis timed out while %s", doing)
	}
	return newError(KindCanceled, cause, "request canceled while %s", doing)
}

type chunkResult struct {
	chunk engine.Chunk
	err   error
}

// Stream is a lazily pulled chunk stream backed by one engine call. A
// producer goroutine pulls the engine into a bounded buffer, so a slow
// consumer slows generation down.
type Stream struct {
	ctx          context.Context
	cancel       context.CancelFunc
	results      chan chunkResult
	producerDone chan struct{}
	released     chan struct{}
	governor     *Governor

	releaseOnce sync.Once
	closeOnce   sync.Once
	finished    bool
}

func (s *Stream) produce(eng engine.Engine, inv engine.Invocation) {
	defer close(s.producerDone)
	defer s.releaseSlot()

	seq, err := eng.Synthesize(s.ctx, inv)
	if err != nil {
		s.send(chunkResult{err: fmt.Errorf("engine synthesis failed to start: %w", err)})
		close(s.results)
		return
	}
	defer seq.Close()

	for {
		chunk, err := seq.Next()
		if errors.Is(err, io.EOF) {
			close(s.results)
			return
		}
		if err != nil {
			s.send(chunkResult{err: err})
			close(s.results)
			return
		}
		if !s.send(chunkResult{chunk: chunk}) {
			close(s.results)
			return
		}
	}
}

func (s *Stream) send(r chunkResult) bool {
	select {
	case s.results <- r:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stream) releaseSlot() {
	s.releaseOnce.Do(func() {
		s.governor.release()
		close(s.released)
	})
}

// Next returns the next chunk, io.EOF at the end, or an *Error
func (s *Stream) Next() (engine.Chunk, error) {
	if s.finished {
		return engine.Chunk{}, io.EOF
	}

	select {
	case r, ok := <-s.results:
		if !ok {
			if s.ctx.Err() != nil {
				return engine.Chunk{}, contextError(s.ctx, "generating audio")
			}
			s.finished = true
			return engine.Chunk{}, io.EOF
		}
		if r.err != nil {
			if s.ctx.Err() != nil {
				return engine.Chunk{}, contextError(s.ctx, "generating audio")
			}
			return engine.Chunk{}, Classify(r.err)
		}
		return r.chunk, nil
	case <-s.ctx.Done():
		return engine.Chunk{}, contextError(s.ctx, "generating audio")
	}
}

// Close cancels generation if it is still running. It does not block: the
// engine slot is freed as soon as the engine stops, or after the cleanup
// grace period if it never does.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		select {
		case <-s.producerDone:
			s.releaseSlot()
			return
		default:
		}

		go func() {
			grace := time.NewTimer(s.governor.cfg.CleanupGrace)
			defer grace.Stop()

			select {
			case <-s.producerDone:
			case <-grace.C:
				s.governor.observer.IncAbandoned()
				logging.LogWarn("Engine did not stop within cleanup grace, releasing slot",
					zap.String("component", "governor"),
					zap.Duration("grace", s.governor.cfg.CleanupGrace),
				)
			}
			s.releaseSlot()
		}()
	})
}

// Released is closed once the stream's engine slot has been returned
func (s *Stream) Released() <-chan struct{} {
	return s.released
}
