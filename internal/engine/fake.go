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
	"io"
	"sync"
	"time"
)

// ErrFakeFailure is the default error injected by Fake.FailAt
var ErrFakeFailure = errors.New("fake engine failure")

// Call records one invocation of a Fake engine
type Call struct {
	Invocation Invocation
	Start      time.Time
	End        time.Time // zero until the sequence is closed
}

// Fake is a scriptable in-process engine for tests and local development.
// Chunk i carries ChunkSizes[i] samples, all equal to SampleValue(i).
type Fake struct {
	Caps Capabilities

	ChunkSizes    []int
	ChunkChannels []int         // per-chunk channel override
	EmitOrder     []int         // chunk emission order, defaults to 0..n-1
	Delay         time.Duration // before each chunk, honors ctx
	FailAt        int           // index in emission order to fail at, -1 for never
	FailErr       error
	Hang          bool // Next blocks until Release, ignoring ctx
	SynthesizeErr error

	mu      sync.Mutex
	calls   []Call
	active  int
	peak    int
	release chan struct{}
	closed  bool
}

// NewFake returns a fake engine with one built-in speaker per id
func NewFake(sampleRate int, speakers ...string) *Fake {
	return &Fake{
		Caps: Capabilities{
			SampleRate:        sampleRate,
			Channels:          1,
			Speakers:          speakers,
			Modes:             []Mode{ModeDefault, ModeInstructed, ModeZeroShot, ModeCrossLingual},
			SupportsStreaming: true,
		},
		ChunkSizes: []int{100, 150},
		FailAt:     -1,
		release:    make(chan struct{}),
	}
}

// SampleValue is the value of every sample in chunk index
func SampleValue(index int) float32 {
	return float32(index+1) / 16
}

// Capabilities implements Engine
func (f *Fake) Capabilities() Capabilities {
	return f.Caps
}

// Synthesize implements Engine
func (f *Fake) Synthesize(ctx context.Context, inv Invocation) (Sequence, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SynthesizeErr != nil {
		return nil, f.SynthesizeErr
	}

	f.calls = append(f.calls, Call{Invocation: inv, Start: time.Now()})
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}

	order := f.EmitOrder
	if order == nil {
		order = make([]int, len(f.ChunkSizes))
		for i := range order {
			order[i] = i
		}
	}

	return &fakeSequence{
		fake:  f,
		ctx:   ctx,
		call:  len(f.calls) - 1,
		order: order,
	}, nil
}

// Close implements Engine
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Release unblocks every sequence stuck in Hang mode
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.release:
	default:
		close(f.release)
	}
}

// Invocations returns the number of Synthesize calls that started
func (f *Fake) Invocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Calls returns a copy of the recorded calls
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// PeakConcurrency returns the largest number of simultaneously open sequences
func (f *Fake) PeakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// Active returns the number of open sequences
func (f *Fake) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type fakeSequence struct {
	fake    *Fake
	ctx     context.Context
	call    int
	order   []int
	emitted int
	once    sync.Once
}

func (s *fakeSequence) Next() (Chunk, error) {
	f := s.fake

	if f.Hang {
		<-f.release
		return Chunk{}, io.EOF
	}

	if s.emitted >= len(s.order) {
		return Chunk{}, io.EOF
	}

	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		case <-timer.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}

	if f.FailAt >= 0 && s.emitted == f.FailAt {
		if f.FailErr != nil {
			return Chunk{}, f.FailErr
		}
		return Chunk{}, ErrFakeFailure
	}

	index := s.order[s.emitted]
	s.emitted++

	channels := f.Caps.Channels
	if index < len(f.ChunkChannels) {
		channels = f.ChunkChannels[index]
	}
	if channels <= 0 {
		channels = 1
	}

	samples := make([]float32, f.ChunkSizes[index])
	for i := range samples {
		samples[i] = SampleValue(index)
	}

	return Chunk{Samples: samples, Channels: channels, Index: index}, nil
}

func (s *fakeSequence) Close() error {
	s.once.Do(func() {
		f := s.fake
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls[s.call].End = time.Now()
		f.active--
	})
	return nil
}
