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
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultInvocation() engine.Invocation {
	return engine.Invocation{Mode: engine.ModeDefault, Text: "hello", SpeakerID: "alice", Speed: 1}
}

func drain(t *testing.T, s *Stream) (int, error) {
	t.Helper()
	n := 0
	for {
		_, err := s.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func waitReleased(t *testing.T, s *Stream, within time.Duration) {
	t.Helper()
	select {
	case <-s.Released():
	case <-time.After(within):
		t.Fatalf("engine slot not released within %s", within)
	}
}

func TestGovernorSerializesEngineAccess(t *testing.T) {
	fake := engine.NewFake(testSampleRate, "alice")
	fake.ChunkSizes = []int{10, 10, 10}
	fake.Delay = 5 * time.Millisecond

	gov := NewGovernor(GovernorConfig{MaxConcurrent: 1, MaxQueue: 16, Timeout: 5 * time.Second}, nil)

	const requests = 6
	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := gov.Invoke(context.Background(), fake, defaultInvocation())
			if err != nil {
				errs <- err
				return
			}
			defer s.Close()
			if _, err := drain(t, s); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	calls := fake.Calls()
	require.Len(t, calls, requests)
	assert.Equal(t, 1, fake.PeakConcurrency())

	sort.Slice(calls, func(i, j int) bool { return calls[i].Start.Before(calls[j].Start) })
	for i := 1; i < len(calls); i++ {
		assert.False(t, calls[i].Start.Before(calls[i-1].End),
			"invocation %d started before invocation %d ended", i, i-1)
	}
}

func TestGovernorRejectPolicy(t *testing.T) {
	fake := engine.NewFake(testSampleRate, "alice")
	fake.Delay = time.Second

	gov := NewGovernor(GovernorConfig{MaxConcurrent: 1, Policy: PolicyReject, Timeout: 5 * time.Second}, nil)

	first, err := gov.Invoke(context.Background(), fake, defaultInvocation())
	require.NoError(t, err)
	defer first.Close()

	start := time.Now()
	_, err = gov.Invoke(context.Background(), fake, defaultInvocation())
	assert.True(t, IsKind(err, KindOverloaded), "got %v", err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Eventually(t, func() bool { return fake.Invocations() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, gov.Stats().InFlight)
}

func TestGovernorQueueLimit(t *testing.T) {
	fake := engine.NewFake(testSampleRate, "alice")
	fake.Delay = 200 * time.Millisecond

	gov := NewGovernor(GovernorConfig{MaxConcurrent: 1, Policy: PolicyQueue, MaxQueue: 1, Timeout: 5 * time.Second}, nil)

	first, err := gov.Invoke(context.Background(), fake, defaultInvocation())
	require.NoError(t, err)

	queued := make(chan error, 1)
	go func() {
		s, err := gov.Invoke(context.Background(), fake, defaultInvocation())
		if err == nil {
			_, err = drain(t, s)
			s.Close()
		}
		queued <- err
	}()

	require.Eventually(t, func() bool { return gov.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	_, err = gov.Invoke(context.Background(), fake, defaultInvocation())
	assert.True(t, IsKind(err, KindOverloaded), "got %v", err)

	_, err = drain(t, first)
	require.NoError(t, err)
	first.Close()

	assert.NoError(t, <-queued)
	assert.Equal(t, 2, fake.Invocations())
	assert.Equal(t, GovernorStats{Slots: 1}, gov.Stats())
}

func TestGovernorTimeoutAtDeadline(t *testing.T) {
	fake := engine.NewFake(testSampleRate, "alice")
	fake.Delay = 10 * time.Second

	gov := NewGovernor(GovernorConfig{MaxConcurrent: 1, Timeout: 100 * time.Millisecond, CleanupGrace: time.Second}, nil)

	start := time.Now()
	s, err := gov.Invoke(context.Background(), fake, defaultInvocation())
	require.NoError(t, err)

	_, err = s.Next()
	elapsed := time.Since(start)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	s.Close()
	waitReleased(t, s, time.Second)

	// the slot is usable again
	fake.Delay = 0
	next, err := gov.Invoke(context.Background(), fake, defaultInvocation())
	require.NoError(t, err)
	n, err := drain(t, next)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	next.Close()
}

func TestGovernorReleasesSlotFromHungEngine(t *testing.T) {
	fake := engine.NewFake(testSampleRate, "alice")
	fake.Hang = true
	defer fake.Release()

	gov := NewGovernor(GovernorConfig{MaxConcurrent: 1, Timeout: 50 * time.Millisecond, CleanupGrace: 100 * time.Millisecond}, nil)

	s, err := gov.Invoke(context.Background(), fake, defaultInvocation())
	require.NoError(t, err)

	_, err = s.Next()
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)

	closed := time.Now()
	s.Close()
	waitReleased(t, s, time.Second)
	assert.GreaterOrEqual(t, time.Since(closed), 100*time.Millisecond)
	assert.Equal(t, 0, gov.Stats().InFlight)
}

func TestGovernorQueueWaitCountsTowardTimeout(t *testing.T) {
	fake := engine.NewFake(testSampleRate, "alice")
	fake.Hang = true
	defer fake.Release()

	gov := NewGovernor(GovernorConfig{MaxConcurrent: 1, MaxQueue: 4, Timeout: 100 * time.Millisecond, CleanupGrace: 50 * time.Millisecond}, nil)

	holder, err := gov.Invoke(context.Background(), fake, defaultInvocation())
	require.NoError(t, err)

	start := time.Now()
	_, err = gov.Invoke(context.Background(), fake, defaultInvocation())
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, fake.Invocations())

	holder.Close()
	waitReleased(t, holder, time.Second)
}

func TestGovernorClientDisconnectReleasesSlot(t *testing.T) {
	fake := engine.NewFake(testSampleRate, "alice")
	fake.ChunkSizes = []int{10, 10, 10, 10}
	fake.Delay = 50 * time.Millisecond

	gov := NewGovernor(GovernorConfig{MaxConcurrent: 1, Timeout: 5 * time.Second, CleanupGrace: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := gov.Invoke(ctx, fake, defaultInvocation())
	require.NoError(t, err)

	_, err = s.Next()
	require.NoError(t, err)

	cancel()
	_, err = s.Next()
	assert.True(t, IsKind(err, KindCanceled), "got %v", err)

	s.Close()
	waitReleased(t, s, time.Second)
	assert.Equal(t, 0, fake.Active())
}

func TestGovernorEngineStartFailure(t *testing.T) {
	fake := engine.NewFake(testSampleRate, "alice")
	fake.SynthesizeErr = errors.New("model crashed")

	gov := NewGovernor(GovernorConfig{}, nil)
	s, err := gov.Invoke(context.Background(), fake, defaultInvocation())
	require.NoError(t, err)

	_, err = s.Next()
	assert.True(t, IsKind(err, KindInternal), "got %v", err)
	s.Close()
	waitReleased(t, s, time.Second)
}

func TestGovernorBackpressure(t *testing.T) {
	fake := engine.NewFake(testSampleRate, "alice")
	fake.ChunkSizes = []int{1, 1, 1, 1, 1, 1, 1, 1}

	gov := NewGovernor(GovernorConfig{ChunkBuffer: 2, Timeout: 5 * time.Second}, nil)
	s, err := gov.Invoke(context.Background(), fake, defaultInvocation())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 2, cap(s.results))

	n, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}
