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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLazyLoadRetriesAfterFailure(t *testing.T) {
	attempts := 0
	fake := NewFake(22050, "alice")
	session := NewSession(func(ctx context.Context) (Engine, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("worker unavailable")
		}
		return fake, nil
	})

	err := session.Preload(context.Background())
	require.Error(t, err)
	assert.False(t, session.Ready())
	assert.Error(t, session.LastError())
	assert.Empty(t, session.BuiltinVoices())

	e, err := session.Engine(context.Background())
	require.NoError(t, err)
	assert.Same(t, fake, e)
	assert.True(t, session.Ready())
	assert.NoError(t, session.LastError())
	assert.Equal(t, []string{"alice"}, session.BuiltinVoices())
}

func TestSessionNeverReinitializes(t *testing.T) {
	attempts := 0
	session := NewSession(func(ctx context.Context) (Engine, error) {
		attempts++
		return NewFake(16000, "bob"), nil
	})

	first, err := session.Engine(context.Background())
	require.NoError(t, err)
	second, err := session.Engine(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, attempts)
}

func TestSessionStateAvailableDuringSlowLoad(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fake := NewFake(22050, "alice")
	session := NewSession(func(ctx context.Context) (Engine, error) {
		close(entered)
		<-release
		return fake, nil
	})

	loaded := make(chan error, 1)
	go func() {
		_, err := session.Engine(context.Background())
		loaded <- err
	}()
	<-entered

	start := time.Now()
	assert.False(t, session.Ready())
	assert.NoError(t, session.LastError())
	assert.Empty(t, session.BuiltinVoices())
	_, ok := session.Capabilities()
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "state accessors waited on the loader")

	close(release)
	require.NoError(t, <-loaded)
	assert.True(t, session.Ready())
	assert.Equal(t, []string{"alice"}, session.BuiltinVoices())
}

func TestSessionCloseDuringLoad(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fake := NewFake(22050, "alice")
	session := NewSession(func(ctx context.Context) (Engine, error) {
		close(entered)
		<-release
		return fake, nil
	})

	loaded := make(chan error, 1)
	go func() {
		_, err := session.Engine(context.Background())
		loaded <- err
	}()
	<-entered

	require.NoError(t, session.Close())
	close(release)

	assert.ErrorIs(t, <-loaded, ErrSessionClosed)
	assert.False(t, session.Ready())
}

func TestSessionClose(t *testing.T) {
	fake := NewFake(16000)
	session := NewLoadedSession(fake)
	require.True(t, session.Ready())

	require.NoError(t, session.Close())
	assert.False(t, session.Ready())

	_, err := session.Engine(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionWithoutLoader(t *testing.T) {
	_, err := NewSession(nil).Engine(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestInvocationValidate(t *testing.T) {
	ref := &ReferenceAudio{Samples: []float32{0}, SampleRate: 16000, Channels: 1}

	tests := []struct {
		name    string
		inv     Invocation
		wantErr bool
	}{
		{"default with speaker", Invocation{Mode: ModeDefault, SpeakerID: "alice"}, false},
		{"default without speaker", Invocation{Mode: ModeDefault}, true},
		{"instructed", Invocation{Mode: ModeInstructed, Instruction: "whisper", Reference: ref}, false},
		{"instructed without reference", Invocation{Mode: ModeInstructed, Instruction: "whisper"}, true},
		{"zero shot", Invocation{Mode: ModeZeroShot, Reference: ref}, false},
		{"cross lingual without reference", Invocation{Mode: ModeCrossLingual}, true},
		{"unknown mode", Invocation{Mode: "karaoke"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.inv.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("zero_shot")
	require.NoError(t, err)
	assert.Equal(t, ModeZeroShot, m)

	_, err = ParseMode("sft")
	assert.Error(t, err)
}
