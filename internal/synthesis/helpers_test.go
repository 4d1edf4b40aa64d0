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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/events"
	"github.com/loqalabs/loqa-tts/internal/voices"
	"github.com/stretchr/testify/require"
)

const testSampleRate = 22050

func testWAV(t *testing.T, frames int) []byte {
	t.Helper()
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = 0.1
	}
	data, err := audio.WAVEncoder{}.Encode(samples, 1, 16000)
	require.NoError(t, err)
	return data
}

// storeVoice writes a custom voice recording (and prompt text) into dir
func storeVoice(t *testing.T, dir, id, promptText string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".wav"), testWAV(t, 160), 0o600))
	if promptText != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte("prompt_text: "+promptText+"\n"), 0o600))
	}
}

type staticBuiltins []string

func (s staticBuiltins) BuiltinVoices() []string { return s }

// sliceSource replays chunks, then ends with err (io.EOF when nil)
type sliceSource struct {
	chunks []engine.Chunk
	err    error
}

func (s *sliceSource) Next() (engine.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return engine.Chunk{}, s.err
		}
		return engine.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func monoChunk(index, frames int) engine.Chunk {
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = engine.SampleValue(index)
	}
	return engine.Chunk{Samples: samples, Channels: 1, Index: index}
}

// fragmentRecorder is an in-memory FragmentWriter
type fragmentRecorder struct {
	mimeType  string
	begins    int
	fragments [][]byte
	failAfter int // fail writes once this many fragments were written, 0 disables
}

func (f *fragmentRecorder) Begin(mimeType string) error {
	f.begins++
	f.mimeType = mimeType
	return nil
}

func (f *fragmentRecorder) WriteFragment(data []byte) error {
	if f.failAfter > 0 && len(f.fragments) >= f.failAfter {
		return errors.New("broken pipe")
	}
	f.fragments = append(f.fragments, data)
	return nil
}

// decodedSamples decodes and concatenates WAV fragments
func (f *fragmentRecorder) decodedSamples(t *testing.T) []float32 {
	t.Helper()
	var out []float32
	for _, frag := range f.fragments {
		decoded, err := audio.DecodeWAV(frag)
		require.NoError(t, err)
		out = append(out, decoded.Samples...)
	}
	return out
}

// memoryRecorder collects events
type memoryRecorder struct {
	mu     sync.Mutex
	events []*events.SynthesisEvent
}

func (m *memoryRecorder) Record(_ context.Context, event *events.SynthesisEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *memoryRecorder) last() *events.SynthesisEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func newTestRegistry(t *testing.T, builtins ...string) (*voices.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	return voices.NewRegistry(voices.Config{Dir: dir}, staticBuiltins(builtins)), dir
}
