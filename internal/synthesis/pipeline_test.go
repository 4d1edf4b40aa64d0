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
	"errors"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleBufferedConcatenatesInOrder(t *testing.T) {
	src := &sliceSource{chunks: []engine.Chunk{monoChunk(1, 150), monoChunk(0, 100)}}

	result, err := AssembleBuffered(src, audio.WAVEncoder{}, testSampleRate, 0)
	require.NoError(t, err)
	assert.Equal(t, 250, result.Frames)
	assert.Equal(t, 2, result.Chunks)
	assert.Equal(t, "audio/wav", result.MIMEType)

	decoded, err := audio.DecodeWAV(result.Data)
	require.NoError(t, err)
	require.Len(t, decoded.Samples, 250)
	assert.Equal(t, testSampleRate, decoded.SampleRate)
	assert.InDelta(t, engine.SampleValue(0), decoded.Samples[0], 1e-3)
	assert.InDelta(t, engine.SampleValue(0), decoded.Samples[99], 1e-3)
	assert.InDelta(t, engine.SampleValue(1), decoded.Samples[100], 1e-3)
}

func TestAssembleBufferedChannelMismatch(t *testing.T) {
	stereo := engine.Chunk{Samples: make([]float32, 20), Channels: 2, Index: 1}
	src := &sliceSource{chunks: []engine.Chunk{monoChunk(0, 10), stereo}}

	_, err := AssembleBuffered(src, audio.WAVEncoder{}, testSampleRate, 0)
	require.True(t, IsKind(err, KindInternal), "got %v", err)
	assert.ErrorIs(t, err, ErrChannelMismatch)
}

func TestAssembleBufferedCeiling(t *testing.T) {
	src := &sliceSource{chunks: []engine.Chunk{monoChunk(0, 100), monoChunk(1, 100)}}

	_, err := AssembleBuffered(src, audio.WAVEncoder{}, testSampleRate, 150)
	assert.True(t, IsKind(err, KindInternal), "got %v", err)
}

func TestAssembleBufferedCeilingCountsHeldChunks(t *testing.T) {
	var chunks []engine.Chunk
	for i := 1; i <= 50; i++ {
		chunks = append(chunks, monoChunk(i, 60))
	}
	src := &sliceSource{chunks: chunks}

	_, err := AssembleBuffered(src, audio.WAVEncoder{}, testSampleRate, 100)
	require.True(t, IsKind(err, KindInternal), "got %v", err)
	assert.Contains(t, err.Error(), "buffered limit")
	assert.Len(t, src.chunks, 48, "assembly should stop at the chunk that crosses the limit")
}

func TestAssembleBufferedBoundsPendingWithoutCeiling(t *testing.T) {
	var chunks []engine.Chunk
	for i := 1; i <= maxPendingChunks+10; i++ {
		chunks = append(chunks, monoChunk(i, 1))
	}
	src := &sliceSource{chunks: chunks}

	_, err := AssembleBuffered(src, audio.WAVEncoder{}, testSampleRate, 0)
	require.True(t, IsKind(err, KindInternal), "got %v", err)
	assert.Len(t, src.chunks, 9)
}

func TestAssembleBufferedSourceError(t *testing.T) {
	src := &sliceSource{chunks: []engine.Chunk{monoChunk(0, 10)}, err: newError(KindTimeout, nil, "slow")}

	_, err := AssembleBuffered(src, audio.WAVEncoder{}, testSampleRate, 0)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
}

func TestAssembleBufferedGapAndDuplicate(t *testing.T) {
	_, err := AssembleBuffered(&sliceSource{chunks: []engine.Chunk{monoChunk(1, 10)}}, audio.WAVEncoder{}, testSampleRate, 0)
	assert.True(t, IsKind(err, KindInternal), "gap: got %v", err)

	_, err = AssembleBuffered(&sliceSource{chunks: []engine.Chunk{monoChunk(0, 10), monoChunk(0, 10)}}, audio.WAVEncoder{}, testSampleRate, 0)
	assert.True(t, IsKind(err, KindInternal), "duplicate: got %v", err)

	_, err = AssembleBuffered(&sliceSource{}, audio.WAVEncoder{}, testSampleRate, 0)
	assert.True(t, IsKind(err, KindInternal), "empty: got %v", err)
}

func TestStreamMatchesBuffered(t *testing.T) {
	chunks := func() []engine.Chunk {
		return []engine.Chunk{monoChunk(0, 100), monoChunk(2, 80), monoChunk(1, 150)}
	}

	buffered, err := AssembleBuffered(&sliceSource{chunks: chunks()}, audio.WAVEncoder{}, testSampleRate, 0)
	require.NoError(t, err)
	whole, err := audio.DecodeWAV(buffered.Data)
	require.NoError(t, err)

	w := &fragmentRecorder{}
	result, err := StreamChunks(&sliceSource{chunks: chunks()}, audio.WAVEncoder{}, testSampleRate, w)
	require.NoError(t, err)
	assert.True(t, result.Started)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, 330, result.Frames)
	assert.Equal(t, 1, w.begins)
	assert.Len(t, w.fragments, 3)

	assert.Equal(t, whole.Samples, w.decodedSamples(t))
}

func TestStreamFailureBeforeFirstFragment(t *testing.T) {
	w := &fragmentRecorder{}
	src := &sliceSource{err: errors.New("engine exploded")}

	result, err := StreamChunks(src, audio.WAVEncoder{}, testSampleRate, w)
	assert.True(t, IsKind(err, KindInternal), "got %v", err)
	assert.False(t, result.Started)
	assert.Zero(t, w.begins)
}

func TestStreamFailureMidStream(t *testing.T) {
	w := &fragmentRecorder{}
	src := &sliceSource{chunks: []engine.Chunk{monoChunk(0, 10)}, err: errors.New("engine exploded")}

	result, err := StreamChunks(src, audio.WAVEncoder{}, testSampleRate, w)
	assert.True(t, IsKind(err, KindInternal), "got %v", err)
	assert.True(t, result.Started)
	assert.Len(t, w.fragments, 1)
}

func TestStreamClientGone(t *testing.T) {
	w := &fragmentRecorder{failAfter: 1}
	src := &sliceSource{chunks: []engine.Chunk{monoChunk(0, 10), monoChunk(1, 10)}}

	result, err := StreamChunks(src, audio.WAVEncoder{}, testSampleRate, w)
	assert.True(t, IsKind(err, KindCanceled), "got %v", err)
	assert.True(t, result.Started)
}

func TestStreamRawPCM(t *testing.T) {
	w := &fragmentRecorder{}
	src := &sliceSource{chunks: []engine.Chunk{monoChunk(0, 10), monoChunk(1, 5)}}

	_, err := StreamChunks(src, audio.PCMEncoder{}, 24000, w)
	require.NoError(t, err)
	assert.Equal(t, "audio/L16;rate=24000;channels=1", w.mimeType)
	require.Len(t, w.fragments, 2)
	assert.Len(t, w.fragments[0], 20)
	assert.Len(t, w.fragments[1], 10)
}

func TestSequencerBoundsPending(t *testing.T) {
	seq := newSequencer(2)
	_, err := seq.push(monoChunk(1, 1))
	require.NoError(t, err)
	_, err = seq.push(monoChunk(2, 1))
	require.NoError(t, err)
	_, err = seq.push(monoChunk(3, 1))
	assert.Error(t, err)
}
