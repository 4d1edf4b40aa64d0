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
	"io"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/engine"
)

// ErrChannelMismatch is reported when chunks of one invocation disagree on
// their channel count
var ErrChannelMismatch = errors.New("audio chunks have mismatched channel counts")

// maxPendingChunks bounds how far ahead of a gap the sequencer will buffer
const maxPendingChunks = 64

// ChunkSource yields engine chunks; *Stream implements it
type ChunkSource interface {
	Next() (engine.Chunk, error)
}

// BufferedAudio is a complete encoded response
type BufferedAudio struct {
	Data       []byte
	Format     audio.Format
	MIMEType   string
	SampleRate int
	Channels   int
	Frames     int
	Chunks     int
}

// Duration returns the audio length in seconds
func (b *BufferedAudio) Duration() float64 {
	if b.SampleRate == 0 {
		return 0
	}
	return float64(b.Frames) / float64(b.SampleRate)
}

// AssembleBuffered drains src, orders chunks by index, concatenates them and
// encodes the result once. maxFrames of zero disables the size ceiling.
func AssembleBuffered(src ChunkSource, enc audio.Encoder, sampleRate, maxFrames int) (*BufferedAudio, error) {
	seq := newSequencer(maxPendingChunks)
	var (
		samples  []float32
		channels int
		frames   int
		received int
	)

	for {
		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Classify(err)
		}

		// Held chunks count too, so a gap cannot grow the buffer past the ceiling
		received += chunk.Frames()
		if maxFrames > 0 && received > maxFrames {
			return nil, newError(KindInternal, nil, "synthesized audio exceeds the buffered limit of %d samples", maxFrames)
		}

		ready, err := seq.push(chunk)
		if err != nil {
			return nil, newError(KindInternal, err, "engine produced an inconsistent chunk sequence")
		}
		for _, c := range ready {
			if channels == 0 {
				channels = c.Channels
			} else if c.Channels != channels {
				return nil, newError(KindInternal, ErrChannelMismatch, "chunk %d has %d channels, expected %d", c.Index, c.Channels, channels)
			}
			frames += c.Frames()
			samples = append(samples, c.Samples...)
		}
	}

	if err := seq.finish(); err != nil {
		return nil, newError(KindInternal, err, "engine produced an inconsistent chunk sequence")
	}
	if len(samples) == 0 {
		return nil, newError(KindInternal, audio.ErrEmptyAudio, "engine produced no audio")
	}

	data, err := enc.Encode(samples, channels, sampleRate)
	if err != nil {
		return nil, newError(KindInternal, err, "failed to encode audio")
	}

	return &BufferedAudio{
		Data:       data,
		Format:     enc.Format(),
		MIMEType:   audio.MIMEType(enc.Format(), channels, sampleRate),
		SampleRate: sampleRate,
		Channels:   channels,
		Frames:     frames,
		Chunks:     seq.delivered(),
	}, nil
}

// FragmentWriter receives streamed audio. Begin is called exactly once,
// right before the first fragment, so a failure before any audio exists can
// still be reported as an ordinary error response.
type FragmentWriter interface {
	Begin(mimeType string) error
	WriteFragment(data []byte) error
}

// StreamResult summarizes a streamed response
type StreamResult struct {
	Started  bool // at least one byte reached the writer
	Chunks   int
	Frames   int
	Channels int
}

// StreamChunks encodes each chunk as a self-contained fragment and writes it
// as soon as it is next in order. On error the returned result tells whether
// the response was already committed.
func StreamChunks(src ChunkSource, enc audio.Encoder, sampleRate int, w FragmentWriter) (StreamResult, error) {
	var result StreamResult
	seq := newSequencer(maxPendingChunks)

	for {
		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, Classify(err)
		}

		ready, err := seq.push(chunk)
		if err != nil {
			return result, newError(KindInternal, err, "engine produced an inconsistent chunk sequence")
		}

		for _, c := range ready {
			if err := writeChunk(&result, c, enc, sampleRate, w); err != nil {
				return result, err
			}
		}
	}

	if err := seq.finish(); err != nil {
		return result, newError(KindInternal, err, "engine produced an inconsistent chunk sequence")
	}
	if !result.Started {
		return result, newError(KindInternal, audio.ErrEmptyAudio, "engine produced no audio")
	}
	return result, nil
}

func writeChunk(result *StreamResult, c engine.Chunk, enc audio.Encoder, sampleRate int, w FragmentWriter) error {
	if result.Channels == 0 {
		result.Channels = c.Channels
	} else if c.Channels != result.Channels {
		return newError(KindInternal, ErrChannelMismatch, "chunk %d has %d channels, expected %d", c.Index, c.Channels, result.Channels)
	}

	result.Chunks++
	if len(c.Samples) == 0 {
		return nil
	}

	fragment, err := enc.Encode(c.Samples, c.Channels, sampleRate)
	if err != nil {
		return newError(KindInternal, err, "failed to encode audio chunk %d", c.Index)
	}

	if !result.Started {
		if err := w.Begin(audio.MIMEType(enc.Format(), c.Channels, sampleRate)); err != nil {
			return newError(KindCanceled, err, "client connection lost")
		}
		result.Started = true
	}
	if err := w.WriteFragment(fragment); err != nil {
		return newError(KindCanceled, err, "client connection lost")
	}
	result.Frames += c.Frames()
	return nil
}

// bufferedFrameLimit converts a duration ceiling in seconds to sample frames
func bufferedFrameLimit(seconds, sampleRate int) int {
	if seconds <= 0 {
		return 0
	}
	return seconds * sampleRate
}
