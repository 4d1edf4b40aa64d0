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

// Package engine defines the contract for the neural inference engine and
// the process-scoped session that owns it.
package engine

import (
	"context"
	"fmt"
	"slices"
)

// Mode identifies which engine entry point an invocation uses
type Mode string

const (
	ModeDefault      Mode = "default"       // speaker-id synthesis
	ModeInstructed   Mode = "instructed"    // style instruction + reference audio
	ModeZeroShot     Mode = "zero_shot"     // voice cloning from reference audio + prompt text
	ModeCrossLingual Mode = "cross_lingual" // voice cloning without prompt text
)

// ParseMode converts a wire name into a Mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDefault, ModeInstructed, ModeZeroShot, ModeCrossLingual:
		return m, nil
	default:
		return "", fmt.Errorf("unknown synthesis mode %q", s)
	}
}

// Capabilities is the static descriptor an engine publishes once per session.
// Mode support is decided from this descriptor, never by probing.
type Capabilities struct {
	SampleRate        int      `json:"sample_rate"`
	Channels          int      `json:"channels"`
	Speakers          []string `json:"speakers"`
	Modes             []Mode   `json:"modes"`
	SupportsStreaming bool     `json:"streaming"`
}

// Supports reports whether the engine implements the given mode
func (c Capabilities) Supports(m Mode) bool {
	return slices.Contains(c.Modes, m)
}

// HasSpeaker reports whether id is a built-in speaker
func (c Capabilities) HasSpeaker(id string) bool {
	return slices.Contains(c.Speakers, id)
}

// ReferenceAudio is a decoded voice prompt used by the cloning and
// instructed modes.
type ReferenceAudio struct {
	Samples    []float32
	SampleRate int
	Channels   int
	PromptText string
}

// Invocation is a fully resolved engine call
type Invocation struct {
	Mode        Mode
	Text        string
	SpeakerID   string
	Instruction string
	Reference   *ReferenceAudio
	Speed       float64
	Stream      bool
}

// Validate checks that the invocation carries what its mode needs
func (inv Invocation) Validate() error {
	switch inv.Mode {
	case ModeDefault:
		if inv.SpeakerID == "" {
			return fmt.Errorf("default mode requires a speaker id")
		}
	case ModeInstructed:
		if inv.Instruction == "" {
			return fmt.Errorf("instructed mode requires an instruction")
		}
		if inv.Reference == nil {
			return fmt.Errorf("instructed mode requires reference audio")
		}
	case ModeZeroShot, ModeCrossLingual:
		if inv.Reference == nil {
			return fmt.Errorf("%s mode requires reference audio", inv.Mode)
		}
	default:
		return fmt.Errorf("unknown synthesis mode %q", inv.Mode)
	}
	return nil
}

// Chunk is one unit of audio produced by the engine. Indexes start at 0 and
// are contiguous within one invocation.
type Chunk struct {
	Samples  []float32
	Channels int
	Index    int
}

// Frames returns the number of sample frames in the chunk
func (c Chunk) Frames() int {
	if c.Channels <= 0 {
		return len(c.Samples)
	}
	return len(c.Samples) / c.Channels
}

// Sequence is a lazily pulled chunk stream. Next returns io.EOF once the
// engine has finished. Cancellation follows the context given to Synthesize.
type Sequence interface {
	Next() (Chunk, error)
	Close() error
}

// Engine is the inference engine contract. Implementations are not safe for
// concurrent synthesis; callers serialize access.
type Engine interface {
	Capabilities() Capabilities
	Synthesize(ctx context.Context, inv Invocation) (Sequence, error)
	Close() error
}

// Loader constructs an engine. It is called at most once per successful load.
type Loader func(ctx context.Context) (Engine, error)
