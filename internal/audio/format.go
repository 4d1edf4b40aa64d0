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

// Package audio encodes engine sample buffers into container formats.
package audio

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrEmptyAudio is returned when there are no samples to encode
var ErrEmptyAudio = errors.New("no audio samples to encode")

// Format describes an output container
type Format struct {
	Name      string
	MIMEType  string
	Extension string
}

var (
	FormatWAV = Format{Name: "wav", MIMEType: "audio/wav", Extension: "wav"}
	FormatPCM = Format{Name: "pcm", MIMEType: "audio/L16", Extension: "pcm"}
)

// Encoder turns interleaved float32 samples into a self-contained byte blob
type Encoder interface {
	Format() Format
	Encode(samples []float32, channels, sampleRate int) ([]byte, error)
}

// EncoderFor returns the encoder registered under name
func EncoderFor(name string) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "wav":
		return WAVEncoder{}, nil
	case "pcm", "raw":
		return PCMEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported audio format %q", name)
	}
}

// MIMEType returns the content type for a format, with the sample layout
// parameters raw PCM needs.
func MIMEType(f Format, channels, sampleRate int) string {
	if f.Name == FormatPCM.Name {
		return fmt.Sprintf("%s;rate=%d;channels=%d", f.MIMEType, sampleRate, channels)
	}
	return f.MIMEType
}

func validateLayout(samples []float32, channels, sampleRate int) error {
	if len(samples) == 0 {
		return ErrEmptyAudio
	}
	if channels <= 0 {
		return fmt.Errorf("invalid channel count %d", channels)
	}
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if len(samples)%channels != 0 {
		return fmt.Errorf("sample count %d is not a multiple of %d channels", len(samples), channels)
	}
	return nil
}

// toPCM16 converts a float sample in [-1, 1] to signed 16-bit, clipping
func toPCM16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(float64(s) * math.MaxInt16))
}
