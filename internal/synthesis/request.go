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
	"math"
	"strings"
	"unicode/utf8"
)

const (
	MinSpeed     = 0.5
	MaxSpeed     = 2.0
	DefaultSpeed = 1.0
)

// Request is a caller's synthesis request after transport decoding
type Request struct {
	RequestID   string
	Text        string
	VoiceID     string
	Instruction string
	Streaming   bool
	Speed       float64 // 0 means DefaultSpeed
	PromptAudio []byte  // WAV recording for voice cloning
	PromptText  string
	Mode        string // optional hint: zero_shot or cross_lingual
	Format      string // output container, wav or pcm
}

// Normalize trims fields and validates the request. maxTextLength of zero
// disables the length check.
func (r *Request) Normalize(maxTextLength int) error {
	r.Text = strings.TrimSpace(r.Text)
	r.VoiceID = strings.TrimSpace(r.VoiceID)
	r.Instruction = strings.TrimSpace(r.Instruction)
	r.PromptText = strings.TrimSpace(r.PromptText)
	r.Mode = strings.ToLower(strings.TrimSpace(r.Mode))
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))

	if r.Text == "" {
		return newError(KindValidation, nil, "text must not be empty")
	}
	if maxTextLength > 0 && utf8.RuneCountInString(r.Text) > maxTextLength {
		return newError(KindValidation, nil, "text exceeds the maximum length of %d characters", maxTextLength)
	}
	if r.VoiceID == "" && len(r.PromptAudio) == 0 {
		return newError(KindValidation, nil, "voice_id must not be empty")
	}

	if r.Speed == 0 {
		r.Speed = DefaultSpeed
	}
	if math.IsNaN(r.Speed) || r.Speed < MinSpeed || r.Speed > MaxSpeed {
		return newError(KindValidation, nil, "speed must be between %.1f and %.1f", MinSpeed, MaxSpeed)
	}

	return nil
}

// ClampSpeed forces speed into the range the engine accepts
func ClampSpeed(speed float64) float64 {
	if math.IsNaN(speed) || speed == 0 {
		return DefaultSpeed
	}
	return math.Min(MaxSpeed, math.Max(MinSpeed, speed))
}
