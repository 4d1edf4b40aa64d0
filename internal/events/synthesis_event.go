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

package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SynthesisEvent is the audit record of one synthesis request
type SynthesisEvent struct {
	// Core identification
	UUID      string    `json:"uuid" db:"uuid"`
	RequestID string    `json:"request_id" db:"request_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	// Request
	VoiceID    string  `json:"voice_id" db:"voice_id"`
	Mode       string  `json:"mode" db:"mode"`
	Streaming  bool    `json:"streaming" db:"streaming"`
	TextHash   string  `json:"text_hash" db:"text_hash"`
	TextLength int     `json:"text_length" db:"text_length"`
	Speed      float64 `json:"speed" db:"speed"`

	// Audio produced
	SampleRate    int     `json:"sample_rate" db:"sample_rate"`
	Samples       int     `json:"samples" db:"samples"`
	Chunks        int     `json:"chunks" db:"chunks"`
	AudioDuration float64 `json:"audio_duration" db:"audio_duration"`

	// Outcome
	ProcessingTime int64  `json:"processing_time_ms" db:"processing_time_ms"`
	Success        bool   `json:"success" db:"success"`
	Truncated      bool   `json:"truncated" db:"truncated"`
	ErrorKind      string `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage   string `json:"error_message,omitempty" db:"error_message"`
}

// NewSynthesisEvent creates an event with a generated UUID and the current time
func NewSynthesisEvent(requestID string) *SynthesisEvent {
	return &SynthesisEvent{
		UUID:      uuid.NewString(),
		RequestID: requestID,
		Timestamp: time.Now(),
		Success:   true,
	}
}

// SetRequest records what was asked for. Only a hash of the text is kept.
func (se *SynthesisEvent) SetRequest(voiceID, text string, speed float64, streaming bool) {
	se.VoiceID = voiceID
	se.TextHash = hashText(text)
	se.TextLength = len([]rune(text))
	se.Speed = speed
	se.Streaming = streaming
}

// SetAudio records the produced audio; samples counts sample frames
func (se *SynthesisEvent) SetAudio(samples, chunks, sampleRate int) {
	se.Samples = samples
	se.Chunks = chunks
	se.SampleRate = sampleRate
	if sampleRate > 0 {
		se.AudioDuration = float64(samples) / float64(sampleRate)
	}
}

// Complete marks the event finished
func (se *SynthesisEvent) Complete() {
	se.ProcessingTime = time.Since(se.Timestamp).Milliseconds()
}

// SetError marks the event as failed
func (se *SynthesisEvent) SetError(kind string, err error) {
	se.Success = false
	se.ErrorKind = kind
	if err != nil {
		se.ErrorMessage = err.Error()
	}
	se.Complete()
}

// Subject returns the messaging subject suffix for the event outcome
func (se *SynthesisEvent) Subject() string {
	if se.Success {
		return "completed"
	}
	return "failed"
}

// GetUUID returns the event UUID
func (se *SynthesisEvent) GetUUID() string {
	return se.UUID
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// IsValid performs basic validation on the event
func (se *SynthesisEvent) IsValid() error {
	if se.UUID == "" {
		return fmt.Errorf("UUID is required")
	}

	if se.RequestID == "" {
		return fmt.Errorf("requestID is required")
	}

	if se.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if se.Samples < 0 || se.Chunks < 0 {
		return fmt.Errorf("audio counters must not be negative")
	}

	if !se.Success && se.ErrorKind == "" {
		return fmt.Errorf("failed events require an error kind")
	}

	return nil
}

// String returns a human-readable representation of the event
func (se *SynthesisEvent) String() string {
	return fmt.Sprintf("SynthesisEvent{UUID: %s, Voice: %s, Mode: %s, Samples: %d, Success: %t}",
		se.UUID, se.VoiceID, se.Mode, se.Samples, se.Success)
}
