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

package messaging

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNATSServiceDefaults(t *testing.T) {
	ns := NewNATSService(Config{})
	assert.Equal(t, nats.DefaultURL, ns.config.URL)
	assert.Equal(t, "loqa.tts.synthesis.completed", ns.SynthesisSubject("completed"))
	assert.False(t, ns.IsConnected())
	assert.Equal(t, nats.Statistics{}, ns.GetStats())
}

func TestEncodeSynthesisEvent(t *testing.T) {
	ns := NewNATSService(Config{SubjectPrefix: "test.tts"})

	tests := []struct {
		name    string
		fail    bool
		subject string
	}{
		{"completed", false, "test.tts.synthesis.completed"},
		{"failed", true, "test.tts.synthesis.failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := events.NewSynthesisEvent("req-1")
			event.SetRequest("alice", "hello", 1, true)
			if tt.fail {
				event.SetError("timeout", errors.New("deadline exceeded"))
			}

			subject, data, err := ns.encodeSynthesisEvent(event)
			require.NoError(t, err)
			assert.Equal(t, tt.subject, subject)

			var decoded map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, event.UUID, decoded["uuid"])
			assert.Equal(t, "alice", decoded["voice_id"])
			assert.NotContains(t, string(data), "hello")
		})
	}
}

func TestNotConnected(t *testing.T) {
	ns := NewNATSService(Config{})

	err := ns.PublishSynthesisEvent(events.NewSynthesisEvent("req-1"))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = ns.SubscribeToSynthesisEvents(func(*events.SynthesisEvent) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NotPanics(t, ns.Close)
}
