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
	"testing"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/voices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingResolver wraps a registry and counts reference loads
type countingResolver struct {
	*voices.Registry
	loads int
}

func (c *countingResolver) LoadReference(entry voices.Entry) (*engine.ReferenceAudio, error) {
	c.loads++
	return c.Registry.LoadReference(entry)
}

func allModes() engine.Capabilities {
	return engine.NewFake(testSampleRate).Capabilities()
}

func TestSelectModeRegistryRules(t *testing.T) {
	reg, dir := newTestRegistry(t, "alice", "bob")
	storeVoice(t, dir, "bob", "")
	storeVoice(t, dir, "carol", "hello from carol")
	storeVoice(t, dir, "dave", "")

	tests := []struct {
		name        string
		req         Request
		wantMode    engine.Mode
		wantRef     bool
		wantErrKind Kind
	}{
		{"builtin default", Request{Text: "hi", VoiceID: "alice"}, engine.ModeDefault, false, ""},
		{"builtin instructed without recording", Request{Text: "hi", VoiceID: "alice", Instruction: "whisper"}, "", false, KindReferenceMissing},
		{"builtin instructed with recording", Request{Text: "hi", VoiceID: "bob", Instruction: "whisper"}, engine.ModeInstructed, true, ""},
		{"custom with prompt text", Request{Text: "hi", VoiceID: "carol"}, engine.ModeZeroShot, true, ""},
		{"custom without prompt text", Request{Text: "hi", VoiceID: "dave"}, engine.ModeCrossLingual, true, ""},
		{"custom instructed", Request{Text: "hi", VoiceID: "carol", Instruction: "happy"}, engine.ModeInstructed, true, ""},
		{"unknown voice", Request{Text: "hi", VoiceID: "mallory"}, "", false, KindNotFound},
		{"mode hint without prompt audio", Request{Text: "hi", VoiceID: "alice", Mode: "zero_shot"}, "", false, KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			require.NoError(t, req.Normalize(0))

			inv, err := SelectMode(&req, reg, allModes())
			if tt.wantErrKind != "" {
				require.Error(t, err)
				assert.True(t, IsKind(err, tt.wantErrKind), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, inv.Mode)
			assert.Equal(t, tt.wantRef, inv.Reference != nil)
			assert.Equal(t, req.VoiceID, inv.SpeakerID)
			assert.NoError(t, inv.Validate())
		})
	}
}

func TestSelectModeNotFoundListsVoices(t *testing.T) {
	reg, dir := newTestRegistry(t, "alice")
	storeVoice(t, dir, "carol", "")

	req := Request{Text: "hi", VoiceID: "zed"}
	require.NoError(t, req.Normalize(0))
	_, err := SelectMode(&req, reg, allModes())

	require.True(t, IsKind(err, KindNotFound))
	assert.Contains(t, err.Error(), "alice, carol")
}

func TestSelectModePromptAudio(t *testing.T) {
	reg, _ := newTestRegistry(t, "alice")
	resolver := &countingResolver{Registry: reg}
	wav := testWAV(t, 320)

	tests := []struct {
		name        string
		req         Request
		wantMode    engine.Mode
		wantErrKind Kind
	}{
		{"prompt text means zero shot", Request{Text: "hi", PromptAudio: wav, PromptText: "transcript"}, engine.ModeZeroShot, ""},
		{"no prompt text means cross lingual", Request{Text: "hi", PromptAudio: wav}, engine.ModeCrossLingual, ""},
		{"explicit cross lingual", Request{Text: "hi", PromptAudio: wav, PromptText: "t", Mode: "cross_lingual"}, engine.ModeCrossLingual, ""},
		{"zero shot needs prompt text", Request{Text: "hi", PromptAudio: wav, Mode: "zero_shot"}, "", KindValidation},
		{"instruction with prompt audio", Request{Text: "hi", PromptAudio: wav, Instruction: "calm"}, engine.ModeInstructed, ""},
		{"unknown mode", Request{Text: "hi", PromptAudio: wav, Mode: "sft"}, "", KindValidation},
		{"unknown voice ignored", Request{Text: "hi", VoiceID: "nobody", PromptAudio: wav}, engine.ModeCrossLingual, ""},
		{"invalid prompt audio", Request{Text: "hi", PromptAudio: []byte("not a wav")}, "", KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			require.NoError(t, req.Normalize(0))

			inv, err := SelectMode(&req, resolver, allModes())
			if tt.wantErrKind != "" {
				assert.True(t, IsKind(err, tt.wantErrKind), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, inv.Mode)
			require.NotNil(t, inv.Reference)
			assert.Equal(t, 16000, inv.Reference.SampleRate)
			assert.Equal(t, req.PromptText, inv.Reference.PromptText)
		})
	}

	assert.Zero(t, resolver.loads, "prompt audio must bypass the registry")
}

func TestSelectModeRespectsCapabilities(t *testing.T) {
	reg, dir := newTestRegistry(t, "alice")
	storeVoice(t, dir, "carol", "hello")
	resolver := &countingResolver{Registry: reg}

	caps := engine.Capabilities{SampleRate: testSampleRate, Channels: 1, Speakers: []string{"alice"}, Modes: []engine.Mode{engine.ModeDefault}}

	req := Request{Text: "hi", VoiceID: "carol"}
	require.NoError(t, req.Normalize(0))
	_, err := SelectMode(&req, resolver, caps)
	assert.True(t, IsKind(err, KindValidation))
	assert.Zero(t, resolver.loads, "unsupported modes fail before loading audio")

	req = Request{Text: "hi", VoiceID: "alice"}
	require.NoError(t, req.Normalize(0))
	inv, err := SelectMode(&req, resolver, caps)
	require.NoError(t, err)
	assert.Equal(t, engine.ModeDefault, inv.Mode)
}

func TestSelectModeClampsSpeed(t *testing.T) {
	reg, _ := newTestRegistry(t, "alice")

	req := Request{Text: "hi", VoiceID: "alice", Speed: 5}
	inv, err := SelectMode(&req, reg, allModes())
	require.NoError(t, err)
	assert.Equal(t, MaxSpeed, inv.Speed)
}
