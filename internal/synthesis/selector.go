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
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/voices"
)

// VoiceResolver is the part of the voice registry the selector needs
type VoiceResolver interface {
	Resolve(id string) (voices.Entry, error)
	LoadReference(entry voices.Entry) (*engine.ReferenceAudio, error)
}

// SelectMode turns a normalized request into an engine invocation. Every
// failure happens here, before the engine is touched.
//
// Rules, in order:
//   - prompt audio in the request: clone from it, bypassing the registry
//   - an instruction: instructed synthesis with the voice's recording
//   - a built-in voice: speaker-id synthesis
//   - a custom voice: clone from its recording
func SelectMode(req *Request, resolver VoiceResolver, caps engine.Capabilities) (engine.Invocation, error) {
	inv := engine.Invocation{
		Text:        req.Text,
		Instruction: req.Instruction,
		Speed:       ClampSpeed(req.Speed),
		Stream:      req.Streaming,
	}

	if len(req.PromptAudio) > 0 {
		return selectFromPrompt(req, inv, caps)
	}
	if req.Mode != "" {
		return engine.Invocation{}, newError(KindValidation, nil, "mode %q requires prompt audio", req.Mode)
	}

	entry, err := resolver.Resolve(req.VoiceID)
	if err != nil {
		return engine.Invocation{}, Classify(err)
	}
	inv.SpeakerID = entry.ID

	switch {
	case req.Instruction != "":
		inv.Mode = engine.ModeInstructed
	case entry.Kind == voices.KindBuiltin:
		inv.Mode = engine.ModeDefault
	case entry.PromptText != "":
		inv.Mode = engine.ModeZeroShot
	default:
		inv.Mode = engine.ModeCrossLingual
	}

	if err := requireMode(caps, inv.Mode); err != nil {
		return engine.Invocation{}, err
	}

	if inv.Mode != engine.ModeDefault {
		ref, err := resolver.LoadReference(entry)
		if err != nil {
			return engine.Invocation{}, Classify(err)
		}
		inv.Reference = ref
	}

	return inv, nil
}

func selectFromPrompt(req *Request, inv engine.Invocation, caps engine.Capabilities) (engine.Invocation, error) {
	switch {
	case req.Instruction != "":
		if req.Mode != "" {
			return engine.Invocation{}, newError(KindValidation, nil, "mode %q cannot be combined with an instruction", req.Mode)
		}
		inv.Mode = engine.ModeInstructed
	case req.Mode == string(engine.ModeCrossLingual):
		inv.Mode = engine.ModeCrossLingual
	case req.Mode == string(engine.ModeZeroShot):
		if req.PromptText == "" {
			return engine.Invocation{}, newError(KindValidation, nil, "zero_shot mode requires prompt_text")
		}
		inv.Mode = engine.ModeZeroShot
	case req.Mode != "":
		return engine.Invocation{}, newError(KindValidation, nil, "unknown mode %q", req.Mode)
	case req.PromptText != "":
		inv.Mode = engine.ModeZeroShot
	default:
		inv.Mode = engine.ModeCrossLingual
	}

	if err := requireMode(caps, inv.Mode); err != nil {
		return engine.Invocation{}, err
	}

	ref, err := voices.DecodeReference(req.PromptAudio, req.PromptText)
	if err != nil {
		return engine.Invocation{}, newError(KindValidation, err, "prompt audio must be a non-empty PCM WAV recording")
	}
	inv.Reference = ref
	inv.SpeakerID = req.VoiceID

	return inv, nil
}

func requireMode(caps engine.Capabilities, mode engine.Mode) error {
	if !caps.Supports(mode) {
		return newError(KindValidation, nil, "synthesis mode %q is not supported by the loaded engine", mode)
	}
	return nil
}
