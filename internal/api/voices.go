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

package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/security"
	"github.com/loqalabs/loqa-tts/internal/synthesis"
	"github.com/loqalabs/loqa-tts/internal/voices"
	"go.uber.org/zap"
)

// VoiceInfo is one entry of the voice listing
type VoiceInfo struct {
	Name    string `json:"name"`
	VoiceID string `json:"voice_id"`
}

// VoicesHandler serves voice listing and custom voice management
type VoicesHandler struct {
	service *synthesis.Service
}

// NewVoicesHandler creates a new voices handler
func NewVoicesHandler(service *synthesis.Service) *VoicesHandler {
	return &VoicesHandler{service: service}
}

// List handles GET /voices and GET /speakers
func (h *VoicesHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Voices(r.Context())
	if err != nil {
		logging.LogError(err, "Failed to list voices")
		WriteSynthesisError(w, err)
		return
	}

	list := make([]VoiceInfo, 0, len(entries))
	for _, e := range entries {
		list = append(list, VoiceInfo{Name: e.DisplayName, VoiceID: e.ID})
	}
	WriteJSON(w, http.StatusOK, list)
}

// Create handles POST /api/voices with a multipart upload of voice_id,
// name, prompt_text and the audio recording
func (h *VoicesHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		WriteError(w, http.StatusBadRequest, "multipart form with an audio file is required")
		return
	}

	id := strings.TrimSpace(r.FormValue("voice_id"))
	file, _, err := r.FormFile("audio")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	recording, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read audio file")
		return
	}

	entry, err := h.service.Registry().Save(id, recording, voices.Metadata{
		Name:       strings.TrimSpace(r.FormValue("name")),
		PromptText: strings.TrimSpace(r.FormValue("prompt_text")),
		Language:   strings.TrimSpace(r.FormValue("language")),
	})
	switch {
	case err == nil:
	case errors.Is(err, security.ErrInvalidVoiceID):
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, voices.ErrReferenceMissing):
		WriteError(w, http.StatusBadRequest, "audio must be a non-empty WAV recording")
		return
	default:
		logging.LogError(err, "Failed to save voice", zap.String("voice_id", security.SanitizeLogInput(id)))
		WriteError(w, http.StatusInternalServerError, "Failed to save voice")
		return
	}

	WriteJSON(w, http.StatusCreated, VoiceInfo{Name: entry.DisplayName, VoiceID: entry.ID})
}

// Delete handles DELETE /api/voices/{id}
func (h *VoicesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.service.Registry().Remove(id)
	if err != nil {
		var notFound *voices.NotFoundError
		if errors.As(err, &notFound) {
			WriteError(w, http.StatusNotFound, notFound.Error())
			return
		}
		logging.LogError(err, "Failed to remove voice", zap.String("voice_id", security.SanitizeLogInput(id)))
		WriteError(w, http.StatusInternalServerError, "Failed to remove voice")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
