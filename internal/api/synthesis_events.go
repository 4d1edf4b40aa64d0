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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/events"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/security"
	"github.com/loqalabs/loqa-tts/internal/storage"
	"go.uber.org/zap"
)

// SynthesisEventsHandler serves the synthesis audit log
type SynthesisEventsHandler struct {
	store *storage.SynthesisEventsStore
}

// NewSynthesisEventsHandler creates a new synthesis events handler
func NewSynthesisEventsHandler(store *storage.SynthesisEventsStore) *SynthesisEventsHandler {
	return &SynthesisEventsHandler{store: store}
}

// ListSynthesisEventsResponse is one page of synthesis events
type ListSynthesisEventsResponse struct {
	Events     []*events.SynthesisEvent `json:"events"`
	Total      int                      `json:"total"`
	Page       int                      `json:"page"`
	PageSize   int                      `json:"page_size"`
	TotalPages int                      `json:"total_pages"`
}

// List handles GET /api/synthesis-events
func (h *SynthesisEventsHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := parseIntParam(query.Get("page"), 1)
	pageSize := parseIntParam(query.Get("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}

	options := storage.ListOptions{
		VoiceID:   query.Get("voice_id"),
		Mode:      query.Get("mode"),
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
		SortBy:    query.Get("sort_by"),
		SortOrder: strings.ToUpper(query.Get("sort_order")),
	}

	if v := query.Get("success"); v != "" {
		if success, err := strconv.ParseBool(v); err == nil {
			options.Success = &success
		}
	}
	if v := query.Get("streaming"); v != "" {
		if streaming, err := strconv.ParseBool(v); err == nil {
			options.Streaming = &streaming
		}
	}
	if v := query.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			options.Since = t
		}
	}
	if v := query.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			options.Until = t
		}
	}

	total, err := h.store.Count(r.Context(), options)
	if err != nil {
		logging.LogError(err, "Failed to count synthesis events")
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	list, err := h.store.List(r.Context(), options)
	if err != nil {
		logging.LogError(err, "Failed to list synthesis events")
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if list == nil {
		list = []*events.SynthesisEvent{}
	}

	WriteJSON(w, http.StatusOK, ListSynthesisEventsResponse{
		Events:     list,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	})
}

// Get handles GET /api/synthesis-events/{id}
func (h *SynthesisEventsHandler) Get(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("id")

	event, err := h.store.GetByUUID(r.Context(), uuid)
	if err != nil {
		if errors.Is(err, storage.ErrEventNotFound) {
			WriteError(w, http.StatusNotFound, "Synthesis event not found")
			return
		}
		logging.LogError(err, "Failed to get synthesis event", zap.String("uuid", security.SanitizeLogInput(uuid)))
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	WriteJSON(w, http.StatusOK, event)
}

// Delete handles DELETE /api/synthesis-events/{id}
func (h *SynthesisEventsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("id")

	if err := h.store.Delete(r.Context(), uuid); err != nil {
		if errors.Is(err, storage.ErrEventNotFound) {
			WriteError(w, http.StatusNotFound, "Synthesis event not found")
			return
		}
		logging.LogError(err, "Failed to delete synthesis event", zap.String("uuid", security.SanitizeLogInput(uuid)))
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
