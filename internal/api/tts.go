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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/synthesis"
)

// multipartMemory is the in-memory part of a parsed multipart form; larger
// uploads spill to temporary files, bounded by the body size limit
const multipartMemory = 8 << 20

// errPayloadTooLarge marks a request body over the configured limit
var errPayloadTooLarge = errors.New("request body too large")

// ttsBody is the JSON form of a synthesis request. Both the current and
// the legacy field names are accepted.
type ttsBody struct {
	Text        string   `json:"text"`
	VoiceID     string   `json:"voice_id"`
	Speaker     string   `json:"speaker"`
	Instruction string   `json:"instruction"`
	Instruct    string   `json:"instruct"`
	Streaming   *bool    `json:"streaming"`
	Speed       *float64 `json:"speed"`
	PromptText  string   `json:"prompt_text"`
	Mode        string   `json:"mode"`
	Format      string   `json:"format"`
}

// TTSHandler serves the synthesis endpoints
type TTSHandler struct {
	service *synthesis.Service
}

// NewTTSHandler creates a new synthesis handler
func NewTTSHandler(service *synthesis.Service) *TTSHandler {
	return &TTSHandler{service: service}
}

// ServeHTTP handles GET and POST on /synthesize, /tts and /
func (h *TTSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := parseTTSRequest(r)
	if err != nil {
		if errors.Is(err, errPayloadTooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.RequestID = RequestID(r.Context())

	if req.Streaming {
		h.stream(w, r, req)
		return
	}
	h.buffered(w, r, req)
}

func (h *TTSHandler) buffered(w http.ResponseWriter, r *http.Request, req *synthesis.Request) {
	if req.Format == "" {
		req.Format = "wav"
	}

	result, err := h.service.Synthesize(r.Context(), req)
	if err != nil {
		WriteSynthesisError(w, err)
		return
	}

	w.Header().Set("Content-Type", result.MIMEType)
	w.Header().Set("Content-Disposition", "attachment; filename=sound."+result.Format.Extension)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.Header().Set("X-Audio-Duration", strconv.FormatFloat(result.Duration(), 'f', 3, 64))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (h *TTSHandler) stream(w http.ResponseWriter, r *http.Request, req *synthesis.Request) {
	fw := newResponseFragmentWriter(w)
	result, err := h.service.Stream(r.Context(), req, fw)
	if err != nil && !result.Started {
		WriteSynthesisError(w, err)
	}
	// Errors after the first fragment are logged and counted by the service;
	// the status line is already on the wire.
}

// responseFragmentWriter streams audio fragments as a chunked response
type responseFragmentWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newResponseFragmentWriter(w http.ResponseWriter) *responseFragmentWriter {
	return &responseFragmentWriter{w: w, rc: http.NewResponseController(w)}
}

func (f *responseFragmentWriter) Begin(mimeType string) error {
	header := f.w.Header()
	header.Set("Content-Type", mimeType)
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Content-Type-Options", "nosniff")
	f.w.WriteHeader(http.StatusOK)
	return f.flush()
}

func (f *responseFragmentWriter) WriteFragment(data []byte) error {
	if _, err := f.w.Write(data); err != nil {
		return err
	}
	return f.flush()
}

func (f *responseFragmentWriter) flush() error {
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// parseTTSRequest decodes query parameters, a JSON body, or a form
func parseTTSRequest(r *http.Request) (*synthesis.Request, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return requestFromValues(r.URL.Query().Get)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "application/json"
	}

	switch mediaType {
	case "multipart/form-data":
		return parseMultipartTTS(r)
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, bodyError(err)
		}
		return requestFromValues(r.PostForm.Get)
	default:
		return parseJSONTTS(r.Body)
	}
}

func parseJSONTTS(body io.Reader) (*synthesis.Request, error) {
	var b ttsBody
	if err := json.NewDecoder(body).Decode(&b); err != nil {
		if isBodyTooLarge(err) {
			return nil, errPayloadTooLarge
		}
		return nil, fmt.Errorf("invalid JSON body: %v", err)
	}

	req := &synthesis.Request{
		Text:        b.Text,
		VoiceID:     firstNonEmpty(b.VoiceID, b.Speaker),
		Instruction: firstNonEmpty(b.Instruction, b.Instruct),
		PromptText:  b.PromptText,
		Mode:        b.Mode,
		Format:      b.Format,
	}
	if b.Streaming != nil {
		req.Streaming = *b.Streaming
	}
	if b.Speed != nil {
		req.Speed = *b.Speed
		if req.Speed == 0 {
			return nil, fmt.Errorf("speed must be between %.1f and %.1f", synthesis.MinSpeed, synthesis.MaxSpeed)
		}
	}
	return req, nil
}

func parseMultipartTTS(r *http.Request) (*synthesis.Request, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, bodyError(err)
	}

	req, err := requestFromValues(r.FormValue)
	if err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("prompt_audio")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return req, nil
	case err != nil:
		return nil, bodyError(err)
	}
	defer file.Close()

	req.PromptAudio, err = io.ReadAll(file)
	if err != nil {
		return nil, bodyError(err)
	}
	return req, nil
}

// requestFromValues builds a request from query or form values
func requestFromValues(get func(string) string) (*synthesis.Request, error) {
	req := &synthesis.Request{
		Text:        get("text"),
		VoiceID:     firstNonEmpty(get("voice_id"), get("speaker")),
		Instruction: firstNonEmpty(get("instruction"), get("instruct")),
		PromptText:  get("prompt_text"),
		Mode:        get("mode"),
		Format:      get("format"),
	}

	if v := firstNonEmpty(get("streaming"), get("stream")); v != "" {
		streaming, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("streaming must be a boolean, got %q", v)
		}
		req.Streaming = streaming
	}

	if v := get("speed"); v != "" {
		speed, err := strconv.ParseFloat(v, 64)
		if err != nil || speed == 0 {
			return nil, fmt.Errorf("speed must be between %.1f and %.1f", synthesis.MinSpeed, synthesis.MaxSpeed)
		}
		req.Speed = speed
	}

	return req, nil
}

func bodyError(err error) error {
	if isBodyTooLarge(err) {
		return errPayloadTooLarge
	}
	return fmt.Errorf("invalid request body: %v", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
