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

// Package synthesis orchestrates text-to-speech requests: voice lookup,
// mode selection, engine admission and audio assembly.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/voices"
)

// Kind is the closed set of failure categories a request can end in
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindReferenceMissing Kind = "reference_audio_missing"
	KindOverloaded       Kind = "overloaded"
	KindTimeout          Kind = "timeout"
	KindCanceled         Kind = "canceled"
	KindInternal         Kind = "internal"
)

// StatusClientClosedRequest is used for requests abandoned by the client.
// It only ever appears in logs and events.
const StatusClientClosedRequest = 499

// HTTPStatus maps a kind to its response status
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindReferenceMissing:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is the only error type that leaves this package
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// PublicMessage is the text safe to return to a client
func (e *Error) PublicMessage() string {
	if e.Kind == KindInternal {
		return "Internal server error during speech synthesis"
	}
	return e.Message
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Classify converts any error into an *Error. Errors that match no known
// category become Internal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var synthErr *Error
	if errors.As(err, &synthErr) {
		return synthErr
	}

	var notFound *voices.NotFoundError
	if errors.As(err, &notFound) {
		return newError(KindNotFound, err, "%s", notFound.Error())
	}

	if errors.Is(err, voices.ErrReferenceMissing) {
		return newError(KindReferenceMissing, err, "reference audio for this voice is missing or unreadable")
	}

	var workerErr *engine.WorkerError
	if errors.As(err, &workerErr) {
		return classifyWorkerError(workerErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, err, "speech synthesis timed out")
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindCanceled, err, "request canceled by client")
	}

	return newError(KindInternal, err, "internal synthesis error")
}

// classifyWorkerError maps inference worker failures. Rejected input and
// memory exhaustion are things the caller can fix by changing the request.
func classifyWorkerError(err *engine.WorkerError) *Error {
	msg := strings.ToLower(err.Message)
	switch {
	case err.StatusCode == http.StatusBadRequest || err.StatusCode == http.StatusUnprocessableEntity:
		return newError(KindValidation, err, "engine rejected the request: %s", err.Message)
	case strings.Contains(msg, "memory"):
		return newError(KindValidation, err, "text is too long for the engine to synthesize; try a shorter text")
	case strings.Contains(msg, "model inputs"):
		return newError(KindValidation, err, "text could not be processed by the engine; check its content and language")
	default:
		return newError(KindInternal, err, "inference engine failure")
	}
}

// KindOf returns the kind of err, or "" for nil
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}
