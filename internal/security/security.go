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

package security

import (
	"crypto/subtle"
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidVoiceID is returned when a voice ID format is invalid
	ErrInvalidVoiceID = errors.New("invalid voice ID")

	// voiceIDPattern validates voice IDs to only allow safe characters
	voiceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// maxLogInput caps user-controlled strings written to logs
const maxLogInput = 256

// SanitizeLogInput removes newline characters to prevent log injection attacks
// and truncates long input. Use it for all user-controlled data before logging.
func SanitizeLogInput(input string) string {
	sanitized := strings.ReplaceAll(input, "\n", "")
	sanitized = strings.ReplaceAll(sanitized, "\r", "")
	if len(sanitized) > maxLogInput {
		cut := maxLogInput
		// keep the result valid UTF-8
		for cut > 0 && !isRuneStart(sanitized[cut]) {
			cut--
		}
		sanitized = sanitized[:cut] + "..."
	}
	return sanitized
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// ValidateVoiceID ensures that a voice ID contains only safe characters.
// Voice IDs name files in the voice directory, so path separators and
// parent directory references are rejected.
func ValidateVoiceID(voiceID string) error {
	if voiceID == "" || len(voiceID) > 128 {
		return ErrInvalidVoiceID
	}

	if strings.Contains(voiceID, "/") || strings.Contains(voiceID, "\\") || strings.Contains(voiceID, "..") {
		return ErrInvalidVoiceID
	}

	if !voiceIDPattern.MatchString(voiceID) {
		return ErrInvalidVoiceID
	}

	return nil
}

// APIKeys is a set of accepted API keys
type APIKeys struct {
	keys [][]byte
}

// NewAPIKeys builds a key set, ignoring blank entries
func NewAPIKeys(keys []string) *APIKeys {
	set := &APIKeys{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			set.keys = append(set.keys, []byte(k))
		}
	}
	return set
}

// Len returns the number of configured keys
func (a *APIKeys) Len() int {
	return len(a.keys)
}

// Valid reports whether key matches one of the configured keys. Every key
// is compared so timing does not reveal which one matched.
func (a *APIKeys) Valid(key string) bool {
	if key == "" {
		return false
	}
	candidate := []byte(key)
	matched := 0
	for _, k := range a.keys {
		matched |= subtle.ConstantTimeCompare(k, candidate)
	}
	return matched == 1
}

// IsPublicPath reports whether path is exempt from authentication. A listed
// path matches itself and everything below it; "/" only matches the root.
func IsPublicPath(path string, public []string) bool {
	for _, p := range public {
		if p == "" {
			continue
		}
		if path == p {
			return true
		}
		if p != "/" && strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
