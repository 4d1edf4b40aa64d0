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

// Package voices maintains the catalogue of synthesis voices: the engine's
// built-in speakers plus custom voices stored as reference recordings.
package voices

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/security"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Kind distinguishes engine speakers from user supplied voices
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindCustom  Kind = "custom"
)

const (
	referenceExt = ".wav"
	metadataExt  = ".yaml"
)

// ErrReferenceMissing is returned when a voice has no usable reference audio
var ErrReferenceMissing = errors.New("reference audio missing")

// Entry is one voice as seen by callers
type Entry struct {
	ID            string `json:"voice_id"`
	DisplayName   string `json:"name"`
	Kind          Kind   `json:"kind"`
	ReferencePath string `json:"-"`
	PromptText    string `json:"-"`
}

// HasReference reports whether the voice has a stored recording
func (e Entry) HasReference() bool {
	return e.ReferencePath != ""
}

// Metadata is the optional <id>.yaml sidecar of a custom voice
type Metadata struct {
	Name       string `yaml:"name,omitempty"`
	PromptText string `yaml:"prompt_text,omitempty"`
	Language   string `yaml:"language,omitempty"`
}

// NotFoundError reports an unknown voice together with the valid choices
type NotFoundError struct {
	ID        string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("voice %q not found. Available voices: %s", e.ID, strings.Join(e.Available, ", "))
}

// BuiltinSource enumerates the engine's built-in speakers in engine order
type BuiltinSource interface {
	BuiltinVoices() []string
}

// Config configures a Registry
type Config struct {
	Dir string
	// CacheWindow bounds how stale a listing may be. Zero rescans the
	// directory on every call.
	CacheWindow time.Duration
}

type snapshot struct {
	custom []Entry
	taken  time.Time
}

// Registry merges built-in speakers with the custom voice directory. Every
// scan builds a fresh snapshot; snapshots are never modified after they are
// published.
type Registry struct {
	dir         string
	cacheWindow time.Duration
	builtins    BuiltinSource

	cached atomic.Pointer[snapshot]
	now    func() time.Time
}

// NewRegistry creates a registry over cfg.Dir
func NewRegistry(cfg Config, builtins BuiltinSource) *Registry {
	return &Registry{
		dir:         cfg.Dir,
		cacheWindow: cfg.CacheWindow,
		builtins:    builtins,
		now:         time.Now,
	}
}

// Dir returns the custom voice directory
func (r *Registry) Dir() string {
	return r.dir
}

// List returns built-in voices first, in engine order, followed by custom
// voices sorted by id. A custom voice sharing a built-in id is folded into
// the built-in entry as its reference recording.
func (r *Registry) List() ([]Entry, error) {
	custom, err := r.customVoices()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Entry, len(custom))
	for _, c := range custom {
		byID[c.ID] = c
	}

	var builtinIDs []string
	if r.builtins != nil {
		builtinIDs = r.builtins.BuiltinVoices()
	}

	entries := make([]Entry, 0, len(builtinIDs)+len(custom))
	seen := make(map[string]bool, len(builtinIDs)+len(custom))
	for _, id := range builtinIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		entry := Entry{ID: id, DisplayName: id, Kind: KindBuiltin}
		if c, ok := byID[id]; ok {
			entry.ReferencePath = c.ReferencePath
			entry.PromptText = c.PromptText
		}
		entries = append(entries, entry)
	}
	for _, c := range custom {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		entries = append(entries, c)
	}

	return entries, nil
}

// IDs returns the ids of List in order
func (r *Registry) IDs() ([]string, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// Resolve looks up a voice by id
func (r *Registry) Resolve(id string) (Entry, error) {
	entries, err := r.List()
	if err != nil {
		return Entry{}, err
	}

	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if logging.Logger != nil {
		logging.Logger.Debug("Voice not found",
			zap.String("component", "voices"),
			zap.String("voice_id", security.SanitizeLogInput(id)),
			zap.Int("available", len(ids)),
		)
	}
	return Entry{}, &NotFoundError{ID: id, Available: ids}
}

// LoadReference decodes the stored recording of a voice
func (r *Registry) LoadReference(entry Entry) (*engine.ReferenceAudio, error) {
	if !entry.HasReference() {
		return nil, fmt.Errorf("voice %q has no reference recording: %w", entry.ID, ErrReferenceMissing)
	}

	data, err := os.ReadFile(entry.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("voice %q reference unreadable: %w", entry.ID, errors.Join(ErrReferenceMissing, err))
	}

	ref, err := DecodeReference(data, entry.PromptText)
	if err != nil {
		return nil, fmt.Errorf("voice %q: %w", entry.ID, err)
	}
	return ref, nil
}

// DecodeReference turns a WAV recording into engine reference audio
func DecodeReference(data []byte, promptText string) (*engine.ReferenceAudio, error) {
	decoded, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("reference audio invalid: %w", errors.Join(ErrReferenceMissing, err))
	}
	if decoded.Frames() == 0 {
		return nil, fmt.Errorf("reference audio is empty: %w", ErrReferenceMissing)
	}
	return &engine.ReferenceAudio{
		Samples:    decoded.Samples,
		SampleRate: decoded.SampleRate,
		Channels:   decoded.Channels,
		PromptText: promptText,
	}, nil
}

// Invalidate drops any cached snapshot
func (r *Registry) Invalidate() {
	r.cached.Store(nil)
}

// Watch invalidates the cached snapshot whenever the voice directory
// changes. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch voice dir %q: %w", r.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				r.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.LogWarn("Voice directory watch error", zap.Error(err))
		}
	}
}

func (r *Registry) customVoices() ([]Entry, error) {
	if r.cacheWindow > 0 {
		if snap := r.cached.Load(); snap != nil && r.now().Sub(snap.taken) < r.cacheWindow {
			return snap.custom, nil
		}
	}

	custom, err := r.scan()
	if err != nil {
		return nil, err
	}

	if r.cacheWindow > 0 {
		r.cached.Store(&snapshot{custom: custom, taken: r.now()})
	}
	return custom, nil
}

// scan reads the voice directory. A missing directory means no custom voices.
func (r *Registry) scan() ([]Entry, error) {
	if r.dir == "" {
		return nil, nil
	}

	files, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read voice dir %q: %w", r.dir, err)
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), referenceExt) {
			continue
		}
		id := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
		if err := security.ValidateVoiceID(id); err != nil {
			continue
		}

		entry := Entry{
			ID:            id,
			DisplayName:   id,
			Kind:          KindCustom,
			ReferencePath: filepath.Join(r.dir, f.Name()),
		}
		if meta, ok := r.readMetadata(id); ok {
			if meta.Name != "" {
				entry.DisplayName = meta.Name
			}
			entry.PromptText = meta.PromptText
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	return entries, nil
}

func (r *Registry) readMetadata(id string) (Metadata, bool) {
	data, err := os.ReadFile(filepath.Join(r.dir, id+metadataExt))
	if err != nil {
		return Metadata{}, false
	}

	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		logging.LogWarn("Ignoring malformed voice metadata",
			zap.String("voice_id", id),
			zap.Error(err),
		)
		return Metadata{}, false
	}
	return meta, true
}
