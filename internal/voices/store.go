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

package voices

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/security"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Save stores a custom voice recording and its metadata. An existing custom
// voice with the same id is replaced.
func (r *Registry) Save(id string, recording []byte, meta Metadata) (Entry, error) {
	if err := security.ValidateVoiceID(id); err != nil {
		return Entry{}, fmt.Errorf("%w: %q", err, id)
	}
	if r.dir == "" {
		return Entry{}, errors.New("no voice directory configured")
	}
	if _, err := DecodeReference(recording, meta.PromptText); err != nil {
		return Entry{}, err
	}

	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return Entry{}, fmt.Errorf("create voice dir: %w", err)
	}

	var metaData []byte
	if meta != (Metadata{}) {
		data, err := yaml.Marshal(meta)
		if err != nil {
			return Entry{}, fmt.Errorf("marshal voice metadata: %w", err)
		}
		metaData = data
	}

	refPath := filepath.Join(r.dir, id+referenceExt)
	previous, err := os.ReadFile(refPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Entry{}, fmt.Errorf("read existing voice %q: %w", id, err)
	}
	if err := writeFileAtomic(refPath, recording); err != nil {
		return Entry{}, err
	}

	if err := writeMetadata(filepath.Join(r.dir, id+metadataExt), metaData); err != nil {
		r.restoreRecording(id, refPath, previous)
		return Entry{}, err
	}

	r.Invalidate()

	logging.LogTTSOperation("voice_saved",
		zap.String("voice_id", id),
		zap.Int("bytes", len(recording)),
	)

	name := meta.Name
	if name == "" {
		name = id
	}
	return Entry{
		ID:            id,
		DisplayName:   name,
		Kind:          KindCustom,
		ReferencePath: refPath,
		PromptText:    meta.PromptText,
	}, nil
}

// Remove deletes a custom voice. Built-in speakers cannot be removed.
func (r *Registry) Remove(id string) error {
	if err := security.ValidateVoiceID(id); err != nil {
		return r.notFound(id)
	}

	custom, err := r.scan()
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(custom, func(e Entry) bool { return e.ID == id })
	if idx < 0 {
		return r.notFound(id)
	}

	if err := os.Remove(custom[idx].ReferencePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r.notFound(id)
		}
		return fmt.Errorf("remove voice %q: %w", id, err)
	}
	if err := os.Remove(filepath.Join(r.dir, id+metadataExt)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.LogWarn("Failed to remove voice metadata", zap.String("voice_id", id), zap.Error(err))
	}

	r.Invalidate()

	logging.LogTTSOperation("voice_removed", zap.String("voice_id", id))
	return nil
}

func (r *Registry) notFound(id string) error {
	ids, err := r.IDs()
	if err != nil {
		return err
	}
	return &NotFoundError{ID: id, Available: ids}
}

// writeMetadata installs the sidecar, or removes a stale one when data is empty
func writeMetadata(path string, data []byte) error {
	if len(data) > 0 {
		return writeFileAtomic(path, data)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale voice metadata: %w", err)
	}
	return nil
}

// restoreRecording puts back the recording a failed Save replaced
func (r *Registry) restoreRecording(id, refPath string, previous []byte) {
	var err error
	if previous != nil {
		err = writeFileAtomic(refPath, previous)
	} else {
		err = os.Remove(refPath)
	}
	if err != nil {
		logging.LogWarn("Failed to roll back voice recording", zap.String("voice_id", id), zap.Error(err))
	}
}

// writeFileAtomic writes data next to path and renames it into place so a
// concurrent scan never sees a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("install %s: %w", filepath.Base(path), err)
	}
	return nil
}
