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
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "voices")
	reg := NewRegistry(Config{Dir: dir}, staticBuiltins{"alice"})

	entry, err := reg.Save("ivy", testRecording(t, 160), Metadata{Name: "Ivy", PromptText: "good morning"})
	require.NoError(t, err)
	assert.Equal(t, "Ivy", entry.DisplayName)

	resolved, err := reg.Resolve("ivy")
	require.NoError(t, err)
	assert.Equal(t, "good morning", resolved.PromptText)
	assert.FileExists(t, filepath.Join(dir, "ivy.yaml"))

	// replacing without metadata drops the stale sidecar
	_, err = reg.Save("ivy", testRecording(t, 160), Metadata{})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "ivy.yaml"))

	require.NoError(t, reg.Remove("ivy"))
	_, err = os.Stat(filepath.Join(dir, "ivy.wav"))
	assert.True(t, os.IsNotExist(err))

	var notFound *NotFoundError
	assert.True(t, errors.As(reg.Remove("ivy"), &notFound))
	assert.True(t, errors.As(reg.Remove("alice"), &notFound))
}

func TestSaveRejectsBadInput(t *testing.T) {
	reg := NewRegistry(Config{Dir: t.TempDir()}, nil)

	_, err := reg.Save("../escape", testRecording(t, 10), Metadata{})
	assert.ErrorIs(t, err, security.ErrInvalidVoiceID)

	_, err = reg.Save("jay", []byte("not audio"), Metadata{})
	assert.ErrorIs(t, err, ErrReferenceMissing)

	entries, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoveUppercaseExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Bob.WAV"), testRecording(t, 160), 0o600))
	reg := NewRegistry(Config{Dir: dir}, nil)

	entries, err := reg.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob"}, ids(entries))

	require.NoError(t, reg.Remove("Bob"))
	assert.NoFileExists(t, filepath.Join(dir, "Bob.WAV"))

	entries, err = reg.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveRollsBackRecordingWhenMetadataFails(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(Config{Dir: dir}, nil)

	// A directory in place of the sidecar makes the metadata rename fail
	blocker := filepath.Join(dir, "ivy.yaml")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "keep"), 0o750))

	_, err := reg.Save("ivy", testRecording(t, 160), Metadata{PromptText: "new words"})
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "ivy.wav"))

	original := testRecording(t, 80)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ivy.wav"), original, 0o600))

	_, err = reg.Save("ivy", testRecording(t, 160), Metadata{PromptText: "new words"})
	require.Error(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "ivy.wav"))
	require.NoError(t, err)
	assert.Equal(t, original, data)
}
