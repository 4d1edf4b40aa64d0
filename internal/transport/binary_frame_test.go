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

package transport

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMalformedFrames(t *testing.T) {
	tests := []struct {
		name       string
		setupFrame func() []byte
		errorType  string
	}{
		{
			name: "Invalid magic number",
			setupFrame: func() []byte {
				data := make([]byte, HeaderSize)
				copy(data[0:4], []byte{0xDE, 0xAD, 0xBE, 0xEF})
				return data
			},
			errorType: "invalid frame magic",
		},
		{
			name: "Frame too small",
			setupFrame: func() []byte {
				return make([]byte, HeaderSize-1)
			},
			errorType: "truncated frame header",
		},
		{
			name: "Invalid frame type",
			setupFrame: func() []byte {
				frame := NewFrame(FrameType(0xFF), 1, 1, 0, []byte("test"))
				data, _ := frame.Serialize()
				return data
			},
			errorType: "invalid frame type",
		},
		{
			name: "Audio frame not float32 aligned",
			setupFrame: func() []byte {
				frame := NewFrame(FrameTypeAudioData, 1, 1, 0, []byte("odd"))
				data, _ := frame.Serialize()
				return data
			},
			errorType: "not a multiple of 4",
		},
		{
			name: "Audio end without channel count",
			setupFrame: func() []byte {
				frame := NewFrame(FrameTypeAudioEnd, 1, 1, 0, nil)
				data, _ := frame.Serialize()
				return data
			},
			errorType: "channel count",
		},
		{
			name: "Truncated payload",
			setupFrame: func() []byte {
				frame := NewFrame(FrameTypeStatus, 1, 1, 0, []byte("ok"))
				data, _ := frame.Serialize()
				return data[:len(data)-1]
			},
			errorType: "failed to read frame data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ReadFrame(bytes.NewReader(tt.setupFrame()))
			if err == nil {
				err = ValidateFrame(frame)
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorType)
		})
	}
}

func TestSerializeRejectsOversizedData(t *testing.T) {
	frame := NewFrame(FrameTypeAudioData, 1, 0, 0, make([]byte, MaxDataSize+1))
	_, err := frame.Serialize()
	assert.Error(t, err)
}

func TestReadFrameStream(t *testing.T) {
	samples := []float32{0.25, -0.5, 1}
	ts := uint64(time.Now().UnixMicro()) //nolint:gosec // G115: test timestamp

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewFrame(FrameTypeAudioData, 7, 3, ts, EncodeSamples(samples))))
	require.NoError(t, WriteFrame(&buf, NewFrame(FrameTypeAudioEnd, 7, 3, ts, []byte{1})))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeAudioData, first.Type)
	assert.Equal(t, uint32(3), first.Sequence)
	assert.Equal(t, ts, first.Timestamp)
	decoded, err := DecodeSamples(first.Data)
	require.NoError(t, err)
	assert.Equal(t, samples, decoded)

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeAudioEnd, second.Type)
	assert.NoError(t, ValidateFrame(second))

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTruncated(t *testing.T) {
	data, err := NewFrame(FrameTypeAudioData, 1, 0, 0, EncodeSamples([]float32{1, 2})).Serialize()
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(data[:len(data)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader(data[:10]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeSamplesRejectsPartialSample(t *testing.T) {
	_, err := DecodeSamples([]byte{1, 2, 3})
	assert.Error(t, err)
}
