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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Binary frame protocol spoken between the service and an inference worker.
// A synthesis response is a sequence of frames written back-to-back on a
// chunked HTTP body.

// FrameType represents the type of frame being transmitted
type FrameType uint8

const (
	// Audio frame types
	FrameTypeAudioData FrameType = 0x01 // float32 LE samples for chunk Sequence
	FrameTypeAudioEnd  FrameType = 0x02 // chunk Sequence is complete, Data[0] = channel count

	// Control frame types
	FrameTypeHeartbeat FrameType = 0x10
	FrameTypeError     FrameType = 0x12

	// Response frame types
	FrameTypeStatus FrameType = 0x21 // generation finished
)

// Frame represents a binary frame in the protocol
type Frame struct {
	Type      FrameType
	SessionID uint32
	Sequence  uint32
	Timestamp uint64
	Data      []byte
}

// FrameHeader represents the fixed-size frame header (24 bytes)
type FrameHeader struct {
	Magic     uint32    // 0x4C4F5141 ("LOQA")
	Type      FrameType // Frame type (1 byte)
	Reserved  uint8     // Reserved for future use (1 byte)
	Length    uint16    // Data payload length (2 bytes)
	SessionID uint32    // Session identifier (4 bytes)
	Sequence  uint32    // Chunk index (4 bytes)
	Timestamp uint64    // Unix timestamp microseconds (8 bytes)
}

const (
	// Magic number for frame validation
	FrameMagic = 0x4C4F5141 // "LOQA" in big-endian

	HeaderSize   = 24
	MaxFrameSize = HeaderSize + math.MaxUint16
	MaxDataSize  = MaxFrameSize - HeaderSize

	// MaxSamplesPerFrame is the largest number of float32 samples a single
	// AudioData frame can carry.
	MaxSamplesPerFrame = MaxDataSize / 4
)

// Serialize converts a frame to binary format
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", len(f.Data), MaxDataSize)
	}

	header := FrameHeader{
		Magic:     FrameMagic,
		Type:      f.Type,
		Length:    uint16(len(f.Data)), //nolint:gosec // G115: bounded by MaxDataSize above
		SessionID: f.SessionID,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.Data)))
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}
	buf.Write(f.Data)

	return buf.Bytes(), nil
}

// ReadFrame reads the next frame from a stream. It returns io.EOF only when
// the stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader) (*Frame, error) {
	headerData := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerData); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err
	}

	header, err := parseFrameHeader(headerData)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", io.ErrUnexpectedEOF)
	}

	return frameFromHeader(header, payload), nil
}

// WriteFrame serializes a frame onto w
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.Serialize()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// parseFrameHeader parses just the header portion of frame data
func parseFrameHeader(headerData []byte) (*FrameHeader, error) {
	if len(headerData) != HeaderSize {
		return nil, fmt.Errorf("invalid header size: %d bytes (expected %d)", len(headerData), HeaderSize)
	}

	var header FrameHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("invalid frame magic: 0x%08X (expected 0x%08X)", header.Magic, FrameMagic)
	}

	return &header, nil
}

func frameFromHeader(header *FrameHeader, payload []byte) *Frame {
	frame := &Frame{
		Type:      header.Type,
		SessionID: header.SessionID,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}
	if len(payload) > 0 {
		frame.Data = payload
	}
	return frame
}

// NewFrame creates a new frame with the specified parameters
func NewFrame(frameType FrameType, sessionID, sequence uint32, timestamp uint64, data []byte) *Frame {
	return &Frame{
		Type:      frameType,
		SessionID: sessionID,
		Sequence:  sequence,
		Timestamp: timestamp,
		Data:      data,
	}
}

// ValidateFrame checks that a frame received from a worker is well formed
func ValidateFrame(frame *Frame) error {
	if frame == nil {
		return fmt.Errorf("frame is nil")
	}

	if len(frame.Data) > MaxDataSize {
		return fmt.Errorf("frame data too large: %d bytes (max %d)", len(frame.Data), MaxDataSize)
	}

	switch frame.Type {
	case FrameTypeAudioData:
		// float32 samples
		if len(frame.Data)%4 != 0 {
			return fmt.Errorf("invalid audio frame: data length %d is not a multiple of 4", len(frame.Data))
		}
	case FrameTypeAudioEnd:
		if len(frame.Data) != 1 || frame.Data[0] == 0 {
			return fmt.Errorf("invalid audio end frame: expected a non-zero channel count")
		}
	case FrameTypeHeartbeat, FrameTypeError, FrameTypeStatus:
	default:
		return fmt.Errorf("invalid frame type: 0x%02X", frame.Type)
	}

	return nil
}

// EncodeSamples packs float32 samples as little-endian bytes
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}

// DecodeSamples unpacks little-endian float32 samples
func DecodeSamples(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("sample payload length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

// Size returns the total serialized size of the frame
func (f *Frame) Size() int {
	return HeaderSize + len(f.Data)
}
