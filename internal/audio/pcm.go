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

package audio

import "encoding/binary"

// PCMEncoder emits headerless signed 16-bit little-endian samples
type PCMEncoder struct{}

// Format implements Encoder
func (PCMEncoder) Format() Format { return FormatPCM }

// Encode implements Encoder
func (PCMEncoder) Encode(samples []float32, channels, sampleRate int) ([]byte, error) {
	if err := validateLayout(samples, channels, sampleRate); err != nil {
		return nil, err
	}

	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(toPCM16(s))) //nolint:gosec // G115: two's complement reinterpretation
	}
	return out, nil
}
