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

package synthesis

import (
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/engine"
)

// sequencer releases chunks in index order, holding early arrivals until
// the gap before them is filled.
type sequencer struct {
	next       int
	pending    map[int]engine.Chunk
	maxPending int
}

func newSequencer(maxPending int) *sequencer {
	return &sequencer{pending: make(map[int]engine.Chunk), maxPending: maxPending}
}

// push accepts a chunk and returns every chunk that is now deliverable
func (s *sequencer) push(chunk engine.Chunk) ([]engine.Chunk, error) {
	if chunk.Index < s.next {
		return nil, fmt.Errorf("duplicate audio chunk %d", chunk.Index)
	}
	if _, exists := s.pending[chunk.Index]; exists {
		return nil, fmt.Errorf("duplicate audio chunk %d", chunk.Index)
	}

	s.pending[chunk.Index] = chunk
	if s.maxPending > 0 && len(s.pending) > s.maxPending {
		return nil, fmt.Errorf("audio chunk %d missing while %d later chunks wait", s.next, len(s.pending))
	}

	var ready []engine.Chunk
	for {
		c, ok := s.pending[s.next]
		if !ok {
			break
		}
		ready = append(ready, c)
		delete(s.pending, s.next)
		s.next++
	}
	return ready, nil
}

// finish reports chunks that can never be delivered
func (s *sequencer) finish() error {
	if len(s.pending) > 0 {
		return fmt.Errorf("audio chunk %d never arrived", s.next)
	}
	return nil
}

// delivered returns how many chunks have been released
func (s *sequencer) delivered() int {
	return s.next
}
