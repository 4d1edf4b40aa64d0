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

import "time"

// Observer receives orchestration measurements. The metrics package
// provides the Prometheus implementation.
type Observer interface {
	ObserveQueueWait(d time.Duration)
	SetInFlight(n int)
	SetQueued(n int)
	IncAbandoned()
	ObserveRequest(mode string, streaming bool, outcome string, d time.Duration)
	ObserveAudio(samples int, sampleRate int)
	IncTruncated(kind string)
}

// NopObserver discards all measurements
type NopObserver struct{}

func (NopObserver) ObserveQueueWait(time.Duration) {}
func (NopObserver) SetInFlight(int) {}
func (NopObserver) SetQueued(int) {}
func (NopObserver) IncAbandoned() {}
func (NopObserver) ObserveRequest(string, bool, string, time.Duration) {}
func (NopObserver) ObserveAudio(int, int) {}
func (NopObserver) IncTruncated(string) {}
