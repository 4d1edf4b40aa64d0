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

package server

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-tts/internal/events"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"go.uber.org/zap"
)

// EventPublisher fans synthesis events out to other services
type EventPublisher interface {
	PublishSynthesisEvent(event *events.SynthesisEvent) error
}

// eventInserter persists synthesis events
type eventInserter interface {
	Insert(ctx context.Context, event *events.SynthesisEvent) error
}

// eventRecorder stores each finished event and publishes it. Failures are
// logged and never affect the response.
type eventRecorder struct {
	store     eventInserter
	publisher EventPublisher
	timeout   time.Duration
}

func newEventRecorder(store eventInserter, publisher EventPublisher) *eventRecorder {
	return &eventRecorder{store: store, publisher: publisher, timeout: 5 * time.Second}
}

// Record implements synthesis.Recorder
func (r *eventRecorder) Record(ctx context.Context, event *events.SynthesisEvent) {
	if r.store != nil {
		insertCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.store.Insert(insertCtx, event)
		cancel()
		if err != nil {
			logging.LogError(err, "Failed to store synthesis event", zap.String("event_uuid", event.UUID))
		}
	}

	if r.publisher != nil {
		if err := r.publisher.PublishSynthesisEvent(event); err != nil {
			logging.LogWarn("Failed to publish synthesis event",
				zap.String("event_uuid", event.UUID),
				zap.Error(err),
			)
		}
	}
}
