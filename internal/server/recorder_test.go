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
	"errors"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/events"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingInserter struct {
	calls int
}

func (f *failingInserter) Insert(ctx context.Context, event *events.SynthesisEvent) error {
	f.calls++
	return errors.New("disk full")
}

func TestEventRecorderSurvivesFailures(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logging.SetLogger(zap.New(core))
	defer logging.SetLogger(nil)

	store := &failingInserter{}
	publisher := &fakePublisher{err: errors.New("nats down")}
	recorder := newEventRecorder(store, publisher)

	event := events.NewSynthesisEvent("req-1")
	event.Complete()
	recorder.Record(context.Background(), event)

	assert.Equal(t, 1, store.calls)
	assert.Len(t, publisher.published(), 1)
	assert.Equal(t, 1, logs.FilterMessage("Failed to store synthesis event").Len())
	assert.Equal(t, 1, logs.FilterMessage("Failed to publish synthesis event").Len())
}

func TestEventRecorderPublisherOnly(t *testing.T) {
	logging.SetLogger(zap.NewNop())
	defer logging.SetLogger(nil)

	publisher := &fakePublisher{}
	recorder := newEventRecorder(nil, publisher)
	recorder.Record(context.Background(), events.NewSynthesisEvent("req-2"))

	published := publisher.published()
	if assert.Len(t, published, 1) {
		assert.Equal(t, "req-2", published[0].RequestID)
	}
}
