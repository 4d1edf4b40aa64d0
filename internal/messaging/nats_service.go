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

package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-tts/internal/events"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by publish and subscribe calls before Connect
var ErrNotConnected = errors.New("NATS connection not established")

// DefaultSubjectPrefix is prepended to every subject published by the service
const DefaultSubjectPrefix = "loqa.tts"

// Config holds NATS connection settings
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnect  int // negative retries forever
	ReconnectWait time.Duration
}

// NATSService publishes synthesis events to NATS
type NATSService struct {
	config Config
	conn   *nats.Conn
}

// NewNATSService creates a new NATS service instance
func NewNATSService(config Config) *NATSService {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultSubjectPrefix
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}
	return &NATSService{config: config}
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect() error {
	logging.LogNATSEvent(ns.config.URL, "connecting")

	opts := []nats.Option{
		nats.Name("loqa-tts"),
		nats.ReconnectWait(ns.config.ReconnectWait),
		nats.MaxReconnects(ns.config.MaxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.config.URL, "closed")
		}),
	}

	conn, err := nats.Connect(ns.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	logging.LogNATSEvent(conn.ConnectedUrl(), "connected")
	return nil
}

// SynthesisSubject returns the subject for events with the given outcome
// ("completed" or "failed")
func (ns *NATSService) SynthesisSubject(outcome string) string {
	return fmt.Sprintf("%s.synthesis.%s", ns.config.SubjectPrefix, outcome)
}

// encodeSynthesisEvent returns the subject and payload for event
func (ns *NATSService) encodeSynthesisEvent(event *events.SynthesisEvent) (string, []byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal synthesis event: %w", err)
	}
	return ns.SynthesisSubject(event.Subject()), data, nil
}

// PublishSynthesisEvent publishes a finished synthesis event
func (ns *NATSService) PublishSynthesisEvent(event *events.SynthesisEvent) error {
	if ns.conn == nil {
		return ErrNotConnected
	}

	subject, data, err := ns.encodeSynthesisEvent(event)
	if err != nil {
		return err
	}

	if err := ns.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	logging.LogNATSEvent(subject, "publish",
		zap.String("event_uuid", event.UUID),
		zap.String("request_id", event.RequestID),
	)
	return nil
}

// SubscribeToSynthesisEvents delivers every published synthesis event,
// completed and failed, to handler
func (ns *NATSService) SubscribeToSynthesisEvents(handler func(*events.SynthesisEvent)) (*nats.Subscription, error) {
	if ns.conn == nil {
		return nil, ErrNotConnected
	}

	subject := ns.SynthesisSubject("*")
	return ns.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event events.SynthesisEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logging.LogError(err, "Error unmarshaling synthesis event",
				zap.String("subject", msg.Subject),
			)
			return
		}
		handler(&event)
	})
}

// Close drains and closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn == nil {
		return
	}
	if err := ns.conn.Drain(); err != nil {
		ns.conn.Close()
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	if ns.conn != nil {
		return ns.conn.Stats()
	}
	return nats.Statistics{}
}
