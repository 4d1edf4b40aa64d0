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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/events"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"go.uber.org/zap"
)

// ErrEventNotFound is returned when no event matches the requested UUID
var ErrEventNotFound = errors.New("synthesis event not found")

const eventColumns = `uuid, request_id, timestamp,
	voice_id, mode, streaming, text_hash, text_length, speed,
	sample_rate, samples, chunks, audio_duration,
	processing_time_ms, success, truncated, error_kind, error_message`

// sortColumns maps accepted sort keys to columns
var sortColumns = map[string]string{
	"timestamp":          "timestamp",
	"processing_time_ms": "processing_time_ms",
	"audio_duration":     "audio_duration",
	"voice_id":           "voice_id",
	"mode":               "mode",
}

// SynthesisEventsStore handles database operations for synthesis events
type SynthesisEventsStore struct {
	db *Database
}

// NewSynthesisEventsStore creates a new synthesis events store
func NewSynthesisEventsStore(db *Database) *SynthesisEventsStore {
	return &SynthesisEventsStore{db: db}
}

// Ping checks that the backing database is reachable
func (s *SynthesisEventsStore) Ping() error {
	return s.db.Ping()
}

// Insert stores a new synthesis event
func (s *SynthesisEventsStore) Insert(ctx context.Context, event *events.SynthesisEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid synthesis event: %w", err)
	}

	query := `INSERT INTO synthesis_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().ExecContext(ctx, query,
		event.UUID, event.RequestID, event.Timestamp.UTC(),
		event.VoiceID, event.Mode, event.Streaming, event.TextHash, event.TextLength, event.Speed,
		event.SampleRate, event.Samples, event.Chunks, event.AudioDuration,
		event.ProcessingTime, event.Success, event.Truncated, event.ErrorKind, event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert synthesis event: %w", err)
	}

	logging.LogDatabaseOperation("insert", "synthesis_events",
		zap.String("uuid", event.UUID),
		zap.String("voice_id", event.VoiceID),
		zap.Bool("success", event.Success),
	)
	return nil
}

// GetByUUID retrieves a synthesis event by its UUID
func (s *SynthesisEventsStore) GetByUUID(ctx context.Context, uuid string) (*events.SynthesisEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM synthesis_events WHERE uuid = ?`

	event, err := scanEvent(s.db.DB().QueryRowContext(ctx, query, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get synthesis event: %w", err)
	}
	return event, nil
}

// ListOptions filters and pages List queries
type ListOptions struct {
	VoiceID   string
	Mode      string
	Success   *bool
	Streaming *bool
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
	SortBy    string // one of the keys in sortColumns, default timestamp
	SortOrder string // ASC or DESC, default DESC
}

// List retrieves synthesis events matching opts, newest first by default
func (s *SynthesisEventsStore) List(ctx context.Context, opts ListOptions) ([]*events.SynthesisEvent, error) {
	where, args := buildWhere(opts)

	column, ok := sortColumns[opts.SortBy]
	if !ok {
		column = "timestamp"
	}
	order := "DESC"
	if strings.EqualFold(opts.SortOrder, "ASC") {
		order = "ASC"
	}

	query := `SELECT ` + eventColumns + ` FROM synthesis_events` + where +
		fmt.Sprintf(" ORDER BY %s %s", column, order)

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query synthesis events: %w", err)
	}
	defer rows.Close()

	var result []*events.SynthesisEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan synthesis event: %w", err)
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating synthesis events: %w", err)
	}

	return result, nil
}

// Count returns the number of events matching the filters in opts
func (s *SynthesisEventsStore) Count(ctx context.Context, opts ListOptions) (int, error) {
	where, args := buildWhere(opts)

	var count int
	err := s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM synthesis_events`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count synthesis events: %w", err)
	}
	return count, nil
}

// Delete removes a synthesis event by UUID
func (s *SynthesisEventsStore) Delete(ctx context.Context, uuid string) error {
	result, err := s.db.DB().ExecContext(ctx, `DELETE FROM synthesis_events WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to delete synthesis event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrEventNotFound
	}

	logging.LogDatabaseOperation("delete", "synthesis_events", zap.String("uuid", uuid))
	return nil
}

// Prune deletes events older than the cutoff and returns how many were removed
func (s *SynthesisEventsStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.DB().ExecContext(ctx, `DELETE FROM synthesis_events WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune synthesis events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		logging.LogDatabaseOperation("prune", "synthesis_events", zap.Int64("deleted", affected))
	}
	return affected, nil
}

func buildWhere(opts ListOptions) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if opts.VoiceID != "" {
		conditions = append(conditions, "voice_id = ?")
		args = append(args, opts.VoiceID)
	}
	if opts.Mode != "" {
		conditions = append(conditions, "mode = ?")
		args = append(args, opts.Mode)
	}
	if opts.Success != nil {
		conditions = append(conditions, "success = ?")
		args = append(args, *opts.Success)
	}
	if opts.Streaming != nil {
		conditions = append(conditions, "streaming = ?")
		args = append(args, *opts.Streaming)
	}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, opts.Until.UTC())
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*events.SynthesisEvent, error) {
	var event events.SynthesisEvent
	err := row.Scan(
		&event.UUID, &event.RequestID, &event.Timestamp,
		&event.VoiceID, &event.Mode, &event.Streaming, &event.TextHash, &event.TextLength, &event.Speed,
		&event.SampleRate, &event.Samples, &event.Chunks, &event.AudioDuration,
		&event.ProcessingTime, &event.Success, &event.Truncated, &event.ErrorKind, &event.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}
