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
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/events"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/security"
	"github.com/loqalabs/loqa-tts/internal/voices"
	"go.uber.org/zap"
)

// Recorder persists or publishes finished synthesis events
type Recorder interface {
	Record(ctx context.Context, event *events.SynthesisEvent)
}

// ServiceConfig configures the orchestrator
type ServiceConfig struct {
	Governor           GovernorConfig
	MaxTextLength      int
	MaxBufferedSeconds int
	DefaultFormat      string
}

// Service is the synthesis request orchestrator
type Service struct {
	cfg      ServiceConfig
	session  *engine.Session
	registry *voices.Registry
	governor *Governor
	observer Observer
	recorder Recorder
}

// NewService wires the orchestrator. observer and recorder may be nil.
func NewService(cfg ServiceConfig, session *engine.Session, registry *voices.Registry, observer Observer, recorder Recorder) *Service {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Service{
		cfg:      cfg,
		session:  session,
		registry: registry,
		governor: NewGovernor(cfg.Governor, observer),
		observer: observer,
		recorder: recorder,
	}
}

// Ready reports whether the engine session is loaded
func (s *Service) Ready() bool {
	return s.session.Ready()
}

// Stats exposes the governor's admission state
func (s *Service) Stats() GovernorStats {
	return s.governor.Stats()
}

// Registry returns the voice registry
func (s *Service) Registry() *voices.Registry {
	return s.registry
}

// Voices lists every available voice. An engine that cannot be loaded yet
// contributes no built-in voices.
func (s *Service) Voices(ctx context.Context) ([]voices.Entry, error) {
	if _, err := s.session.Engine(ctx); err != nil {
		logging.LogWarn("Listing voices without engine speakers", zap.Error(err))
	}
	entries, err := s.registry.List()
	if err != nil {
		return nil, Classify(err)
	}
	return entries, nil
}

// Synthesize runs a buffered request and returns the encoded audio
func (s *Service) Synthesize(ctx context.Context, req *Request) (*BufferedAudio, error) {
	req.Streaming = false
	run := s.begin(req)

	call, err := s.prepare(ctx, req, run)
	if err != nil {
		return nil, s.finish(ctx, run, err)
	}

	stream, err := s.governor.Invoke(ctx, call.engine, call.inv)
	if err != nil {
		return nil, s.finish(ctx, run, err)
	}
	defer stream.Close()

	result, err := AssembleBuffered(stream, call.encoder, call.sampleRate,
		bufferedFrameLimit(s.cfg.MaxBufferedSeconds, call.sampleRate))
	if err != nil {
		return nil, s.finish(ctx, run, err)
	}

	run.event.SetAudio(result.Frames, result.Chunks, result.SampleRate)
	s.observer.ObserveAudio(result.Frames, result.SampleRate)
	return result, s.finish(ctx, run, nil)
}

// Stream runs a streaming request, writing fragments to w as chunks arrive.
// When the returned result has Started set, the response is already
// committed and a non-nil error means the stream was truncated.
func (s *Service) Stream(ctx context.Context, req *Request, w FragmentWriter) (StreamResult, error) {
	req.Streaming = true
	run := s.begin(req)

	call, err := s.prepare(ctx, req, run)
	if err != nil {
		return StreamResult{}, s.finish(ctx, run, err)
	}

	stream, err := s.governor.Invoke(ctx, call.engine, call.inv)
	if err != nil {
		return StreamResult{}, s.finish(ctx, run, err)
	}
	defer stream.Close()

	result, err := StreamChunks(stream, call.encoder, call.sampleRate, w)
	run.event.SetAudio(result.Frames, result.Chunks, call.sampleRate)
	if err != nil && result.Started {
		run.event.Truncated = true
		kind := Classify(err).Kind
		s.observer.IncTruncated(string(kind))
		logging.LogWarn("Audio stream truncated after first fragment",
			zap.String("request_id", req.RequestID),
			zap.String("error_kind", string(kind)),
			zap.Int("chunks_sent", result.Chunks),
			zap.Error(err),
		)
	}
	if err == nil {
		s.observer.ObserveAudio(result.Frames, call.sampleRate)
	}
	return result, s.finish(ctx, run, err)
}

type requestRun struct {
	req   *Request
	event *events.SynthesisEvent
	mode  engine.Mode
	start time.Time
}

type preparedCall struct {
	engine     engine.Engine
	inv        engine.Invocation
	encoder    audio.Encoder
	sampleRate int
}

func (s *Service) begin(req *Request) *requestRun {
	return &requestRun{
		req:   req,
		event: events.NewSynthesisEvent(req.RequestID),
		start: time.Now(),
	}
}

// prepare performs every check that can fail before the engine is invoked
func (s *Service) prepare(ctx context.Context, req *Request, run *requestRun) (*preparedCall, error) {
	if err := req.Normalize(s.cfg.MaxTextLength); err != nil {
		return nil, err
	}
	run.event.SetRequest(req.VoiceID, req.Text, req.Speed, req.Streaming)

	format := req.Format
	if format == "" {
		format = s.cfg.DefaultFormat
	}
	enc, err := audio.EncoderFor(format)
	if err != nil {
		return nil, newError(KindValidation, err, "unsupported audio format %q", format)
	}

	eng, err := s.session.Engine(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		return nil, newError(KindInternal, err, "speech engine is not available")
	}
	caps := eng.Capabilities()

	inv, err := SelectMode(req, s.registry, caps)
	if err != nil {
		return nil, err
	}
	run.mode = inv.Mode
	run.event.Mode = string(inv.Mode)

	logging.LogTTSOperation("synthesis_start",
		zap.String("request_id", req.RequestID),
		zap.String("voice", security.SanitizeLogInput(req.VoiceID)),
		zap.String("mode", string(inv.Mode)),
		zap.Int("text_length", len(req.Text)),
		zap.Float64("speed", inv.Speed),
		zap.Bool("streaming", req.Streaming),
	)

	return &preparedCall{
		engine:     eng,
		inv:        inv,
		encoder:    enc,
		sampleRate: caps.SampleRate,
	}, nil
}

// finish classifies err, records the event and metrics, and logs the
// outcome. It returns the classified error.
func (s *Service) finish(ctx context.Context, run *requestRun, err error) error {
	elapsed := time.Since(run.start)
	outcome := "success"

	var synthErr *Error
	if err != nil {
		synthErr = Classify(err)
		outcome = string(synthErr.Kind)
		run.event.SetError(string(synthErr.Kind), synthErr)
	} else {
		run.event.Complete()
	}

	s.observer.ObserveRequest(string(run.mode), run.req.Streaming, outcome, elapsed)

	fields := []zap.Field{
		zap.String("request_id", run.req.RequestID),
		zap.String("voice", security.SanitizeLogInput(run.req.VoiceID)),
		zap.String("mode", string(run.mode)),
		zap.Bool("streaming", run.req.Streaming),
		zap.Duration("processing_time", elapsed),
	}

	switch {
	case synthErr == nil:
		logging.LogSynthesisEvent(run.event, "Speech synthesis complete", append(fields,
			zap.Int("samples", run.event.Samples),
			zap.Int("chunks", run.event.Chunks),
			zap.Float64("audio_duration", run.event.AudioDuration),
		)...)
	case synthErr.Kind == KindInternal:
		logging.LogError(synthErr, "Speech synthesis failed", fields...)
	case synthErr.Kind == KindNotFound:
		logging.LogDebug("Speech synthesis for unknown voice", fields...)
	default:
		logging.LogTTSOperation("synthesis_rejected", append(fields,
			zap.String("error_kind", string(synthErr.Kind)),
			zap.String("reason", synthErr.Message),
		)...)
	}

	if s.recorder != nil {
		s.recorder.Record(context.WithoutCancel(ctx), run.event)
	}

	if synthErr == nil {
		return nil
	}
	return synthErr
}

// IsKind reports whether err was classified as kind
func IsKind(err error, kind Kind) bool {
	var synthErr *Error
	return errors.As(err, &synthErr) && synthErr.Kind == kind
}
