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

package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/transport"
	"go.uber.org/zap"
)

// WorkerError is a failure reported by the inference worker, either as a
// non-200 response or as an error frame mid-stream.
type WorkerError struct {
	StatusCode int
	Message    string
}

func (e *WorkerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inference worker returned status %d: %s", e.StatusCode, e.Message)
	}
	return "inference worker error: " + e.Message
}

// RemoteConfig configures the connection to an inference worker
type RemoteConfig struct {
	URL            string
	ConnectTimeout time.Duration
	HTTPClient     *http.Client // optional
}

// synthesizeRequest is the JSON body sent to the worker
type synthesizeRequest struct {
	Mode             Mode    `json:"mode"`
	Text             string  `json:"text"`
	SpeakerID        string  `json:"speaker_id,omitempty"`
	Instruction      string  `json:"instruction,omitempty"`
	PromptText       string  `json:"prompt_text,omitempty"`
	PromptAudio      string  `json:"prompt_audio,omitempty"` // base64 float32 LE
	PromptSampleRate int     `json:"prompt_sample_rate,omitempty"`
	PromptChannels   int     `json:"prompt_channels,omitempty"`
	Speed            float64 `json:"speed"`
	Stream           bool    `json:"stream"`
}

// RemoteEngine drives an inference worker process over HTTP. Audio comes
// back as a chunked body of binary frames.
type RemoteEngine struct {
	baseURL string
	client  *http.Client
	caps    Capabilities
}

// NewRemoteLoader returns a Loader that connects to the worker at cfg.URL
func NewRemoteLoader(cfg RemoteConfig) Loader {
	return func(ctx context.Context) (Engine, error) {
		return DialRemote(ctx, cfg)
	}
}

// DialRemote connects to a worker and fetches its capability descriptor
func DialRemote(ctx context.Context, cfg RemoteConfig) (*RemoteEngine, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("engine URL cannot be empty")
	}

	client := cfg.HTTPClient
	if client == nil {
		connectTimeout := cfg.ConnectTimeout
		if connectTimeout <= 0 {
			connectTimeout = 5 * time.Second
		}
		client = &http.Client{
			// No overall timeout: synthesis responses stream for as long as
			// the request deadline allows.
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxIdleConnsPerHost: 4,
			},
		}
	}

	r := &RemoteEngine{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		client:  client,
	}

	caps, err := r.fetchCapabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to inference worker: %w", err)
	}
	r.caps = caps

	if logging.Sugar != nil {
		logging.Sugar.Infow("🔊 Inference worker connected",
			"url", r.baseURL,
			"sample_rate", caps.SampleRate,
			"speakers", len(caps.Speakers),
		)
	}

	return r, nil
}

// Capabilities returns the descriptor fetched at connect time
func (r *RemoteEngine) Capabilities() Capabilities {
	return r.caps
}

// Synthesize starts a synthesis on the worker and returns its chunk stream
func (r *RemoteEngine) Synthesize(ctx context.Context, inv Invocation) (Sequence, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	payload := synthesizeRequest{
		Mode:        inv.Mode,
		Text:        inv.Text,
		SpeakerID:   inv.SpeakerID,
		Instruction: inv.Instruction,
		Speed:       inv.Speed,
		Stream:      inv.Stream,
	}
	if ref := inv.Reference; ref != nil {
		payload.PromptText = ref.PromptText
		payload.PromptAudio = base64.StdEncoding.EncodeToString(transport.EncodeSamples(ref.Samples))
		payload.PromptSampleRate = ref.SampleRate
		payload.PromptChannels = ref.Channels
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		logging.LogWarn("Inference worker rejected synthesis",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response_body", string(msg)),
		)
		return nil, &WorkerError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	return newFrameSequence(resp.Body), nil
}

// Close releases idle connections
func (r *RemoteEngine) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *RemoteEngine) fetchCapabilities(ctx context.Context) (Capabilities, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/capabilities", nil)
	if err != nil {
		return Capabilities{}, fmt.Errorf("failed to create capabilities request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Capabilities{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Capabilities{}, fmt.Errorf("capabilities request failed with status %d", resp.StatusCode)
	}

	var caps Capabilities
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return Capabilities{}, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	if caps.SampleRate <= 0 {
		return Capabilities{}, fmt.Errorf("worker reported invalid sample rate %d", caps.SampleRate)
	}
	if caps.Channels <= 0 {
		caps.Channels = 1
	}
	return caps, nil
}

// frameSequence turns a frame stream into chunks. Samples for a chunk may
// span several AudioData frames and are emitted when its AudioEnd arrives.
type frameSequence struct {
	body    io.ReadCloser
	pending map[uint32][]float32
	done    bool
}

func newFrameSequence(body io.ReadCloser) *frameSequence {
	return &frameSequence{body: body, pending: make(map[uint32][]float32)}
}

func (s *frameSequence) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for {
		frame, err := transport.ReadFrame(s.body)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Chunk{}, fmt.Errorf("inference worker closed stream without status frame: %w", io.ErrUnexpectedEOF)
			}
			return Chunk{}, err
		}
		if err := transport.ValidateFrame(frame); err != nil {
			return Chunk{}, err
		}

		switch frame.Type {
		case transport.FrameTypeAudioData:
			samples, err := transport.DecodeSamples(frame.Data)
			if err != nil {
				return Chunk{}, err
			}
			s.pending[frame.Sequence] = append(s.pending[frame.Sequence], samples...)
		case transport.FrameTypeAudioEnd:
			samples := s.pending[frame.Sequence]
			delete(s.pending, frame.Sequence)
			return Chunk{
				Samples:  samples,
				Channels: int(frame.Data[0]),
				Index:    int(frame.Sequence),
			}, nil
		case transport.FrameTypeError:
			return Chunk{}, &WorkerError{Message: string(frame.Data)}
		case transport.FrameTypeStatus:
			s.done = true
			return Chunk{}, io.EOF
		case transport.FrameTypeHeartbeat:
		}
	}
}

func (s *frameSequence) Close() error {
	return s.body.Close()
}
