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

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-tts/internal/events"
	"github.com/loqalabs/loqa-tts/internal/logging"
	"github.com/loqalabs/loqa-tts/internal/messaging"
)

const (
	defaultServerURL = "http://localhost:9880"
)

type VoiceInfo struct {
	Name    string `json:"name"`
	VoiceID string `json:"voice_id"`
}

type SynthesisEvent struct {
	UUID           string    `json:"uuid"`
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	VoiceID        string    `json:"voice_id"`
	Mode           string    `json:"mode"`
	Streaming      bool      `json:"streaming"`
	TextLength     int       `json:"text_length"`
	AudioDuration  float64   `json:"audio_duration"`
	ProcessingTime int64     `json:"processing_time_ms"`
	Success        bool      `json:"success"`
	Truncated      bool      `json:"truncated"`
	ErrorKind      string    `json:"error_kind,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func main() {
	var (
		serverURL = flag.String("server", defaultServerURL, "URL of the loqa-tts server")
		action    = flag.String("action", "voices", "Action to perform: voices, say, upload, remove, events, follow, health")
		apiKey    = flag.String("key", os.Getenv("LOQA_TTS_API_KEY"), "API key sent as X-API-Key")
		voiceID   = flag.String("voice", "", "Voice ID")
		text      = flag.String("text", "", "Text to synthesize")
		out       = flag.String("out", "sound.wav", "Output file for say")
		stream    = flag.Bool("stream", false, "Request a streamed response")
		speed     = flag.Float64("speed", 1.0, "Speaking speed, 0.5 to 2.0")
		audioPath = flag.String("audio", "", "Reference WAV recording for upload")
		prompt    = flag.String("prompt", "", "Transcript of the reference recording")
		limit     = flag.Int("limit", 20, "Number of events to show")
		format    = flag.String("format", "table", "Output format: table, json")
		natsURL   = flag.String("nats", envOr("NATS_URL", "nats://localhost:4222"), "NATS server for follow")
		prefix    = flag.String("subject-prefix", envOr("NATS_SUBJECT_PREFIX", messaging.DefaultSubjectPrefix), "NATS subject prefix for follow")
	)
	flag.Parse()

	client := &TTSCLI{
		serverURL: *serverURL,
		apiKey:    *apiKey,
		format:    *format,
		http:      &http.Client{Timeout: 5 * time.Minute},
	}

	var err error
	switch *action {
	case "voices":
		err = client.listVoices()
	case "say":
		if *text == "" || *voiceID == "" {
			fail("text and voice required for say action")
		}
		err = client.say(*voiceID, *text, *speed, *stream, *out)
	case "upload":
		if *voiceID == "" || *audioPath == "" {
			fail("voice and audio required for upload action")
		}
		err = client.uploadVoice(*voiceID, *audioPath, *prompt)
	case "remove":
		if *voiceID == "" {
			fail("voice required for remove action")
		}
		err = client.removeVoice(*voiceID)
	case "events":
		err = client.listEvents(*limit)
	case "follow":
		err = client.follow(*natsURL, *prefix)
	case "health":
		err = client.health()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown action %s\n", *action)
		fmt.Fprintf(os.Stderr, "Valid actions: voices, say, upload, remove, events, follow, health\n")
		os.Exit(1)
	}

	if err != nil {
		fail(err.Error())
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(1)
}

type TTSCLI struct {
	serverURL string
	apiKey    string
	format    string
	http      *http.Client
}

func (c *TTSCLI) do(req *http.Request) (*http.Response, error) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return resp, nil
}

func (c *TTSCLI) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

// apiError turns a non-success response into an error carrying its detail
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Detail != "" {
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, e.Detail)
	}
	return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
}

func (c *TTSCLI) listVoices() error {
	resp, err := c.get("/voices")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var list []VoiceInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if c.format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VOICE ID\tNAME")
	fmt.Fprintln(w, "--------\t----")
	for _, v := range list {
		fmt.Fprintf(w, "%s\t%s\n", v.VoiceID, v.Name)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("error flushing output: %w", err)
	}
	fmt.Printf("\nTotal: %d voices\n", len(list))
	return nil
}

func (c *TTSCLI) say(voiceID, text string, speed float64, stream bool, out string) error {
	payload := map[string]interface{}{
		"text":      text,
		"voice_id":  voiceID,
		"speed":     speed,
		"streaming": stream,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.serverURL+"/synthesize", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return fmt.Errorf("failed to write %s: %w", out, copyErr)
	}

	fmt.Printf("Wrote %d bytes of %s to %s in %s\n", n, resp.Header.Get("Content-Type"), out, time.Since(start).Round(time.Millisecond))
	if d := resp.Header.Get("X-Audio-Duration"); d != "" {
		fmt.Printf("Audio duration: %ss\n", d)
	}
	return nil
}

func (c *TTSCLI) uploadVoice(voiceID, audioPath, promptText string) error {
	recording, err := os.ReadFile(audioPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", audioPath, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("voice_id", voiceID)
	if promptText != "" {
		_ = mw.WriteField("prompt_text", promptText)
	}
	part, err := mw.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(recording); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.serverURL+"/api/voices", &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	fmt.Printf("Voice %s uploaded successfully\n", voiceID)
	return nil
}

func (c *TTSCLI) removeVoice(voiceID string) error {
	req, err := http.NewRequest(http.MethodDelete, c.serverURL+"/api/voices/"+url.PathEscape(voiceID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("voice %s not found", voiceID)
	}
	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}

	fmt.Printf("Voice %s removed successfully\n", voiceID)
	return nil
}

func (c *TTSCLI) listEvents(limit int) error {
	resp, err := c.get("/api/synthesis-events?page_size=" + strconv.Itoa(limit))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("event storage is disabled on this server")
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var result struct {
		Events []SynthesisEvent `json:"events"`
		Total  int              `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if c.format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result.Events)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tVOICE\tMODE\tSTREAM\tAUDIO\tTOOK\tRESULT")
	fmt.Fprintln(w, "----\t-----\t----\t------\t-----\t----\t------")

	for _, e := range result.Events {
		outcome := "✓"
		switch {
		case e.Truncated:
			outcome = "✗ truncated (" + e.ErrorKind + ")"
		case !e.Success:
			outcome = "✗ " + e.ErrorKind
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2fs\t%dms\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.VoiceID,
			e.Mode,
			formatBool(e.Streaming),
			e.AudioDuration,
			e.ProcessingTime,
			outcome,
		)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("error flushing output: %w", err)
	}
	fmt.Printf("\nShowing %d of %d events\n", len(result.Events), result.Total)
	return nil
}

// follow prints synthesis events published on NATS until interrupted
func (c *TTSCLI) follow(natsURL, prefix string) error {
	if err := logging.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Close()

	ns := messaging.NewNATSService(messaging.Config{URL: natsURL, SubjectPrefix: prefix})
	if err := ns.Connect(); err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer ns.Close()

	encoder := json.NewEncoder(os.Stdout)
	sub, err := ns.SubscribeToSynthesisEvents(func(e *events.SynthesisEvent) {
		if c.format == "json" {
			_ = encoder.Encode(e)
			return
		}
		outcome := "✓"
		switch {
		case e.Truncated:
			outcome = "✗ truncated (" + e.ErrorKind + ")"
		case !e.Success:
			outcome = "✗ " + e.ErrorKind
		}
		fmt.Printf("%s  %-12s %-14s stream=%s audio=%.2fs took=%dms %s\n",
			e.Timestamp.Local().Format("15:04:05"),
			e.VoiceID,
			e.Mode,
			formatBool(e.Streaming),
			e.AudioDuration,
			e.ProcessingTime,
			outcome,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	fmt.Fprintf(os.Stderr, "Following %s (Ctrl-C to stop)\n", ns.SynthesisSubject("*"))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	return nil
}

func (c *TTSCLI) health() error {
	for _, path := range []string{"/health", "/ready"} {
		resp, err := c.get(path)
		if err != nil {
			return err
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		fmt.Printf("%-8s %d %s\n", path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func formatBool(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}
