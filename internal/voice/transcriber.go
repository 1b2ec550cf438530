// Package voice turns student audio into text and assistant text into audio.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/metrics"
)

const (
	transcriptionModel = "whisper-1"
	// defaultTranscriptConfidence is used when the upstream reports no segments.
	defaultTranscriptConfidence = 0.9
	maxTranscriptBody           = 4 << 20
	maxErrorBody                = 4 << 10
)

// Transcript is the upstream transcription of one recording.
type Transcript struct {
	Text       string
	Language   string
	Duration   float64
	Confidence float64
}

// Transcriber calls an OpenAI-compatible /audio/transcriptions endpoint.
type Transcriber struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTranscriber creates a transcriber. A nil httpClient gets a 60s timeout.
func NewTranscriber(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Transcriber {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

type verboseTranscription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe uploads audio as multipart form data. Upstream failures are
// *gateway.UpstreamError with the credential scrubbed.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, format, language string) (tr Transcript, err error) {
	start := time.Now()
	defer func() { metrics.ObserveUpstream(transcriptionModel, "transcribe", start, err) }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio."+format)
	if err != nil {
		return Transcript{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return Transcript{}, fmt.Errorf("write audio: %w", err)
	}
	fields := map[string]string{
		"model":           transcriptionModel,
		"response_format": "verbose_json",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Transcript{}, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return Transcript{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Transcript{}, &gateway.UpstreamError{Err: errors.New(gateway.Scrub(err.Error(), t.apiKey))}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Transcript{}, &gateway.UpstreamError{Status: resp.StatusCode, Body: gateway.Scrub(string(raw), t.apiKey)}
	}

	var out verboseTranscription
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTranscriptBody)).Decode(&out); err != nil {
		return Transcript{}, fmt.Errorf("decode transcription: %w", err)
	}
	t.logger.Debug("Transcription complete",
		"language", out.Language,
		"duration", out.Duration,
		"segments", len(out.Segments),
	)
	return Transcript{
		Text:       strings.TrimSpace(out.Text),
		Language:   out.Language,
		Duration:   out.Duration,
		Confidence: segmentConfidence(out),
	}, nil
}

func segmentConfidence(v verboseTranscription) float64 {
	if len(v.Segments) == 0 {
		return defaultTranscriptConfidence
	}
	var sum float64
	for _, s := range v.Segments {
		sum += math.Exp(s.AvgLogprob)
	}
	c := sum / float64(len(v.Segments))
	return math.Max(0, math.Min(1, c))
}
