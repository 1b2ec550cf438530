package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/metrics"
)

const maxAudioResponse = 16 << 20

// SpeechProvider synthesizes speech. Implementations report the voice they
// actually used, which may differ from the one requested.
type SpeechProvider interface {
	Name() string
	Synthesize(ctx context.Context, text, voice string) (audio []byte, voiceUsed string, err error)
}

// ElevenLabs is the primary speech provider.
type ElevenLabs struct {
	baseURL    string
	apiKey     string
	voiceID    string
	httpClient *http.Client
}

var _ SpeechProvider = (*ElevenLabs)(nil)

// NewElevenLabs creates the ElevenLabs provider. voiceID is used when the
// request names no voice.
func NewElevenLabs(baseURL, apiKey, voiceID string, httpClient *http.Client) *ElevenLabs {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ElevenLabs{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		voiceID:    voiceID,
		httpClient: httpClient,
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	// OpenAI voice names mean nothing to ElevenLabs.
	if voice == "" || openAIVoices[voice] {
		voice = e.voiceID
	}
	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": "eleven_multilingual_v2",
		"voice_settings": map[string]float64{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}
	audio, err := postForAudio(ctx, e.httpClient, e.baseURL+"/v1/text-to-speech/"+voice, payload, e.apiKey,
		func(h http.Header) { h.Set("xi-api-key", e.apiKey) })
	if err != nil {
		return nil, "", err
	}
	return audio, voice, nil
}

// openAIVoices are the voices accepted by /audio/speech.
var openAIVoices = map[string]bool{
	"alloy": true, "echo": true, "fable": true, "onyx": true, "nova": true, "shimmer": true,
}

const defaultOpenAIVoice = "alloy"

// OpenAISpeech is the OpenAI-compatible secondary speech provider.
type OpenAISpeech struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ SpeechProvider = (*OpenAISpeech)(nil)

// NewOpenAISpeech creates the /audio/speech provider.
func NewOpenAISpeech(baseURL, apiKey string, httpClient *http.Client) *OpenAISpeech {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OpenAISpeech{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpClient: httpClient}
}

func (o *OpenAISpeech) Name() string { return "openai" }

func (o *OpenAISpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if !openAIVoices[voice] {
		voice = defaultOpenAIVoice
	}
	payload, err := json.Marshal(map[string]string{
		"model":           "tts-1",
		"input":           text,
		"voice":           voice,
		"response_format": "mp3",
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}
	audio, err := postForAudio(ctx, o.httpClient, o.baseURL+"/audio/speech", payload, o.apiKey,
		func(h http.Header) {
			if o.apiKey != "" {
				h.Set("Authorization", "Bearer "+o.apiKey)
			}
		})
	if err != nil {
		return nil, "", err
	}
	return audio, voice, nil
}

func postForAudio(ctx context.Context, client *http.Client, url string, payload []byte, secret string, auth func(http.Header)) (audio []byte, err error) {
	start := time.Now()
	defer func() { metrics.ObserveUpstream("speech", "synthesize", start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	auth(req.Header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &gateway.UpstreamError{Err: errors.New(gateway.Scrub(err.Error(), secret))}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &gateway.UpstreamError{Status: resp.StatusCode, Body: gateway.Scrub(string(raw), secret)}
	}
	audio, err = io.ReadAll(io.LimitReader(resp.Body, maxAudioResponse))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("speech provider returned no audio")
	}
	return audio, nil
}
