package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/domain"
	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/metrics"
)

const (
	// DefaultMaxAudioBytes caps decoded uploads.
	DefaultMaxAudioBytes = 25 << 20
	// MaxSpeechChars caps synthesis input.
	MaxSpeechChars = 4096
)

// ErrAllProvidersFailed is returned when no speech provider produced audio.
var ErrAllProvidersFailed = errors.New("all speech providers failed")

var audioFormats = map[string]bool{
	"webm": true, "mp3": true, "mp4": true, "mpeg": true, "mpga": true,
	"m4a": true, "wav": true, "ogg": true, "flac": true,
}

// TranscribeRequest is one transcription request.
type TranscribeRequest struct {
	// Audio is base64, optionally as a data URL.
	Audio           string                 `json:"audio"`
	Format          string                 `json:"format,omitempty"`
	Language        string                 `json:"language,omitempty"`
	Context         string                 `json:"context,omitempty"`
	EnhanceAcademic bool                   `json:"enhance_academic,omitempty"`
	Student         *domain.StudentContext `json:"-"`
}

// TranscribeResult is the transcription payload.
type TranscribeResult struct {
	Success          bool                  `json:"success"`
	Transcription    string                `json:"text"`
	RawTranscription string                `json:"raw_text"`
	Confidence       float64               `json:"confidence"`
	Language         string                `json:"language,omitempty"`
	Duration         float64               `json:"duration,omitempty"`
	Enhanced         bool                  `json:"academic_enhanced"`
	Routing          agent.RoutingDecision `json:"routing"`
	ProcessingType   agent.ProcessingType  `json:"processing_type"`
}

// SynthesizeRequest is one speech synthesis request.
type SynthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// SynthesizeResult is the synthesis payload. Audio is base64 mp3.
type SynthesizeResult struct {
	Success        bool                  `json:"success"`
	Audio          string                `json:"audioContent"`
	Format         string                `json:"format"`
	VoiceUsed      string                `json:"voice_used"`
	Routing        agent.RoutingDecision `json:"routing"`
	ProcessingType agent.ProcessingType  `json:"processing_type"`
}

// Service runs the transcription and synthesis pipelines.
type Service struct {
	transcriber *Transcriber
	providers   []SpeechProvider
	client      gateway.Client
	router      *agent.Router
	maxBytes    int64
	logger      *slog.Logger
}

// Config wires a voice Service. Providers are tried in order.
type Config struct {
	Transcriber   *Transcriber
	Providers     []SpeechProvider
	Client        gateway.Client
	Router        *agent.Router
	MaxAudioBytes int64
	Logger        *slog.Logger
}

// NewService creates a voice service.
func NewService(cfg Config) *Service {
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = DefaultMaxAudioBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Router == nil {
		cfg.Router = agent.NewRouter(cfg.Client, agent.WithRouterLogger(cfg.Logger))
	}
	return &Service{
		transcriber: cfg.Transcriber,
		providers:   cfg.Providers,
		client:      cfg.Client,
		router:      cfg.Router,
		maxBytes:    cfg.MaxAudioBytes,
		logger:      cfg.Logger,
	}
}

// Transcribe validates and transcribes audio, then routes the transcript to
// the academic or general transcriber. With EnhanceAcademic and an academic
// routing the transcript is cleaned up by that agent; cleanup failures keep
// the raw transcript.
func (s *Service) Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResult, error) {
	audio, format, err := s.decodeAudio(req)
	if err != nil {
		return TranscribeResult{ProcessingType: agent.ProcessingValidationError}, err
	}
	if s.transcriber == nil {
		return TranscribeResult{}, errors.New("transcription is not configured")
	}

	tr, err := s.transcriber.Transcribe(ctx, audio, format, req.Language)
	if err != nil {
		metrics.Fallbacks.WithLabelValues(agent.PipelineTranscribe, string(agent.StageExecuting)).Inc()
		return TranscribeResult{}, fmt.Errorf("transcribe: %w", err)
	}

	result := TranscribeResult{
		Success:          true,
		Transcription:    tr.Text,
		RawTranscription: tr.Text,
		Confidence:       tr.Confidence,
		Language:         tr.Language,
		Duration:         tr.Duration,
		ProcessingType:   agent.ProcessingTranscription,
	}
	if tr.Text == "" {
		result.Routing = agent.RoutingDecision{
			SelectedAgent: agent.VoiceTranscriptionDomain.Default,
			Confidence:    1,
			Reason:        "empty transcript",
			Path:          agent.PathDefault,
		}
		return result, nil
	}

	result.Routing = s.router.Route(ctx, agent.VoiceTranscriptionDomain, tr.Text, req.Context)
	if req.EnhanceAcademic && result.Routing.SelectedAgent == agent.RoleAcademicTranscriber {
		if enhanced, err := s.enhance(ctx, req, result.Routing.SelectedAgent, tr.Text); err != nil {
			s.logger.Warn("Academic enhancement failed, keeping raw transcript", "error", err)
		} else {
			result.Transcription = enhanced
			result.Enhanced = true
		}
	}
	return result, nil
}

func (s *Service) enhance(ctx context.Context, req TranscribeRequest, role agent.Role, transcript string) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("enhancement panic: %v", p)
		}
	}()
	if s.client == nil {
		return "", errors.New("no completion client")
	}
	prompt, err := agent.BuildPrompt(agent.VoiceTranscriptionDomain, role, transcript, req.Context, req.Student)
	if err != nil {
		return "", err
	}
	text, err = s.client.Complete(ctx, prompt.Request(nil))
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", gateway.ErrEmptyCompletion
	}
	return text, nil
}

func (s *Service) decodeAudio(req TranscribeRequest) ([]byte, string, error) {
	payload := strings.TrimSpace(req.Audio)
	if payload == "" {
		return nil, "", &agent.ValidationError{Field: "audio", Message: "Audio is required."}
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, "", &agent.ValidationError{Field: "audio", Message: "The audio data URL is malformed."}
		}
		if format == "" {
			format = dataURLFormat(payload[:comma])
		}
		payload = payload[comma+1:]
	}
	if format == "" {
		format = "webm"
	}
	if !audioFormats[format] {
		return nil, "", &agent.ValidationError{Field: "format", Message: fmt.Sprintf("Unsupported audio format %q.", format)}
	}

	tooLarge := &agent.ValidationError{
		Field:   "audio",
		Message: fmt.Sprintf("The recording is too large (maximum %d MB).", s.maxBytes>>20),
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload)))-2 > s.maxBytes {
		return nil, "", tooLarge
	}
	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", &agent.ValidationError{Field: "audio", Message: "The audio is not valid base64."}
	}
	if int64(len(audio)) > s.maxBytes {
		return nil, "", tooLarge
	}
	if len(audio) == 0 {
		return nil, "", &agent.ValidationError{Field: "audio", Message: "Audio is required."}
	}
	return audio, format, nil
}

// dataURLFormat maps "data:audio/webm;codecs=opus;base64" to "webm".
func dataURLFormat(header string) string {
	mime := strings.TrimPrefix(header, "data:")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	_, sub, ok := strings.Cut(mime, "/")
	if !ok {
		return ""
	}
	switch sub {
	case "mpeg":
		return "mp3"
	case "x-wav", "wave":
		return "wav"
	case "x-m4a":
		return "m4a"
	default:
		return sub
	}
}

// Synthesize cleans text for speech and tries each provider in order. The
// single-role synthesis domain needs no classification.
func (s *Service) Synthesize(ctx context.Context, req SynthesizeRequest) (SynthesizeResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return SynthesizeResult{ProcessingType: agent.ProcessingValidationError},
			&agent.ValidationError{Field: "text", Message: "Text is required."}
	}
	if utf8.RuneCountInString(text) > MaxSpeechChars {
		return SynthesizeResult{ProcessingType: agent.ProcessingValidationError},
			&agent.ValidationError{Field: "text", Message: fmt.Sprintf("Text is too long (maximum %d characters).", MaxSpeechChars)}
	}
	spoken := prepareForSpeech(text)
	if spoken == "" {
		return SynthesizeResult{ProcessingType: agent.ProcessingValidationError},
			&agent.ValidationError{Field: "text", Message: "Text has nothing to read aloud."}
	}

	decision := s.router.Route(ctx, agent.VoiceSynthesisDomain, spoken, "")

	var errs []error
	for _, p := range s.providers {
		audio, voice, err := p.Synthesize(ctx, spoken, req.Voice)
		if err != nil {
			s.logger.Warn("Speech provider failed", "provider", p.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		return SynthesizeResult{
			Success:        true,
			Audio:          base64.StdEncoding.EncodeToString(audio),
			Format:         "mp3",
			VoiceUsed:      p.Name() + ":" + voice,
			Routing:        decision,
			ProcessingType: agent.ProcessingSynthesis,
		}, nil
	}
	metrics.Fallbacks.WithLabelValues(agent.PipelineSynthesize, string(agent.StageExecuting)).Inc()
	if len(errs) == 0 {
		return SynthesizeResult{}, fmt.Errorf("%w: none configured", ErrAllProvidersFailed)
	}
	return SynthesizeResult{}, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}
