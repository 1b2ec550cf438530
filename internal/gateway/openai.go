package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/campuscompanion/companion/internal/metrics"
)

const (
	// maxErrorBodyRead limits how much of an error body is read.
	maxErrorBodyRead = 4 << 10
	// maxErrorBodyKept is what survives into UpstreamError.Body.
	maxErrorBodyKept = 512
)

// Config holds HTTPClient configuration.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	StreamTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// HTTPClient talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	baseURL       string
	apiKey        string
	timeout       time.Duration
	streamTimeout time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 120 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		timeout:       cfg.Timeout,
		streamTimeout: cfg.StreamTimeout,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
	}, nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a non-streaming completion and returns the first choice's text.
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content, err := c.complete(ctx, req)
	metrics.ObserveUpstream(req.Model, "sync", start, err)
	if err != nil {
		c.logger.Warn("Upstream completion failed", "model", req.Model, "error", err)
	}
	return content, err
}

func (c *HTTPClient) complete(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(decoded.Choices) == 0 {
		return "", &UpstreamError{Status: resp.StatusCode, Err: ErrEmptyCompletion}
	}
	return decoded.Choices[0].Message.Content, nil
}

// CompleteStream opens a streaming completion. The stream deadline starts now
// and is released by Close.
func (c *HTTPClient) CompleteStream(ctx context.Context, req CompletionRequest) (Stream, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)

	resp, err := c.do(ctx, req, true)
	if err != nil {
		cancel()
		metrics.ObserveUpstream(req.Model, "stream_open", start, err)
		c.logger.Warn("Upstream stream open failed", "model", req.Model, "error", err)
		return nil, err
	}
	metrics.ObserveUpstream(req.Model, "stream_open", start, nil)

	return &sseStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
		cancel: cancel,
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Err: c.scrubErr(err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyRead))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: c.scrub(string(raw))}
	}
	return resp, nil
}

func (c *HTTPClient) scrub(body string) string {
	return Scrub(body, c.apiKey)
}

func (c *HTTPClient) scrubErr(err error) error {
	if c.apiKey == "" || !strings.Contains(err.Error(), c.apiKey) {
		return err
	}
	return errors.New(c.scrub(err.Error()))
}

// Scrub removes secret from s and truncates the result for error reporting.
func Scrub(s, secret string) string {
	if secret != "" {
		s = strings.ReplaceAll(s, secret, "[redacted]")
	}
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBodyKept {
		cut := maxErrorBodyKept
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "...(truncated)"
	}
	return s
}

// sseStream decodes one server-sent event at a time from the upstream body.
// A body that ends before [DONE] or a finish_reason is a truncated reply.
type sseStream struct {
	body     io.ReadCloser
	reader   *bufio.Reader
	cancel   context.CancelFunc
	done     bool
	finished bool
}

func (s *sseStream) Next() (string, error) {
	for !s.done {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.done = true
			if errors.Is(err, io.EOF) {
				if s.finished {
					return "", io.EOF
				}
				return "", &UpstreamError{Err: fmt.Errorf("stream ended before completion: %w", io.ErrUnexpectedEOF)}
			}
			return "", &UpstreamError{Err: fmt.Errorf("read stream: %w", err)}
		}

		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", &UpstreamError{Err: fmt.Errorf("decode stream chunk: %w", err)}
		}
		if chunk.Error != nil {
			return "", &UpstreamError{Err: fmt.Errorf("upstream stream error: %s", chunk.Error.Message)}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
			s.finished = true
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	defer s.cancel()
	return s.body.Close()
}
