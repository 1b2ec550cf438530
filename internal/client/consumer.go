// Package client consumes the chat endpoint: it reads the streamed reply
// incrementally, falls back to the synchronous endpoint and finally to a local
// apology, so callers always get something to display.
package client

import (
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

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/domain"
	"github.com/campuscompanion/companion/internal/stream"
)

const (
	chatPath = "/api/chat"

	readBufferSize = 4 << 10
	// maxSyncBody bounds the synchronous reply.
	maxSyncBody = 1 << 20
)

// Request is what the consumer sends.
type Request struct {
	Message   string
	Context   string
	SessionID string
	History   []agent.Turn
}

// Reply is what the consumer displays at the end.
type Reply struct {
	Text           string
	ProcessingType agent.ProcessingType
	Routing        *agent.RoutingDecision
	StudentContext *domain.StudentContext
	Timestamp      string
	// Streamed is set when the text came from the streaming endpoint.
	Streamed bool
	// Err records why the earlier tiers failed. It is informational: Text is
	// always displayable.
	Err error
}

// Observer receives optimistic updates while a stream is read.
type Observer interface {
	// Partial receives the growing text. Every value extends the previous one.
	Partial(text string)
	// Discard drops the optimistic text before a fallback answer replaces it.
	Discard()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	OnPartial func(text string)
	OnDiscard func()
}

func (o ObserverFuncs) Partial(text string) {
	if o.OnPartial != nil {
		o.OnPartial(text)
	}
}

func (o ObserverFuncs) Discard() {
	if o.OnDiscard != nil {
		o.OnDiscard()
	}
}

// Config configures a Consumer.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Consumer talks to the chat endpoint.
type Consumer struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a consumer.
func New(cfg Config) *Consumer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 3 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

type wireRequest struct {
	Message   string       `json:"message"`
	Context   string       `json:"context,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	History   []agent.Turn `json:"history,omitempty"`
	Stream    bool         `json:"stream"`
}

type syncReply struct {
	Response       string                 `json:"response"`
	ProcessingType agent.ProcessingType   `json:"processing_type"`
	Routing        *agent.RoutingDecision `json:"routing"`
	Timestamp      string                 `json:"timestamp"`
	StudentContext *domain.StudentContext `json:"student_context"`
	Error          string                 `json:"error"`
}

// RejectedError is a request the server refused (validation, auth, rate
// limit). Its message is meant for the user.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("request rejected (%d): %s", e.Status, e.Message)
}

// Ask streams the reply, reporting optimistic text to obs (which may be nil).
// If streaming fails at any point it asks once synchronously; if that fails
// too it returns the apology tagged error_fallback. It never panics on
// transport failures and always returns displayable text.
func (c *Consumer) Ask(ctx context.Context, req Request, obs Observer) Reply {
	if obs == nil {
		obs = ObserverFuncs{}
	}

	reply, streamErr := c.askStream(ctx, req, obs)
	if streamErr == nil {
		return reply
	}
	var rejected *RejectedError
	if errors.As(streamErr, &rejected) {
		return rejectedReply(rejected)
	}
	c.logger.Warn("Stream failed, falling back to synchronous request", "error", streamErr)
	obs.Discard()

	reply, syncErr := c.askSync(ctx, req)
	if syncErr == nil {
		return reply
	}
	if errors.As(syncErr, &rejected) {
		return rejectedReply(rejected)
	}
	c.logger.Error("Synchronous fallback failed", "error", syncErr)
	return Reply{
		Text:           agent.ApologyMessage,
		ProcessingType: agent.ProcessingErrorFallback,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Err:            errors.Join(streamErr, syncErr),
	}
}

// AskOnce sends a single synchronous request without the stream tier. The
// apology covers transport failures the same way Ask does.
func (c *Consumer) AskOnce(ctx context.Context, req Request) Reply {
	reply, err := c.askSync(ctx, req)
	if err == nil {
		return reply
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejectedReply(rejected)
	}
	c.logger.Error("Synchronous request failed", "error", err)
	return Reply{
		Text:           agent.ApologyMessage,
		ProcessingType: agent.ProcessingErrorFallback,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Err:            err,
	}
}

func rejectedReply(err *RejectedError) Reply {
	return Reply{
		Text:           err.Message,
		ProcessingType: agent.ProcessingValidationError,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Err:            err,
	}
}

func (c *Consumer) askStream(ctx context.Context, req Request, obs Observer) (Reply, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Reply{}, statusError(resp)
	}

	var (
		body  []byte
		shown int
		chunk = make([]byte, readBufferSize)
	)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			body = append(body, chunk[:n]...)
			if safe := stream.SafePrefix(body); safe > shown {
				shown = safe
				obs.Partial(string(body[:shown]))
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return Reply{}, fmt.Errorf("read stream: %w", readErr)
		}
	}

	text, trailer, ok := stream.SplitTrailer(body)
	if !ok {
		if len(bytes.TrimSpace(body)) == 0 {
			return Reply{}, errors.New("stream ended without content")
		}
		return Reply{
			Text:           string(body),
			ProcessingType: agent.ProcessingStreaming,
			Streamed:       true,
		}, nil
	}

	final := string(text)
	if trailer.Response != "" {
		final = trailer.Response
	}
	if strings.TrimSpace(final) == "" && trailer.Error != "" {
		return Reply{}, fmt.Errorf("stream failed before any text: %s", trailer.Error)
	}
	routing := trailer.Routing
	return Reply{
		Text:           final,
		ProcessingType: trailer.ProcessingType,
		Routing:        &routing,
		StudentContext: trailer.StudentContext,
		Timestamp:      trailer.Timestamp,
		Streamed:       true,
	}, nil
}

func (c *Consumer) askSync(ctx context.Context, req Request) (Reply, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSyncBody))
	if err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	var out syncReply
	decodeErr := json.Unmarshal(data, &out)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 && decodeErr == nil && strings.TrimSpace(out.Response) != "":
		// degraded but usable
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := out.Error
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Reply{}, &RejectedError{Status: resp.StatusCode, Message: msg}
	default:
		return Reply{}, fmt.Errorf("chat request returned status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", decodeErr)
	}
	if strings.TrimSpace(out.Response) == "" {
		return Reply{}, errors.New("reply has no response text")
	}
	return Reply{
		Text:           out.Response,
		ProcessingType: out.ProcessingType,
		Routing:        out.Routing,
		StudentContext: out.StudentContext,
		Timestamp:      out.Timestamp,
	}, nil
}

func (c *Consumer) post(ctx context.Context, req Request, wantStream bool) (*http.Response, error) {
	payload, err := json.Marshal(wireRequest{
		Message:   req.Message,
		Context:   req.Context,
		SessionID: req.SessionID,
		History:   req.History,
		Stream:    wantStream,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if req.SessionID != "" {
		httpReq.Header.Set("X-Session-ID", req.SessionID)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send chat request: %w", err)
	}
	if resp.Body == nil {
		return nil, errors.New("chat response has no body")
	}
	return resp, nil
}

// statusError turns a non-OK stream response into an error. Client errors the
// server explains (4xx with an error message) are rejections.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout {
		var out syncReply
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxSyncBody))
		if json.Unmarshal(data, &out) == nil && out.Error != "" {
			return &RejectedError{Status: resp.StatusCode, Message: out.Error}
		}
	}
	return fmt.Errorf("stream request returned status %d", resp.StatusCode)
}
