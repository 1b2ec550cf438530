// Package gateway performs chat completion calls against an OpenAI-compatible
// upstream, either synchronously or as a relayable token stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyCompletion is returned when the upstream answered without any choice.
var ErrEmptyCompletion = errors.New("upstream returned no completion")

// Client is the uniform call surface used by the router, agents and unifier.
type Client interface {
	// Complete returns the text of the first completion choice.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// CompleteStream opens a streaming completion. The caller owns the
	// returned stream and must Close it.
	CompleteStream(ctx context.Context, req CompletionRequest) (Stream, error)
}

// Stream yields text deltas in upstream order.
type Stream interface {
	// Next returns the next non-empty text delta, or io.EOF once the
	// upstream signalled completion.
	Next() (string, error)
	Close() error
}

// CompletionRequest describes one upstream call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// JSONMode asks the upstream for a single JSON object reply.
	JSONMode bool
}

// Message is a chat message. Images turn the content into multimodal parts.
type Message struct {
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Images  []Image `json:"-"`
}

// Image is an image attachment given as a URL or data URL.
type Image struct {
	URL    string
	Detail string
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MarshalJSON renders plain string content, or a part list when images are attached.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Images) == 0 {
		type plain struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		return json.Marshal(plain{Role: m.Role, Content: m.Content})
	}

	parts := make([]contentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: img.URL, Detail: img.Detail},
		})
	}
	return json.Marshal(struct {
		Role    string        `json:"role"`
		Content []contentPart `json:"content"`
	}{Role: m.Role, Content: parts})
}

// UpstreamError reports a failed upstream call. Body is truncated and never
// contains the configured credential.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
