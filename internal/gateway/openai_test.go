package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "sk-secret-key"

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: testKey, Timeout: 2 * time.Second, StreamTimeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Contains(t, string(raw), `"response_format":{"type":"json_object"}`)
		_, _ = io.WriteString(w, `{"model":"m","choices":[{"message":{"content":"first"}},{"message":{"content":"second"}}]}`)
	})

	out, err := c.Complete(context.Background(), CompletionRequest{
		Model:       "gpt-test",
		Messages:    []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}},
		MaxTokens:   50,
		Temperature: 0.1,
		JSONMode:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "first", out)
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 50, got.MaxTokens)
	assert.False(t, got.Stream)
}

func TestCompleteNon2xxIsUpstreamErrorWithoutCredential(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprintf(w, `{"error":"bad key %s"} %s`, testKey, strings.Repeat("x", 2000))
	})

	_, err := c.Complete(context.Background(), CompletionRequest{Model: "m"})
	require.Error(t, err)

	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusTooManyRequests, upErr.Status)
	assert.NotContains(t, upErr.Body, testKey)
	assert.Contains(t, upErr.Body, "[redacted]")
	assert.LessOrEqual(t, len(upErr.Body), maxErrorBodyKept+len("...(truncated)"))
}

func TestCompleteNoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	})

	_, err := c.Complete(context.Background(), CompletionRequest{Model: "m"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), CompletionRequest{Model: "m"})
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompleteStreamRelaysDeltasInOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{"Hel", "", "lo", " world"} {
			_, _ = fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
			flusher.Flush()
		}
		_, _ = io.WriteString(w, ": keepalive\n\ndata: [DONE]\n\n")
	})

	s, err := c.CompleteStream(context.Background(), CompletionRequest{Model: "m"})
	require.NoError(t, err)
	defer s.Close()

	var parts []string
	for {
		text, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		parts = append(parts, text)
	}
	assert.Equal(t, []string{"Hel", "lo", " world"}, parts)
}

func readStream(t *testing.T, s Stream) ([]string, error) {
	t.Helper()
	var parts []string
	for {
		text, err := s.Next()
		if err != nil {
			return parts, err
		}
		parts = append(parts, text)
	}
}

func TestCompleteStreamDecodeFailures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		parts   []string
		wantEOF bool
		wantMsg string
	}{
		{
			name:    "finish reason without done marker",
			body:    "data: {\"choices\":[{\"delta\":{\"content\":\"Week 1\"}}]}\n\ndata: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n",
			parts:   []string{"Week 1"},
			wantEOF: true,
		},
		{
			name:    "body ends before completion",
			body:    "data: {\"choices\":[{\"delta\":{\"content\":\"Week 1\"}}]}\n\n",
			parts:   []string{"Week 1"},
			wantMsg: "stream ended before completion",
		},
		{
			name:    "error event mid-stream",
			body:    "data: {\"choices\":[{\"delta\":{\"content\":\"Week 1\"}}]}\n\ndata: {\"error\":{\"message\":\"overloaded\"}}\n\n",
			parts:   []string{"Week 1"},
			wantMsg: "overloaded",
		},
		{
			name:    "malformed data line",
			body:    "data: {\"choices\":[{\"delta\":{\"content\":\"Week 1\"}}]}\n\ndata: {not json\n\n",
			parts:   []string{"Week 1"},
			wantMsg: "decode stream chunk",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, tt.body)
			})

			s, err := c.CompleteStream(context.Background(), CompletionRequest{Model: "m"})
			require.NoError(t, err)
			defer s.Close()

			parts, err := readStream(t, s)
			assert.Equal(t, tt.parts, parts)
			if tt.wantEOF {
				assert.ErrorIs(t, err, io.EOF)
				return
			}
			var upErr *UpstreamError
			require.ErrorAs(t, err, &upErr)
			assert.NotErrorIs(t, err, io.EOF)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestCompleteStreamTruncatedBodyIsUnexpectedEOF(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Week 1\"}}]}\n\n")
	})

	s, err := c.CompleteStream(context.Background(), CompletionRequest{Model: "m"})
	require.NoError(t, err)
	defer s.Close()

	_, err = readStream(t, s)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestScrubKeepsValidUTF8(t *testing.T) {
	s := strings.Repeat("a", maxErrorBodyKept-1) + "é and more"

	got := Scrub(s, "")

	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "...(truncated)"))
	assert.Equal(t, strings.Repeat("a", maxErrorBodyKept-1)+"...(truncated)", got)
}

func TestCompleteStreamOpenFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	s, err := c.CompleteStream(context.Background(), CompletionRequest{Model: "m"})
	assert.Nil(t, s)
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusBadGateway, upErr.Status)
}

func TestMessageMarshalWithImages(t *testing.T) {
	raw, err := json.Marshal(Message{
		Role:    RoleUser,
		Content: "what is this",
		Images:  []Image{{URL: "data:image/png;base64,AAAA", Detail: "high"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":[{"type":"text","text":"what is this"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA","detail":"high"}}]}`, string(raw))

	raw, err = json.Marshal(Message{Role: RoleUser, Content: "plain"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"plain"}`, string(raw))
}
