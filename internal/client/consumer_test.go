package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/stream"
)

type fakeServer struct {
	streamCalls atomic.Int32
	syncCalls   atomic.Int32
	onStream    func(w http.ResponseWriter)
	onSync      func(w http.ResponseWriter)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req wireRequest
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if req.Stream {
		f.streamCalls.Add(1)
		f.onStream(w)
		return
	}
	f.syncCalls.Add(1)
	f.onSync(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func syncOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"response":        "synchronous answer",
		"processing_type": "multi_agent_unified",
		"routing":         map[string]any{"selected_agent": "study_helper", "confidence": 0.8, "reason": "x"},
		"timestamp":       "2026-01-01T00:00:00Z",
	})
}

type recorder struct {
	partials []string
	discards int
}

func (r *recorder) Partial(text string) { r.partials = append(r.partials, text) }
func (r *recorder) Discard()            { r.discards++ }

func newConsumer(t *testing.T, srv http.Handler) *Consumer {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL, Token: "tok"})
}

func TestAskStreamsMonotonicPartials(t *testing.T) {
	chunks := []string{"Week 1: ", "lectures\n", "{draft}", " é", "\nWeek 2: labs"}
	full := strings.Join(chunks, "")
	srv := &fakeServer{
		onStream: func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			flusher := w.(http.Flusher)
			for _, c := range chunks {
				_, _ = io.WriteString(w, c)
				flusher.Flush()
			}
			tr := stream.NewTrailer(agent.ProcessingStreaming, agent.RoutingDecision{
				SelectedAgent: agent.RoleTimeManager, Confidence: 0.7, Reason: "keyword-based routing",
			}, nil)
			tr.Response = full
			_ = stream.WriteTrailer(w, tr)
		},
		onSync: syncOK,
	}
	rec := &recorder{}

	reply := newConsumer(t, srv).Ask(context.Background(), Request{Message: "plan"}, rec)

	require.NoError(t, reply.Err)
	assert.True(t, reply.Streamed)
	assert.Equal(t, full, reply.Text)
	assert.Equal(t, agent.ProcessingStreaming, reply.ProcessingType)
	require.NotNil(t, reply.Routing)
	assert.Equal(t, agent.RoleTimeManager, reply.Routing.SelectedAgent)
	assert.Equal(t, int32(0), srv.syncCalls.Load())
	assert.Zero(t, rec.discards)

	require.NotEmpty(t, rec.partials)
	prev := ""
	for _, p := range rec.partials {
		assert.Greater(t, len(p), len(prev))
		assert.True(t, strings.HasPrefix(p, prev))
		assert.True(t, strings.HasPrefix(full, p), "partial %q is not a prefix of the final text", p)
		prev = p
	}
}

func TestAskStreamOpenFailureUsesOneSyncCall(t *testing.T) {
	srv := &fakeServer{
		onStream: func(w http.ResponseWriter) { http.Error(w, "upstream down", http.StatusBadGateway) },
		onSync:   syncOK,
	}
	rec := &recorder{}

	reply := newConsumer(t, srv).Ask(context.Background(), Request{Message: "hi"}, rec)

	assert.Equal(t, "synchronous answer", reply.Text)
	assert.False(t, reply.Streamed)
	assert.Equal(t, agent.ProcessingUnified, reply.ProcessingType)
	assert.Equal(t, int32(1), srv.streamCalls.Load())
	assert.Equal(t, int32(1), srv.syncCalls.Load())
	assert.Equal(t, 1, rec.discards)
}

func TestAskMidStreamFailureFallsBack(t *testing.T) {
	srv := &fakeServer{
		onStream: func(w http.ResponseWriter) {
			_, _ = io.WriteString(w, "partial text that will be dropped")
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		},
		onSync: syncOK,
	}
	rec := &recorder{}

	reply := newConsumer(t, srv).Ask(context.Background(), Request{Message: "hi"}, rec)

	assert.Equal(t, "synchronous answer", reply.Text)
	assert.Equal(t, int32(1), srv.syncCalls.Load())
	assert.Equal(t, 1, rec.discards)
}

func TestAskAllTiersFailReturnsApology(t *testing.T) {
	srv := &fakeServer{
		onStream: func(w http.ResponseWriter) { http.Error(w, "down", http.StatusServiceUnavailable) },
		onSync:   func(w http.ResponseWriter) { http.Error(w, "down", http.StatusServiceUnavailable) },
	}

	var reply Reply
	assert.NotPanics(t, func() {
		reply = newConsumer(t, srv).Ask(context.Background(), Request{Message: "hi"}, nil)
	})

	assert.Equal(t, agent.ApologyMessage, reply.Text)
	assert.Equal(t, agent.ProcessingErrorFallback, reply.ProcessingType)
	assert.Error(t, reply.Err)
	assert.Equal(t, int32(1), srv.syncCalls.Load())
}

func TestAskUnreachableServerReturnsApology(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	reply := New(Config{BaseURL: url}).Ask(context.Background(), Request{Message: "hi"}, nil)

	assert.Equal(t, agent.ApologyMessage, reply.Text)
	assert.Equal(t, agent.ProcessingErrorFallback, reply.ProcessingType)
}

func TestAskAcceptsDegradedServerError(t *testing.T) {
	srv := &fakeServer{
		onStream: func(w http.ResponseWriter) { http.Error(w, "down", http.StatusBadGateway) },
		onSync: func(w http.ResponseWriter) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"response":        agent.ApologyMessage,
				"processing_type": "fallback",
			})
		},
	}

	reply := newConsumer(t, srv).Ask(context.Background(), Request{Message: "hi"}, nil)

	assert.Equal(t, agent.ApologyMessage, reply.Text)
	assert.Equal(t, agent.ProcessingFallback, reply.ProcessingType)
}

func TestAskValidationRejectionIsShown(t *testing.T) {
	srv := &fakeServer{
		onStream: func(w http.ResponseWriter) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":           "Please keep your question shorter (maximum 1000 characters).",
				"processing_type": "validation_error",
			})
		},
		onSync: syncOK,
	}

	reply := newConsumer(t, srv).Ask(context.Background(), Request{Message: strings.Repeat("a", 1001)}, nil)

	assert.Contains(t, reply.Text, "keep your question shorter")
	assert.Equal(t, agent.ProcessingValidationError, reply.ProcessingType)
	assert.Equal(t, int32(0), srv.syncCalls.Load())
}

func TestAskStreamWithoutTrailerKeepsText(t *testing.T) {
	srv := &fakeServer{
		onStream: func(w http.ResponseWriter) { _, _ = io.WriteString(w, "just text") },
		onSync:   syncOK,
	}

	reply := newConsumer(t, srv).Ask(context.Background(), Request{Message: "hi"}, nil)

	assert.Equal(t, "just text", reply.Text)
	assert.True(t, reply.Streamed)
	assert.Equal(t, int32(0), srv.syncCalls.Load())
}

func TestAskSendsCredentials(t *testing.T) {
	var auth, session string
	srv := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		session = r.Header.Get("X-Session-ID")
		_, _ = io.WriteString(w, "ok")
	})

	newConsumer(t, srv).Ask(context.Background(), Request{Message: "hi", SessionID: "s1"}, nil)

	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "s1", session)
}

func TestAskOnceSkipsStream(t *testing.T) {
	srv := &fakeServer{
		onStream: func(w http.ResponseWriter) { t.Error("stream endpoint must not be called") },
		onSync:   syncOK,
	}

	reply := newConsumer(t, srv).AskOnce(context.Background(), Request{Message: "hi"})

	require.NoError(t, reply.Err)
	assert.False(t, reply.Streamed)
	assert.Equal(t, "synchronous answer", reply.Text)
	assert.Equal(t, int32(0), srv.streamCalls.Load())
	assert.Equal(t, int32(1), srv.syncCalls.Load())
}
