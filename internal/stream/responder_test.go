package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/domain"
	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/gateway/gatewaytest"
)

func keywordOrchestrator(client gateway.Client) *agent.Orchestrator {
	return agent.NewOrchestrator(client, agent.NewRouter(nil), nil, agent.OrchestratorConfig{Domain: agent.ChatDomain})
}

type flushCounter struct {
	buf     *bytes.Buffer
	flushes int
	// lens records the body length at each flush.
	lens []int
}

func (f *flushCounter) flush() {
	f.flushes++
	f.lens = append(f.lens, f.buf.Len())
}

func TestRelayMatchesSynchronousPath(t *testing.T) {
	chunks := []string{"Week 1", ": review\n", "{notes}", " é", "\ndone"}
	full := gatewaytest.Joined(chunks)

	fake := gatewaytest.New(gatewaytest.Reply{Text: full}).WithStreams(gatewaytest.StreamReply{Chunks: chunks})
	orch := keywordOrchestrator(fake)
	responder := NewResponder(orch, fake, nil)
	req := agent.Request{
		Message: "Help me build a study schedule for finals",
		Student: &domain.StudentContext{Name: "Ada"},
	}

	session, decision, err := responder.Open(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, agent.RoleTimeManager, decision.SelectedAgent)

	var body bytes.Buffer
	fc := &flushCounter{buf: &body}
	sum := session.Relay(&body, fc.flush)

	require.NoError(t, sum.Err)
	assert.Equal(t, len(chunks), sum.Chunks)
	assert.Equal(t, len(chunks)+1, fc.flushes)

	text, trailer, ok := SplitTrailer(body.Bytes())
	require.True(t, ok)
	assert.Equal(t, full, string(text))
	assert.Equal(t, full, trailer.Response)
	assert.Equal(t, agent.ProcessingStreaming, trailer.ProcessingType)
	assert.Equal(t, decision, trailer.Routing)
	assert.Equal(t, "Ada", trailer.StudentContext.Name)
	assert.NotEmpty(t, trailer.Timestamp)

	// each chunk is flushed as soon as it is written, in order
	wantLen := 0
	for i, c := range chunks {
		wantLen += len(c)
		assert.Equal(t, wantLen, fc.lens[i])
	}

	sync, err := orch.HandleRouted(context.Background(), req, decision)
	require.NoError(t, err)
	assert.Equal(t, sync.Response, string(text))
	assert.Equal(t, sync.Routing, trailer.Routing)
}

func TestRelayUnifiesFinishedReplyLikeSynchronousPath(t *testing.T) {
	chunks := []string{"Week 1: ", "review."}
	raw := gatewaytest.Joined(chunks)
	unified := "Here's a plan! Week 1: review."

	fake := gatewaytest.New(
		gatewaytest.Reply{Text: unified},
		gatewaytest.Reply{Text: raw},
		gatewaytest.Reply{Text: unified},
	).WithStreams(gatewaytest.StreamReply{Chunks: chunks})
	orch := agent.NewOrchestrator(fake, agent.NewRouter(nil), agent.NewUnifier(fake, "", 0, nil),
		agent.OrchestratorConfig{Domain: agent.ChatDomain})
	req := agent.Request{Message: "Help me build a study schedule for finals"}

	session, decision, err := NewResponder(orch, fake, nil).Open(context.Background(), req)
	require.NoError(t, err)
	var body bytes.Buffer
	sum := session.Relay(&body, nil)

	require.NoError(t, sum.Err)
	text, trailer, ok := SplitTrailer(body.Bytes())
	require.True(t, ok)
	assert.Equal(t, raw, string(text))
	assert.Equal(t, raw, sum.Text)
	assert.Equal(t, unified, sum.Final)
	assert.Equal(t, agent.ProcessingStreaming, trailer.ProcessingType)

	sync, err := orch.HandleRouted(context.Background(), req, decision)
	require.NoError(t, err)
	assert.Equal(t, agent.ProcessingUnified, sync.ProcessingType)
	assert.Equal(t, sync.Response, trailer.Response)
}

func TestRelayKeepsStreamedTextWhenUnifierFails(t *testing.T) {
	fake := gatewaytest.New(gatewaytest.Reply{Err: &gateway.UpstreamError{Status: 500}}).
		WithStreams(gatewaytest.StreamReply{Chunks: []string{"Week 1: ", "review."}})
	orch := agent.NewOrchestrator(fake, agent.NewRouter(nil), agent.NewUnifier(fake, "", 0, nil),
		agent.OrchestratorConfig{Domain: agent.ChatDomain})

	session, _, err := NewResponder(orch, fake, nil).Open(context.Background(), agent.Request{Message: "plan my week"})
	require.NoError(t, err)
	var body bytes.Buffer
	sum := session.Relay(&body, nil)

	_, trailer, ok := SplitTrailer(body.Bytes())
	require.True(t, ok)
	assert.Equal(t, "Week 1: review.", trailer.Response)
	assert.Equal(t, sum.Text, sum.Final)
}

func TestRelayMidStreamFailureEndsWithPartialTrailer(t *testing.T) {
	fake := gatewaytest.New().WithStreams(gatewaytest.StreamReply{
		Chunks: []string{"Step 1. ", "Step 2."},
		MidErr: &gateway.UpstreamError{Err: errors.New("connection reset")},
	})
	responder := NewResponder(keywordOrchestrator(fake), fake, nil)

	session, _, err := responder.Open(context.Background(), agent.Request{Message: "explain recursion"})
	require.NoError(t, err)

	var body bytes.Buffer
	sum := session.Relay(&body, nil)

	require.Error(t, sum.Err)
	assert.False(t, sum.Disconnected)
	text, trailer, ok := SplitTrailer(body.Bytes())
	require.True(t, ok)
	assert.Equal(t, "Step 1. Step 2.", string(text))
	assert.True(t, trailer.Finish)
	assert.Equal(t, agent.ProcessingStreamingPartial, trailer.ProcessingType)
	assert.Equal(t, "stream interrupted", trailer.Error)
}

func TestOpenFailureSignalsSyncPathAndKeepsDecision(t *testing.T) {
	fake := gatewaytest.New().WithStreams(gatewaytest.StreamReply{
		OpenErr: &gateway.UpstreamError{Status: 502, Body: "bad gateway"},
	})
	responder := NewResponder(keywordOrchestrator(fake), fake, nil)

	session, decision, err := responder.Open(context.Background(), agent.Request{Message: "I need a source for my essay"})

	assert.Nil(t, session)
	require.ErrorIs(t, err, ErrStreamUnavailable)
	var upstream *gateway.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 502, upstream.Status)
	assert.Equal(t, agent.RoleResearcher, decision.SelectedAgent)
	assert.Empty(t, fake.Calls)
}

func TestOpenWithoutClient(t *testing.T) {
	responder := NewResponder(keywordOrchestrator(nil), nil, nil)
	_, _, err := responder.Open(context.Background(), agent.Request{Message: "hi"})
	assert.ErrorIs(t, err, ErrStreamUnavailable)
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, io.ErrClosedPipe
	}
	w.after--
	return len(p), nil
}

type trackedStream struct {
	chunks []string
	closed bool
	reads  int
}

func (s *trackedStream) Next() (string, error) {
	s.reads++
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *trackedStream) Close() error {
	s.closed = true
	return nil
}

func TestRelayStopsWhenClientGoesAway(t *testing.T) {
	upstream := &trackedStream{chunks: []string{"a", "b", "c", "d"}}
	session := &Session{
		ctx:           context.Background(),
		upstream:      upstream,
		maxAccumulate: DefaultMaxAccumulate,
		logger:        slog.Default(),
	}

	sum := session.Relay(&failingWriter{after: 1}, nil)

	assert.True(t, sum.Disconnected)
	assert.Equal(t, 1, sum.Chunks)
	assert.Equal(t, 2, upstream.reads)
	assert.True(t, upstream.closed)
}

func TestRelayCancelledContextStopsWithoutTrailer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := gatewaytest.New().WithStreams(gatewaytest.StreamReply{Chunks: []string{"a", "b"}})
	responder := NewResponder(keywordOrchestrator(fake), fake, nil)

	session, _, err := responder.Open(ctx, agent.Request{Message: "hi"})
	require.NoError(t, err)
	cancel()

	var body bytes.Buffer
	sum := session.Relay(&body, nil)

	assert.True(t, sum.Disconnected)
	assert.Empty(t, body.String())
}

func TestRelayTruncatesTrailerResponse(t *testing.T) {
	fake := gatewaytest.New().WithStreams(gatewaytest.StreamReply{Chunks: []string{"12345", "67890"}})
	responder := NewResponder(keywordOrchestrator(fake), fake, nil)
	responder.maxAccumulate = 7

	session, _, err := responder.Open(context.Background(), agent.Request{Message: "hi"})
	require.NoError(t, err)

	var body bytes.Buffer
	sum := session.Relay(&body, nil)

	text, trailer, ok := SplitTrailer(body.Bytes())
	require.True(t, ok)
	assert.Equal(t, "1234567890", string(text))
	assert.Empty(t, trailer.Response)
	assert.Equal(t, "12345", sum.Text)
}
