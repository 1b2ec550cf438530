package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/metrics"
)

// DefaultMaxAccumulate caps how much streamed text is repeated in the trailer.
const DefaultMaxAccumulate = 256 << 10

// ErrStreamUnavailable means the upstream stream could not be opened and the
// caller must answer through the synchronous path.
var ErrStreamUnavailable = errors.New("stream unavailable")

// Responder opens routed agent streams.
type Responder struct {
	processor     agent.Processor
	client        gateway.Client
	maxAccumulate int
	logger        *slog.Logger
}

// NewResponder creates a responder.
func NewResponder(processor agent.Processor, client gateway.Client, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		processor:     processor,
		client:        client,
		maxAccumulate: DefaultMaxAccumulate,
		logger:        logger,
	}
}

// Open routes the request and opens the upstream stream for the chosen role.
// The decision is returned even on failure so that the synchronous fallback
// reuses it. Failures wrap ErrStreamUnavailable and nothing has been written.
func (r *Responder) Open(ctx context.Context, req agent.Request) (*Session, agent.RoutingDecision, error) {
	decision := r.processor.Route(ctx, req)

	call, err := r.processor.PromptFor(req, decision)
	if err != nil {
		return nil, decision, fmt.Errorf("%w: %w", ErrStreamUnavailable, err)
	}
	upstream, err := r.openStream(ctx, call)
	if err != nil {
		return nil, decision, fmt.Errorf("%w: %w", ErrStreamUnavailable, err)
	}
	return &Session{
		ctx:           ctx,
		processor:     r.processor,
		upstream:      upstream,
		req:           req,
		decision:      decision,
		maxAccumulate: r.maxAccumulate,
		logger:        r.logger,
	}, decision, nil
}

func (r *Responder) openStream(ctx context.Context, call gateway.CompletionRequest) (s gateway.Stream, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("open stream panic: %v", p)
		}
	}()
	if r.client == nil {
		return nil, errors.New("no model client configured")
	}
	return r.client.CompleteStream(ctx, call)
}

// Session is one open upstream stream.
type Session struct {
	ctx           context.Context
	processor     agent.Processor
	upstream      gateway.Stream
	req           agent.Request
	decision      agent.RoutingDecision
	maxAccumulate int
	logger        *slog.Logger
}

// Summary describes a finished relay.
type Summary struct {
	// Text is the relayed text, possibly truncated to the accumulation cap.
	Text string
	// Final is the reply the client ends up showing: the unified rewrite of
	// Text when one was applied, Text otherwise.
	Final   string
	Chunks  int
	Trailer Trailer
	// Err is the mid-stream upstream failure, if any.
	Err error
	// Disconnected is set when the client went away and no trailer was sent.
	Disconnected bool
}

// Relay writes every chunk to w in upstream order, calling flush after each,
// then writes the trailer as the last bytes. A complete reply is passed through
// the unifier and the rewrite is sent as the trailer's response, which
// replaces the streamed text on the client. A mid-stream upstream failure
// still ends with a trailer tagged partial. If the client disconnects,
// relaying stops and the upstream stream is released.
func (s *Session) Relay(w io.Writer, flush func()) Summary {
	defer func() {
		if err := s.upstream.Close(); err != nil {
			s.logger.Debug("Close upstream stream", "error", err)
		}
	}()
	if flush == nil {
		flush = func() {}
	}

	var (
		acc       strings.Builder
		truncated bool
		sum       Summary
	)
	for {
		chunk, err := s.upstream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if s.ctx.Err() != nil {
				sum.Disconnected = true
				sum.Text = acc.String()
				s.logger.Info("Stream client disconnected", "chunks", sum.Chunks)
				return sum
			}
			sum.Err = err
			s.logger.Warn("Upstream stream failed mid-way",
				"agent", s.decision.SelectedAgent,
				"chunks", sum.Chunks,
				"error", err,
			)
			metrics.Fallbacks.WithLabelValues(agent.PipelineChat, "stream").Inc()
			break
		}
		if chunk == "" {
			continue
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			sum.Disconnected = true
			sum.Text = acc.String()
			s.logger.Info("Stream client write failed", "error", err, "chunks", sum.Chunks)
			return sum
		}
		flush()
		sum.Chunks++
		metrics.StreamChunks.Inc()

		if !truncated {
			if acc.Len()+len(chunk) > s.maxAccumulate {
				truncated = true
			} else {
				acc.WriteString(chunk)
			}
		}
	}

	pt := agent.ProcessingStreaming
	if sum.Err != nil {
		pt = agent.ProcessingStreamingPartial
	}
	sum.Text = acc.String()
	sum.Final = sum.Text
	trailer := NewTrailer(pt, s.decision, s.req.Student)
	if !truncated {
		trailer.Response = sum.Text
		if sum.Err == nil && s.processor != nil {
			if unified, ok := s.processor.Unify(s.ctx, s.req, s.decision, sum.Text); ok {
				trailer.Response = unified
				sum.Final = unified
			}
		}
	}
	if sum.Err != nil {
		trailer.Error = "stream interrupted"
	}
	if err := WriteTrailer(w, trailer); err != nil {
		sum.Disconnected = true
		s.logger.Info("Stream trailer not delivered", "error", err)
	} else {
		flush()
	}
	sum.Trailer = trailer
	return sum
}

// Decision returns the routing decision the stream was opened with.
func (s *Session) Decision() agent.RoutingDecision {
	return s.decision
}
