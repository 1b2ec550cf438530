// Package gatewaytest provides a scripted gateway.Client for tests.
package gatewaytest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/campuscompanion/companion/internal/gateway"
)

// Reply is one scripted answer. Err wins over Text.
type Reply struct {
	Text string
	Err  error
	// Panic makes the call panic with this value.
	Panic any
}

// StreamReply is one scripted stream. OpenErr fails the open; MidErr is
// returned after all Chunks have been read.
type StreamReply struct {
	Chunks  []string
	OpenErr error
	MidErr  error
}

// Fake replays replies in order and records every request.
type Fake struct {
	mu      sync.Mutex
	replies []Reply
	streams []StreamReply
	// Handler, when set, answers Complete calls the script does not cover.
	Handler func(req gateway.CompletionRequest) (string, error)

	Calls       []gateway.CompletionRequest
	StreamCalls []gateway.CompletionRequest
}

var _ gateway.Client = (*Fake)(nil)

// New creates a fake with scripted sync replies.
func New(replies ...Reply) *Fake {
	return &Fake{replies: replies}
}

// WithStreams appends scripted stream replies.
func (f *Fake) WithStreams(streams ...StreamReply) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, streams...)
	return f
}

// Complete implements gateway.Client.
func (f *Fake) Complete(ctx context.Context, req gateway.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, req)
	var (
		reply  Reply
		script bool
	)
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
		script = true
	}
	handler := f.Handler
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !script {
		if handler != nil {
			return handler(req)
		}
		return "", &gateway.UpstreamError{Status: 503, Body: "no scripted reply"}
	}
	if reply.Panic != nil {
		panic(reply.Panic)
	}
	return reply.Text, reply.Err
}

// CompleteStream implements gateway.Client.
func (f *Fake) CompleteStream(ctx context.Context, req gateway.CompletionRequest) (gateway.Stream, error) {
	f.mu.Lock()
	f.StreamCalls = append(f.StreamCalls, req)
	var reply StreamReply
	if len(f.streams) > 0 {
		reply, f.streams = f.streams[0], f.streams[1:]
	} else {
		reply = StreamReply{OpenErr: &gateway.UpstreamError{Status: 503, Body: "no scripted stream"}}
	}
	f.mu.Unlock()

	if reply.OpenErr != nil {
		return nil, reply.OpenErr
	}
	return &stream{ctx: ctx, chunks: reply.Chunks, midErr: reply.MidErr}, nil
}

// CallCount returns sync plus stream calls.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls) + len(f.StreamCalls)
}

// Requests returns a copy of the recorded sync calls. Use it when the fake is
// called from another goroutine.
func (f *Fake) Requests() []gateway.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.CompletionRequest(nil), f.Calls...)
}

// SystemPrompts returns the system message of every recorded sync call.
func (f *Fake) SystemPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Calls))
	for _, call := range f.Calls {
		for _, m := range call.Messages {
			if m.Role == gateway.RoleSystem {
				out = append(out, m.Content)
				break
			}
		}
	}
	return out
}

type stream struct {
	ctx    context.Context
	chunks []string
	midErr error
	closed bool
}

func (s *stream) Next() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.chunks) > 0 {
		var c string
		c, s.chunks = s.chunks[0], s.chunks[1:]
		return c, nil
	}
	if s.midErr != nil {
		return "", s.midErr
	}
	return "", io.EOF
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

// Joined concatenates chunks the way a relay would.
func Joined(chunks []string) string {
	return strings.Join(chunks, "")
}
