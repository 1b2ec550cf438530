// Package stream relays routed agent output as a plain-text byte stream
// terminated by one JSON metadata line, and decodes that framing again.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/domain"
)

// Trailer is the metadata record written after the last text chunk.
type Trailer struct {
	Finish         bool                   `json:"finish"`
	ProcessingType agent.ProcessingType   `json:"processing_type"`
	Routing        agent.RoutingDecision  `json:"routing"`
	Timestamp      string                 `json:"timestamp"`
	StudentContext *domain.StudentContext `json:"student_context"`
	// Response repeats the streamed text when it fit the accumulation cap.
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewTrailer stamps a finished trailer with the current time.
func NewTrailer(pt agent.ProcessingType, routing agent.RoutingDecision, student *domain.StudentContext) Trailer {
	return Trailer{
		Finish:         true,
		ProcessingType: pt,
		Routing:        routing,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		StudentContext: student,
	}
}

// EncodeTrailer renders the trailer frame: a newline, the JSON object, a newline.
// The JSON never contains a raw newline, so the frame is a single line.
func EncodeTrailer(t Trailer) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode trailer: %w", err)
	}
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, '\n')
	frame = append(frame, data...)
	frame = append(frame, '\n')
	return frame, nil
}

// WriteTrailer writes the trailer frame to w.
func WriteTrailer(w io.Writer, t Trailer) error {
	frame, err := EncodeTrailer(t)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	return nil
}

// SplitTrailer separates a complete body into the streamed text and its
// trailer. ok is false when the body does not end with a finished trailer,
// in which case text is the whole body.
func SplitTrailer(body []byte) (text []byte, trailer Trailer, ok bool) {
	if len(body) == 0 || body[len(body)-1] != '\n' {
		return body, Trailer{}, false
	}
	line := body[:len(body)-1]
	i := bytes.LastIndex(line, []byte("\n{"))
	if i < 0 {
		return body, Trailer{}, false
	}
	if err := json.Unmarshal(line[i+1:], &trailer); err != nil || !trailer.Finish {
		return body, Trailer{}, false
	}
	return body[:i], trailer, true
}

// SafePrefix returns how many leading bytes of a partial body can be shown
// without risking a later retraction: it holds back a trailing newline or
// line that may be the start of the trailer, and an incomplete UTF-8 sequence.
// As the body grows the returned length never shrinks.
func SafePrefix(body []byte) int {
	cut := len(body)
	if i := bytes.LastIndexByte(body, '\n'); i >= 0 {
		rest := body[i+1:]
		switch {
		case len(rest) == 0:
			cut = i
			if j := bytes.LastIndexByte(body[:i], '\n'); j >= 0 && j+1 < i && body[j+1] == '{' {
				cut = j
			}
		case rest[0] == '{':
			cut = i
		}
	}

	start := cut - 1
	for start > 0 && start > cut-utf8.UTFMax && !utf8.RuneStart(body[start]) {
		start--
	}
	if start >= 0 && start < cut && utf8.RuneStart(body[start]) && !utf8.FullRune(body[start:cut]) {
		cut = start
	}
	return cut
}
