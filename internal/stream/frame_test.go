package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/domain"
)

func sampleTrailer() Trailer {
	return NewTrailer(agent.ProcessingStreaming, agent.RoutingDecision{
		SelectedAgent: agent.RoleTimeManager,
		Confidence:    0.7,
		Reason:        "keyword-based routing",
	}, &domain.StudentContext{Name: "Ada"})
}

func TestSplitTrailerRoundTrip(t *testing.T) {
	texts := []string{
		"",
		"plain answer",
		"ends with newline\n",
		"code:\n{\n  \"a\": 1\n}\nmore",
		"line\n{\"finish\":true}",
		"unicode é 😀",
	}
	for _, text := range texts {
		t.Run(text, func(t *testing.T) {
			var buf bytes.Buffer
			buf.WriteString(text)
			tr := sampleTrailer()
			tr.Response = text
			require.NoError(t, WriteTrailer(&buf, tr))

			gotText, gotTrailer, ok := SplitTrailer(buf.Bytes())
			require.True(t, ok)
			assert.Equal(t, text, string(gotText))
			assert.True(t, gotTrailer.Finish)
			assert.Equal(t, agent.RoleTimeManager, gotTrailer.Routing.SelectedAgent)
			assert.Equal(t, "Ada", gotTrailer.StudentContext.Name)
			assert.Equal(t, text, gotTrailer.Response)
		})
	}
}

func TestTrailerIsSingleLine(t *testing.T) {
	tr := sampleTrailer()
	tr.Response = "multi\nline\n{text}"
	frame, err := EncodeTrailer(tr)
	require.NoError(t, err)

	assert.Equal(t, 2, bytes.Count(frame, []byte("\n")))
	assert.True(t, bytes.HasPrefix(frame, []byte("\n{")))
	assert.True(t, bytes.HasSuffix(frame, []byte("}\n")))
}

func TestSplitTrailerRejectsIncompleteBodies(t *testing.T) {
	bodies := []string{
		"",
		"no trailer",
		"text\n{\"finish\":true",
		"text\n{\"finish\":false}\n",
		"text\n{not json}\n",
	}
	for _, body := range bodies {
		text, _, ok := SplitTrailer([]byte(body))
		assert.False(t, ok, body)
		assert.Equal(t, body, string(text))
	}
}

func TestSafePrefixIsMonotonicAndHidesTrailer(t *testing.T) {
	text := "Plan:\n{draft}\n- Mon é\n- Tue 😀"
	var buf bytes.Buffer
	buf.WriteString(text)
	require.NoError(t, WriteTrailer(&buf, sampleTrailer()))
	body := buf.Bytes()

	last := 0
	for n := 0; n <= len(body); n++ {
		got := SafePrefix(body[:n])
		assert.GreaterOrEqual(t, got, last, "prefix shrank at %d", n)
		last = got

		shown := string(body[:got])
		assert.True(t, strings.HasPrefix(text, shown), "shown %q is not a prefix of the text", shown)
	}
	assert.Equal(t, len(text), SafePrefix(body))
}

func TestSafePrefixHoldsIncompleteRune(t *testing.T) {
	b := []byte("é")
	assert.Equal(t, 0, SafePrefix(b[:1]))
	assert.Equal(t, 2, SafePrefix(b))
}
