package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/gateway/gatewaytest"
)

// pngPayload is enough of a PNG for content sniffing.
var pngPayload = base64.StdEncoding.EncodeToString(append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...))

func newTestService(fake *gatewaytest.Fake, unify bool) *Service {
	var unifier *agent.Unifier
	if unify {
		unifier = agent.NewUnifier(fake, "", 0, slog.Default())
	}
	return NewService(fake, agent.NewRouter(nil), unifier, 1<<20, slog.Default())
}

func TestAnalyzeNoFormulasIsNotAnError(t *testing.T) {
	fake := gatewaytest.New(gatewaytest.Reply{
		Text: `{"analysis":"A photo of lecture notes about the French Revolution.","text":"1789","formulas":[],"key_concepts":["Estates-General"],"study_suggestions":[],"subject":"History"}`,
	})
	svc := newTestService(fake, false)

	res, err := svc.Analyze(context.Background(), Request{
		Image:           "data:image/png;base64," + pngPayload,
		ExtractFormulas: true,
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.ExtractedData.Formulas)
	assert.Equal(t, []string{"Estates-General"}, res.ExtractedData.KeyConcepts)
	assert.Equal(t, []string{}, res.ExtractedData.StudySuggestions)
	assert.Equal(t, "History", res.ExtractedData.Subject)
	assert.Equal(t, agent.ProcessingVision, res.ProcessingType)
	assert.True(t, agent.VisionDomain.Has(res.Routing.SelectedAgent))
	assert.Equal(t, 1, fake.CallCount())
}

func TestAnalyzeRequestedTypeSkipsRoutingAndAttachesImage(t *testing.T) {
	fake := gatewaytest.New(
		gatewaytest.Reply{Text: `{"analysis":"The integral evaluates to 1/3.","formulas":["\\int_0^1 x^2 dx"],"subject":"Mathematics"}`},
		gatewaytest.Reply{Text: "Nice work! The integral evaluates to 1/3."},
	)
	svc := newTestService(fake, true)

	res, err := svc.Analyze(context.Background(), Request{
		Image:           pngPayload,
		AnalysisType:    "math",
		ExtractFormulas: true,
		DetailLevel:     "high",
		UserName:        "Ada",
	})

	require.NoError(t, err)
	assert.Equal(t, agent.RoleFormulaExtractor, res.Routing.SelectedAgent)
	assert.Equal(t, 1.0, res.Routing.Confidence)
	assert.Equal(t, "Nice work! The integral evaluates to 1/3.", res.Analysis)
	assert.Equal(t, "The integral evaluates to 1/3.", res.RawAnalysis)
	assert.Equal(t, []string{`\int_0^1 x^2 dx`}, res.ExtractedData.Formulas)
	assert.Equal(t, agent.VisionDomain.Profile(agent.RoleFormulaExtractor).Model, res.ModelUsed)

	require.Len(t, fake.Calls, 2)
	call := fake.Calls[0]
	assert.True(t, call.JSONMode)
	require.Len(t, call.Messages, 2)
	require.Len(t, call.Messages[1].Images, 1)
	assert.True(t, strings.HasPrefix(call.Messages[1].Images[0].URL, "data:image/png;base64,"))
	assert.Equal(t, "high", call.Messages[1].Images[0].Detail)
}

func TestAnalyzeFreeTextReplyUsesHeuristics(t *testing.T) {
	fake := gatewaytest.New(gatewaytest.Reply{
		Text: "This diagram shows Ohm's law $V = IR$.\n\nKey concepts:\n- Resistance\n- Current\n",
	})
	svc := newTestService(fake, false)

	res, err := svc.Analyze(context.Background(), Request{Image: pngPayload, AnalysisType: "diagram"})

	require.NoError(t, err)
	assert.Equal(t, agent.RoleTechnicalAnalyzer, res.Routing.SelectedAgent)
	assert.Contains(t, res.Analysis, "Ohm's law")
	assert.Equal(t, []string{"Resistance", "Current"}, res.ExtractedData.KeyConcepts)
	assert.Nil(t, res.ExtractedData.Formulas, "formulas are only returned when requested")
}

func TestAnalyzeUpstreamFailureIsWellFormed(t *testing.T) {
	fake := gatewaytest.New(gatewaytest.Reply{Err: &gateway.UpstreamError{Status: 500}})
	svc := newTestService(fake, true)

	res, err := svc.Analyze(context.Background(), Request{Image: pngPayload})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Analysis)
	assert.Equal(t, agent.ProcessingFallback, res.ProcessingType)
	assert.True(t, agent.VisionDomain.Has(res.Routing.SelectedAgent))
	assert.Equal(t, 1, fake.CallCount())
}

func TestAnalyzeRejectsBadImagesBeforeCalling(t *testing.T) {
	tests := []struct {
		name  string
		image string
	}{
		{name: "empty", image: ""},
		{name: "not base64", image: "%%%"},
		{name: "not an image", image: base64.StdEncoding.EncodeToString([]byte("just some text"))},
		{name: "too large", image: base64.StdEncoding.EncodeToString(make([]byte, 2<<20))},
		{name: "malformed data url", image: "data:image/png;base64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := gatewaytest.New()
			svc := newTestService(fake, false)

			res, err := svc.Analyze(context.Background(), Request{Image: tt.image})

			require.Error(t, err)
			var verr *agent.ValidationError
			assert.True(t, errors.As(err, &verr))
			assert.Equal(t, "image", verr.Field)
			assert.Equal(t, agent.ProcessingValidationError, res.ProcessingType)
			assert.Zero(t, fake.CallCount())
		})
	}
}
