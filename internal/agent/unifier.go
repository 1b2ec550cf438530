package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/campuscompanion/companion/internal/gateway"
)

const (
	unifierTemperature = 0.3
	// unifierTokenFloor keeps short specialist replies from being cut off.
	unifierTokenFloor = 600
)

const unifierInstructions = `You are Campus Companion, a friendly assistant for university students.
Rewrite the specialist answer below in Campus Companion's voice: warm, clear and concise.
Preserve every fact, number, step, formula, date and link exactly. Do not add new information.
Keep markdown structure such as lists and headings. Reply with the rewritten answer only.`

// Unifier rewrites specialist output into the product voice. It is best
// effort: any failure yields the specialist content unchanged.
type Unifier struct {
	client  gateway.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewUnifier creates a unifier. timeout <= 0 leaves the deadline to the gateway.
func NewUnifier(client gateway.Client, model string, timeout time.Duration, logger *slog.Logger) *Unifier {
	if model == "" {
		model = ModelFast
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Unifier{client: client, model: model, timeout: timeout, logger: logger}
}

// Unify returns the rewritten text, or resp.Content byte for byte when the
// rewrite fails for any reason.
func (u *Unifier) Unify(ctx context.Context, resp AgentResponse, query, userName string) string {
	text, _ := u.TryUnify(ctx, resp, query, userName)
	return text
}

// TryUnify is Unify that also reports whether the rewrite was applied.
func (u *Unifier) TryUnify(ctx context.Context, resp AgentResponse, query, userName string) (string, bool) {
	if u == nil || u.client == nil || strings.TrimSpace(resp.Content) == "" {
		return resp.Content, false
	}
	text, err := u.rewrite(ctx, resp, query, userName)
	if err != nil {
		u.logger.Warn("Unifier failed, keeping specialist reply",
			"agent", resp.AgentUsed,
			"error", err,
		)
		return resp.Content, false
	}
	return text, true
}

func (u *Unifier) rewrite(ctx context.Context, resp AgentResponse, query, userName string) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("unifier panic: %v", p)
		}
	}()

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	var b strings.Builder
	if name := strings.TrimSpace(userName); name != "" {
		fmt.Fprintf(&b, "Student name: %s\n", name)
	}
	fmt.Fprintf(&b, "Student question:\n%s\n\n", query)
	fmt.Fprintf(&b, "Specialist (%s) answer:\n%s", resp.AgentUsed, resp.Content)

	maxTokens := len(resp.Content)/3 + 100
	if maxTokens < unifierTokenFloor {
		maxTokens = unifierTokenFloor
	}

	out, err := u.client.Complete(ctx, gateway.CompletionRequest{
		Model: u.model,
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: unifierInstructions},
			{Role: gateway.RoleUser, Content: b.String()},
		},
		MaxTokens:   maxTokens,
		Temperature: unifierTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("unify: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", gateway.ErrEmptyCompletion
	}
	return out, nil
}
