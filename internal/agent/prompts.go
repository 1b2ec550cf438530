package agent

import (
	"fmt"
	"strings"

	"github.com/campuscompanion/companion/internal/domain"
	"github.com/campuscompanion/companion/internal/gateway"
)

// Prompt is the resolved upstream call for one role.
type Prompt struct {
	Role         Role
	Query        string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// BuildPrompt resolves the model, parameters and system prompt for role.
// Roles outside d fail with ErrUnknownRole.
func BuildPrompt(d *Domain, role Role, query, context string, student *domain.StudentContext) (Prompt, error) {
	spec, ok := d.Spec(role)
	if !ok {
		return Prompt{}, fmt.Errorf("build prompt for %q in %s: %w", role, d.Name, ErrUnknownRole)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(spec.Profile.Instructions))
	b.WriteString("\n")
	if block := student.PromptBlock(); block != "" {
		b.WriteString("\n")
		b.WriteString(block)
	}
	if ctx := strings.TrimSpace(context); ctx != "" {
		b.WriteString("\nAdditional context from the student:\n")
		b.WriteString(ctx)
		b.WriteString("\n")
	}
	return Prompt{
		Role:         role,
		Query:        query,
		Model:        spec.Profile.Model,
		SystemPrompt: b.String(),
		MaxTokens:    spec.Profile.MaxTokens,
		Temperature:  spec.Profile.Temperature,
	}, nil
}

// Request builds the completion request: system prompt, history, then the query.
func (p Prompt) Request(history []Turn) gateway.CompletionRequest {
	msgs := make([]gateway.Message, 0, len(history)+2)
	msgs = append(msgs, gateway.Message{Role: gateway.RoleSystem, Content: p.SystemPrompt})
	for _, t := range history {
		msgs = append(msgs, gateway.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, gateway.Message{Role: gateway.RoleUser, Content: p.Query})
	return gateway.CompletionRequest{
		Model:       p.Model,
		Messages:    msgs,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
}
