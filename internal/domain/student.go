package domain

import (
	"fmt"
	"strings"
	"time"
)

// StudentContext is the read-only profile slice injected into prompts.
type StudentContext struct {
	Name       string `json:"name,omitempty"`
	University string `json:"university,omitempty"`
	Course     string `json:"course,omitempty"`
	Year       string `json:"year,omitempty"`
}

// IsEmpty reports whether no field is set.
func (s *StudentContext) IsEmpty() bool {
	return s == nil || (s.Name == "" && s.University == "" && s.Course == "" && s.Year == "")
}

// PromptBlock renders the context for a system prompt. Empty contexts render "".
func (s *StudentContext) PromptBlock() string {
	if s.IsEmpty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("Student profile:\n")
	if s.Name != "" {
		fmt.Fprintf(&b, "- Name: %s\n", s.Name)
	}
	if s.University != "" {
		fmt.Fprintf(&b, "- University: %s\n", s.University)
	}
	if s.Course != "" {
		fmt.Fprintf(&b, "- Course: %s\n", s.Course)
	}
	if s.Year != "" {
		fmt.Fprintf(&b, "- Year: %s\n", s.Year)
	}
	return b.String()
}

// Profile is the stored student profile for a user.
type Profile struct {
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	University string    `json:"university"`
	Course     string    `json:"course"`
	Year       string    `json:"year"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StudentContext projects the profile into prompt context.
func (p *Profile) StudentContext() *StudentContext {
	if p == nil {
		return nil
	}
	return &StudentContext{
		Name:       p.Name,
		University: p.University,
		Course:     p.Course,
		Year:       p.Year,
	}
}
