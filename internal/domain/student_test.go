package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStudentContextPromptBlock(t *testing.T) {
	var nilCtx *StudentContext
	assert.Equal(t, "", nilCtx.PromptBlock())
	assert.Equal(t, "", (&StudentContext{}).PromptBlock())

	block := (&StudentContext{Name: "Ada", Course: "Computer Science"}).PromptBlock()
	assert.Contains(t, block, "- Name: Ada\n")
	assert.Contains(t, block, "- Course: Computer Science\n")
	assert.NotContains(t, block, "University")
}

func TestProfileStudentContext(t *testing.T) {
	p := &Profile{UserID: "u1", Name: "Ada", University: "UCL", Course: "CS", Year: "2"}
	sc := p.StudentContext()
	assert.Equal(t, &StudentContext{Name: "Ada", University: "UCL", Course: "CS", Year: "2"}, sc)

	var nilProfile *Profile
	assert.Nil(t, nilProfile.StudentContext())
}
