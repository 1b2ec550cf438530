package voice

import (
	"regexp"
	"strings"
)

var (
	codeBlock      = regexp.MustCompile("(?s)```.*?```")
	inlineCode     = regexp.MustCompile("`([^`]+)`")
	imageLink      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	link           = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	header         = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	boldAsterisk   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	boldUnderscore = regexp.MustCompile(`__([^_]+)__`)
	italicAsterisk = regexp.MustCompile(`\*([^*\n]+)\*`)
	strikethrough  = regexp.MustCompile(`~~([^~]+)~~`)
	bulletList     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	blockquote     = regexp.MustCompile(`(?m)^>\s*`)
	horizontalRule = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	tableDivider   = regexp.MustCompile(`(?m)^\|?[-:| ]+\|?\s*$`)
	arrow          = regexp.MustCompile(`\s*->\s*`)
	spaces         = regexp.MustCompile(`[ \t]+`)
	blankLines     = regexp.MustCompile(`\n{3,}`)
)

// prepareForSpeech strips markdown so the synthesizer reads words, not
// punctuation. Code blocks are replaced by a short spoken placeholder.
func prepareForSpeech(text string) string {
	text = codeBlock.ReplaceAllString(text, " (code omitted) ")
	text = inlineCode.ReplaceAllString(text, "$1")
	text = imageLink.ReplaceAllString(text, "$1")
	text = link.ReplaceAllString(text, "$1")
	text = header.ReplaceAllString(text, "")
	text = boldAsterisk.ReplaceAllString(text, "$1")
	text = boldUnderscore.ReplaceAllString(text, "$1")
	text = italicAsterisk.ReplaceAllString(text, "$1")
	text = strikethrough.ReplaceAllString(text, "$1")
	text = horizontalRule.ReplaceAllString(text, "")
	text = tableDivider.ReplaceAllString(text, "")
	text = bulletList.ReplaceAllString(text, "")
	text = blockquote.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "|", ", ")
	text = arrow.ReplaceAllString(text, " to ")
	text = spaces.ReplaceAllString(text, " ")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
