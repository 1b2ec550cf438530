package vision

import (
	"regexp"
	"sort"
	"strings"
)

// PartialHints is what can be recovered heuristically from free-form
// analysis text when the model ignored the requested JSON shape.
type PartialHints struct {
	Formulas         []string
	KeyConcepts      []string
	StudySuggestions []string
	Subject          string
}

const maxHintItems = 10

var (
	displayMath  = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	bracketMath  = regexp.MustCompile(`(?s)\\\[(.+?)\\\]`)
	parenMath    = regexp.MustCompile(`(?s)\\\((.+?)\\\)`)
	inlineMath   = regexp.MustCompile(`\$([^$\n]+?)\$`)
	boldTerm     = regexp.MustCompile(`\*\*([^*\n]{2,60})\*\*`)
	subjectLine  = regexp.MustCompile(`(?im)^[\s*#>-]*subject[*\s]*:[*\s]*(.+)$`)
	bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	headingStrip = regexp.MustCompile(`^[\s#*>]+|[\s*:]+$`)
)

var subjectTerms = map[string][]string{
	"Mathematics":      {"integral", "derivative", "equation", "theorem", "matrix", "polynomial", "calculus", "algebra"},
	"Physics":          {"velocity", "acceleration", "force", "momentum", "energy", "quantum", "newton", "circuit"},
	"Chemistry":        {"molecule", "reaction", "atom", "compound", "bond", "acid", "mole"},
	"Biology":          {"cell", "dna", "protein", "organism", "enzyme", "species", "gene"},
	"Computer Science": {"algorithm", "function", "variable", "complexity", "code", "array", "recursion"},
	"Economics":        {"supply", "demand", "market", "inflation", "gdp", "elasticity"},
}

// ParseStructuredHints extracts formulas, key concepts, study suggestions and
// a subject from markdown-ish text. It is a best-effort heuristic and never
// fails; absent hints are left empty.
func ParseStructuredHints(text string) PartialHints {
	var hints PartialHints
	if strings.TrimSpace(text) == "" {
		return hints
	}

	hints.Formulas = extractFormulas(text)

	hints.KeyConcepts = sectionItems(text, "key concept", "concepts", "key terms")
	if len(hints.KeyConcepts) == 0 {
		hints.KeyConcepts = boldTerms(text)
	}
	hints.StudySuggestions = sectionItems(text, "study suggestion", "study tip", "suggestions", "how to study")

	if m := subjectLine.FindStringSubmatch(text); m != nil {
		hints.Subject = strings.Trim(strings.TrimSpace(m[1]), "*_.")
	} else {
		hints.Subject = guessSubject(text)
	}
	return hints
}

func extractFormulas(text string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(f string) {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] || len(out) >= maxHintItems {
			return
		}
		seen[f] = true
		out = append(out, f)
	}

	rest := text
	for _, re := range []*regexp.Regexp{displayMath, bracketMath, parenMath} {
		for _, m := range re.FindAllStringSubmatch(rest, -1) {
			add(m[1])
		}
		rest = re.ReplaceAllString(rest, " ")
	}
	for _, m := range inlineMath.FindAllStringSubmatch(rest, -1) {
		if looksLikeMath(m[1]) {
			add(m[1])
		}
	}
	return out
}

// looksLikeMath filters "$5 and $" currency spans out of inline matches.
func looksLikeMath(s string) bool {
	return strings.ContainsAny(s, `\^_=`)
}

func sectionItems(text string, headings ...string) []string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !isHeading(line, headings) {
			continue
		}
		var items []string
		for _, next := range lines[i+1:] {
			if strings.TrimSpace(next) == "" {
				if len(items) > 0 {
					break
				}
				continue
			}
			if !bulletPrefix.MatchString(next) {
				break
			}
			item := strings.TrimSpace(bulletPrefix.ReplaceAllString(next, ""))
			item = strings.Trim(item, "*_")
			if item != "" && len(items) < maxHintItems {
				items = append(items, item)
			}
		}
		if len(items) > 0 {
			return items
		}
	}
	return nil
}

func isHeading(line string, headings []string) bool {
	if bulletPrefix.MatchString(line) {
		return false
	}
	h := strings.ToLower(headingStrip.ReplaceAllString(line, ""))
	if h == "" || len(h) > 40 {
		return false
	}
	for _, want := range headings {
		if strings.HasPrefix(h, want) {
			return true
		}
	}
	return false
}

func boldTerms(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range boldTerm.FindAllStringSubmatch(text, -1) {
		term := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[1]), ":"))
		key := strings.ToLower(term)
		if term == "" || seen[key] || len(out) >= maxHintItems {
			continue
		}
		seen[key] = true
		out = append(out, term)
	}
	return out
}

func guessSubject(text string) string {
	lower := strings.ToLower(text)
	best, bestScore := "", 0
	subjects := make([]string, 0, len(subjectTerms))
	for s := range subjectTerms {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	for _, s := range subjects {
		score := 0
		for _, term := range subjectTerms[s] {
			score += strings.Count(lower, term)
		}
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}
