package extract

import (
	"regexp"
	"strings"
)

var (
	// spaceRuns collapses runs of spaces and tabs to one space.
	spaceRuns = regexp.MustCompile(`[ \t]+`)

	// blankRuns caps consecutive blank lines at one.
	blankRuns = regexp.MustCompile(`\n{3,}`)
)

// Clean normalises whitespace in extracted text before chunking: runs of
// spaces/tabs become a single space and runs of blank lines are capped at
// one. Returns "" for all-whitespace input so the pipeline can short-circuit
// with a zero-chunk report.
func Clean(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = spaceRuns.ReplaceAllString(text, " ")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
