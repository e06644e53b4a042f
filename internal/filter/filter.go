// Package filter implements the output filter (spec §4.3): a pure
// text -> text transform pipeline that cleans a raw generation before
// it reaches the guardrail filter and the caller.
package filter

import (
	"regexp"
	"strings"
)

var (
	thinkTagRe       = regexp.MustCompile(`(?is)<think>.*?</think>`)
	orphanTagRe      = regexp.MustCompile(`(?i)</?think>`)
	multiBlankRe     = regexp.MustCompile(`\n{3,}`)
	multiSpaceRe     = regexp.MustCompile(`[ \t]{2,}`)
	sentenceSplitRe  = regexp.MustCompile(`(?s)([.!?])\s+`)
	paragraphStartRe = regexp.MustCompile(`(?s)([.!?])\s+([A-Z])`)
	numberedListRe   = regexp.MustCompile(`(\d+\.)\s+`)
	bulletMarkerRe   = regexp.MustCompile(`([•\-*])\s+`)
)

// Filter runs the full six-step cleanup pipeline: strip <think> blocks,
// strip orphan tags, dedupe consecutive sentences, normalize paragraph
// breaks, collapse whitespace, then trim. It is idempotent (invariant
// I7): Filter(Filter(x)) == Filter(x).
func Filter(text string) string {
	text = stripThinkingTags(text)
	text = dedupeConsecutiveSentences(text)
	text = formatParagraphs(text)
	text = cleanWhitespace(text)
	return text
}

// stripThinkingTags removes complete <think>...</think> blocks and any
// orphan opening/closing tag left over from a truncated generation.
func stripThinkingTags(text string) string {
	text = thinkTagRe.ReplaceAllString(text, "")
	text = orphanTagRe.ReplaceAllString(text, "")
	return text
}

// dedupeConsecutiveSentences removes a sentence that is an exact repeat
// of the one immediately before it, a failure mode seen in looping
// generations.
func dedupeConsecutiveSentences(text string) string {
	parts := splitSentences(text)
	if len(parts) < 2 {
		return text
	}

	var out []string
	var prev string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" && trimmed == prev {
			continue
		}
		out = append(out, p)
		if trimmed != "" {
			prev = trimmed
		}
	}
	return strings.Join(out, "")
}

func splitSentences(text string) []string {
	var parts []string
	last := 0
	matches := sentenceSplitRe.FindAllStringIndex(text, -1)
	for _, m := range matches {
		parts = append(parts, text[last:m[1]])
		last = m[1]
	}
	if last < len(text) {
		parts = append(parts, text[last:])
	}
	return parts
}

// formatParagraphs inserts paragraph breaks the raw generation doesn't
// already have: before a capital-letter sentence start, before a
// numbered list item ("1."), and before a bullet marker (-, *, •).
func formatParagraphs(text string) string {
	text = paragraphStartRe.ReplaceAllString(text, "$1\n\n$2")
	text = numberedListRe.ReplaceAllString(text, "\n$1 ")
	text = bulletMarkerRe.ReplaceAllString(text, "\n$1 ")
	return text
}

// cleanWhitespace collapses runs of spaces/tabs, collapses runs of 3+
// newlines down to a single paragraph break, and trims leading and
// trailing whitespace.
func cleanWhitespace(text string) string {
	text = multiSpaceRe.ReplaceAllString(text, " ")
	text = multiBlankRe.ReplaceAllString(text, "\n\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// TruncateIfNeeded enforces spec §4.3's 80%-of-maxLen rule: if text
// exceeds maxLen, it is cut at the last sentence boundary at or before
// maxLen; if that boundary falls below 80% of maxLen (too short a
// result), it instead hard-truncates at maxLen and appends an ellipsis.
func TruncateIfNeeded(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}

	window := text[:maxLen]
	boundary := lastSentenceBoundary(window)

	if boundary >= 0 && float64(boundary) >= 0.8*float64(maxLen) {
		return strings.TrimSpace(text[:boundary])
	}

	cut := maxLen
	if cut > 3 {
		cut -= 3
	}
	return strings.TrimSpace(text[:cut]) + "..."
}

func lastSentenceBoundary(window string) int {
	best := -1
	for _, m := range sentenceSplitRe.FindAllStringIndex(window, -1) {
		best = m[1]
	}
	return best
}
