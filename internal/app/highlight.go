package app

import (
	"strings"

	"github.com/choucavalier/zulip/internal/store"
)

const (
	highlightStart = `<span class="highlight">`
	highlightStop  = `</span>`
)

// highlightString wraps each matched span of text in highlight markers.
// matches must be sorted by offset and non-overlapping, with offsets in
// bytes of text.
//
// The walk tracks whether the scan position sits inside an HTML tag with a
// single inTag boolean toggled by '<' and '>'. If a match boundary lands
// inside a tag the span is emitted verbatim: wrapping text that straddles
// markup would corrupt it. Pure and total; malformed input degrades to
// unhighlighted output, never to unbalanced tags.
func highlightString(text string, matches []store.Span) string {
	var result strings.Builder
	pos := 0
	inTag := false

	for _, match := range matches {
		prefix := text[pos:match.Offset]
		span := text[match.Offset : match.Offset+match.Length]

		for _, character := range prefix + span {
			switch character {
			case '<':
				inTag = true
			case '>':
				inTag = false
			}
		}
		if inTag {
			result.WriteString(prefix)
			result.WriteString(span)
		} else {
			result.WriteString(prefix)
			result.WriteString(highlightStart)
			result.WriteString(span)
			result.WriteString(highlightStop)
		}
		pos = match.Offset + match.Length
	}

	result.WriteString(text[pos:])
	return result.String()
}

// searchFields builds the per-message highlight payload for search narrows.
func searchFields(renderedContent, escapedTopic string, contentMatches, topicMatches []store.Span) map[string]string {
	return map[string]string{
		"match_content": highlightString(renderedContent, contentMatches),
		"match_subject": highlightString(escapedTopic, topicMatches),
	}
}
