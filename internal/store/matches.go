package store

import (
	"sort"
	"strings"
)

// matchSpans locates the case-insensitive occurrences of every word in the
// search query within text, returning sorted, non-overlapping byte spans.
// The spans feed the highlighter, which handles markup safety itself.
func matchSpans(text, query string) []Span {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 || text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var spans []Span
	for _, token := range tokens {
		for start := 0; ; {
			idx := strings.Index(lower[start:], token)
			if idx < 0 {
				break
			}
			offset := start + idx
			spans = append(spans, Span{Offset: offset, Length: len(token)})
			start = offset + len(token)
		}
	}
	if len(spans) == 0 {
		return nil
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Offset != spans[j].Offset {
			return spans[i].Offset < spans[j].Offset
		}
		return spans[i].Length > spans[j].Length
	})

	// Drop spans overlapping an earlier one; the highlighter requires
	// disjoint input.
	merged := spans[:1]
	end := spans[0].Offset + spans[0].Length
	for _, span := range spans[1:] {
		if span.Offset < end {
			continue
		}
		merged = append(merged, span)
		end = span.Offset + span.Length
	}
	return merged
}
