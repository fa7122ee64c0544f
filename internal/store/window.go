package store

import "github.com/choucavalier/zulip/internal/narrow"

// LargerThanMaxMessageID is the sentinel anchor meaning "newest". Any
// client-supplied anchor at or above it is clamped to it, so anchors past
// the end of the id space behave exactly like the "newest" token.
const LargerThanMaxMessageID = int64(10_000_000_000_000_000)

// Span is a byte range within a rendered text, used to drive search
// highlighting.
type Span struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// MessageRow is one row of a fetched window. Flags is the packed
// user_messages value when the query joined personal state (HasUserMessage
// true); the search fields are populated only for search narrows.
type MessageRow struct {
	ID             int64
	Flags          int64
	HasUserMessage bool

	EscapedTopic    string
	RenderedContent string
	ContentMatches  []Span
	TopicMatches    []Span
}

// WindowQuery describes one windowed fetch against the message store.
// Exactly one of MessageIDs or the anchor fields is in effect; the caller
// (the fetch orchestrator) has already validated the combination.
type WindowQuery struct {
	RealmID   int64
	UserID    int64 // 0 for spectator queries
	Spectator bool
	// IncludeHistory selects the public-history access path: rows come from
	// accessible channel history rather than from the user's own received
	// messages, and personal flags are fetched separately in bulk.
	IncludeHistory bool

	Narrow []narrow.Term
	// WithMatchData forces the topic and rendered-content columns into the
	// result rows even when the narrow has no search term, so callers can
	// build match fields for non-search narrows.
	WithMatchData bool

	Anchor        int64
	IncludeAnchor bool
	NumBefore     int
	NumAfter      int

	MessageIDs []int64

	FirstVisibleID int64
}

// WindowResult is the outcome of a windowed fetch, rows ordered by id.
type WindowResult struct {
	Rows           []MessageRow
	FoundAnchor    bool
	FoundOldest    bool
	FoundNewest    bool
	HistoryLimited bool
}

// postProcessWindow turns raw fetched rows into a WindowResult. rows must
// be ordered by id ascending, with at most numBefore rows below the anchor
// and numAfter above it (the SQL layer applies those limits); an edge is
// "found" exactly when the store returned fewer rows than the window asked
// for on that side.
//
// anchoredLeft/anchoredRight mark windows pinned to an end of the id space;
// an anchored end is always found. The firstVisibleID threshold is applied
// here rather than in SQL so that history_limited can distinguish "no more
// rows" from "rows hidden by the realm's history limit".
func postProcessWindow(rows []MessageRow, numBefore, numAfter int, anchor int64, includeAnchor, anchoredLeft, anchoredRight bool, firstVisibleID int64) WindowResult {
	visible := rows
	if firstVisibleID > 0 {
		visible = make([]MessageRow, 0, len(rows))
		for _, row := range rows {
			if row.ID >= firstVisibleID {
				visible = append(visible, row)
			}
		}
	}
	rowsLimited := len(visible) != len(rows)

	if anchoredRight {
		// Everything fetched sits below the sentinel; the whole window is
		// "before" rows and the newest edge is found by definition.
		before := visible
		foundOldest := anchoredLeft || len(before) < numBefore
		if len(before) > numBefore {
			before = before[len(before)-numBefore:]
		}
		return WindowResult{
			Rows:           before,
			FoundAnchor:    false,
			FoundOldest:    foundOldest,
			FoundNewest:    true,
			HistoryLimited: rowsLimited && foundOldest,
		}
	}

	var before, anchorRows, after []MessageRow
	for _, row := range visible {
		switch {
		case row.ID < anchor:
			before = append(before, row)
		case row.ID == anchor:
			anchorRows = append(anchorRows, row)
		default:
			after = append(after, row)
		}
	}

	foundAnchor := includeAnchor && len(anchorRows) == 1
	foundOldest := anchoredLeft || len(before) < numBefore
	foundNewest := anchoredRight || len(after) < numAfter

	if len(before) > numBefore {
		before = before[len(before)-numBefore:]
	}
	if len(after) > numAfter {
		after = after[:numAfter]
	}
	if !includeAnchor {
		anchorRows = nil
	}

	out := make([]MessageRow, 0, len(before)+len(anchorRows)+len(after))
	out = append(out, before...)
	out = append(out, anchorRows...)
	out = append(out, after...)

	return WindowResult{
		Rows:           out,
		FoundAnchor:    foundAnchor,
		FoundOldest:    foundOldest,
		FoundNewest:    foundNewest,
		HistoryLimited: rowsLimited && foundOldest,
	}
}
