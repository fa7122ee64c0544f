package app

import (
	"errors"
	"strconv"
	"strings"

	"github.com/choucavalier/zulip/internal/narrow"
	"github.com/choucavalier/zulip/internal/store"
)

// WindowSpec is a resolved anchor-based pagination request.
type WindowSpec struct {
	Anchor         int64
	UseFirstUnread bool
	NumBefore      int
	NumAfter       int
	IncludeAnchor  bool
}

// FetchSelector is the tagged variant behind every fetch: either an anchor
// window or an explicit id list, decided once at the request boundary.
// When ExplicitIDs is non-nil the window fields are meaningless and the
// anchor stays unresolved.
type FetchSelector struct {
	ExplicitIDs []int64
	Window      WindowSpec
}

// GetMessagesRequest carries the raw, already-decoded request parameters.
// AnchorSet distinguishes "anchor absent" from any supplied value.
type GetMessagesRequest struct {
	Anchor              string
	AnchorSet           bool
	NumBefore           int
	NumAfter            int
	IncludeAnchor       bool
	UseFirstUnread      bool
	MessageIDs          []int64
	MessageIDsSet       bool
	Narrow              []narrow.Term
	ApplyMarkdown       bool
	ClientGravatar      bool
	AllowEmptyTopicName bool
}

// newFetchSelector validates the pagination parameter combination and
// resolves the anchor token. Every failure here happens before any store
// access.
func newFetchSelector(req GetMessagesRequest, maxMessages int) (FetchSelector, error) {
	if req.MessageIDsSet {
		if req.NumBefore > 0 || req.NumAfter > 0 || req.AnchorSet || req.UseFirstUnread {
			return FetchSelector{}, errIncompatibleParameters(
				"num_before", "num_after", "anchor", "message_ids", "include_anchor", "use_first_unread_anchor")
		}
		if len(req.MessageIDs) > maxMessages {
			return FetchSelector{}, errTooManyMessages(maxMessages)
		}
		ids := req.MessageIDs
		if ids == nil {
			ids = []int64{}
		}
		return FetchSelector{ExplicitIDs: ids}, nil
	}

	// Compare each side against the remaining budget instead of summing;
	// the sum of two large counts wraps around.
	budget := maxMessages
	if req.IncludeAnchor {
		budget--
	}
	if req.NumBefore > budget || req.NumAfter > budget-req.NumBefore {
		return FetchSelector{}, errTooManyMessages(maxMessages)
	}
	if req.NumBefore > 0 && req.NumAfter > 0 && !req.IncludeAnchor {
		return FetchSelector{}, errInvalidRange()
	}

	anchor, useFirstUnread, err := parseAnchor(req.Anchor, req.AnchorSet, req.UseFirstUnread)
	if err != nil {
		return FetchSelector{}, err
	}
	return FetchSelector{Window: WindowSpec{
		Anchor:         anchor,
		UseFirstUnread: useFirstUnread,
		NumBefore:      req.NumBefore,
		NumAfter:       req.NumAfter,
		IncludeAnchor:  req.IncludeAnchor,
	}}, nil
}

// parseAnchor turns the anchor token into a concrete position. Anchors
// outside the valid id range are clamped: negatives to 0 ("oldest") and
// anything at or above the sentinel to the sentinel ("newest"), so clients
// can page past either end without tripping errors.
func parseAnchor(value string, anchorSet, useFirstUnread bool) (int64, bool, error) {
	if useFirstUnread {
		return 0, true, nil
	}
	if !anchorSet {
		return 0, false, errMissingAnchor()
	}
	switch value {
	case "newest":
		return store.LargerThanMaxMessageID, false, nil
	case "oldest":
		return 0, false, nil
	case "first_unread":
		return 0, true, nil
	}
	anchor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// Numerals too large for int64 are still valid anchors; they clamp
		// like any other out-of-range value.
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && numErr.Err == strconv.ErrRange {
			if strings.HasPrefix(strings.TrimSpace(value), "-") {
				return 0, false, nil
			}
			return store.LargerThanMaxMessageID, false, nil
		}
		return 0, false, errInvalidAnchor()
	}
	if anchor < 0 {
		return 0, false, nil
	}
	if anchor > store.LargerThanMaxMessageID {
		return store.LargerThanMaxMessageID, false, nil
	}
	return anchor, false, nil
}
