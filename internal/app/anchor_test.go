package app

import (
	"math"
	"testing"

	"github.com/choucavalier/zulip/internal/store"
)

const testMaxMessages = 5000

func TestNewFetchSelectorWindow(t *testing.T) {
	sel, err := newFetchSelector(GetMessagesRequest{
		Anchor:        "42",
		AnchorSet:     true,
		NumBefore:     10,
		NumAfter:      0,
		IncludeAnchor: true,
	}, testMaxMessages)
	if err != nil {
		t.Fatalf("newFetchSelector error = %v", err)
	}
	if sel.ExplicitIDs != nil {
		t.Fatalf("expected window selector")
	}
	w := sel.Window
	if w.Anchor != 42 || w.NumBefore != 10 || w.NumAfter != 0 || !w.IncludeAnchor || w.UseFirstUnread {
		t.Fatalf("unexpected window: %+v", w)
	}
}

func TestNewFetchSelectorMessageIDs(t *testing.T) {
	sel, err := newFetchSelector(GetMessagesRequest{
		MessageIDs:    []int64{3, 1, 2},
		MessageIDsSet: true,
	}, testMaxMessages)
	if err != nil {
		t.Fatalf("newFetchSelector error = %v", err)
	}
	if sel.ExplicitIDs == nil {
		t.Fatalf("expected explicit id selector")
	}
}

func TestNewFetchSelectorEmptyMessageIDs(t *testing.T) {
	sel, err := newFetchSelector(GetMessagesRequest{MessageIDsSet: true}, testMaxMessages)
	if err != nil {
		t.Fatalf("newFetchSelector error = %v", err)
	}
	if sel.ExplicitIDs == nil || len(sel.ExplicitIDs) != 0 {
		t.Fatalf("empty id list must stay an explicit selector: %+v", sel)
	}
}

func TestNewFetchSelectorIncompatibleParameters(t *testing.T) {
	cases := []GetMessagesRequest{
		{MessageIDsSet: true, NumBefore: 1},
		{MessageIDsSet: true, NumAfter: 2},
		{MessageIDsSet: true, Anchor: "5", AnchorSet: true},
		{MessageIDsSet: true, UseFirstUnread: true},
	}
	for _, req := range cases {
		_, err := newFetchSelector(req, testMaxMessages)
		domainErr, ok := err.(*DomainError)
		if !ok || domainErr.Code != "INCOMPATIBLE_PARAMETERS" {
			t.Errorf("req %+v: expected INCOMPATIBLE_PARAMETERS, got %v", req, err)
		}
	}
}

func TestNewFetchSelectorTooManyMessages(t *testing.T) {
	_, err := newFetchSelector(GetMessagesRequest{
		Anchor:    "1",
		AnchorSet: true,
		NumBefore: testMaxMessages,
		NumAfter:  0,
		// include_anchor tips the total just over the limit
		IncludeAnchor: true,
	}, testMaxMessages)
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "TOO_MANY_MESSAGES" {
		t.Fatalf("expected TOO_MANY_MESSAGES, got %v", err)
	}

	ids := make([]int64, testMaxMessages+1)
	_, err = newFetchSelector(GetMessagesRequest{MessageIDs: ids, MessageIDsSet: true}, testMaxMessages)
	domainErr, ok = err.(*DomainError)
	if !ok || domainErr.Code != "TOO_MANY_MESSAGES" {
		t.Fatalf("expected TOO_MANY_MESSAGES for id list, got %v", err)
	}
}

func TestNewFetchSelectorCountOverflow(t *testing.T) {
	// Counts large enough that their sum wraps around must still be
	// rejected, not slip through as a negative total.
	cases := []GetMessagesRequest{
		{Anchor: "1000", AnchorSet: true, NumBefore: math.MaxInt, IncludeAnchor: true},
		{Anchor: "1000", AnchorSet: true, NumAfter: math.MaxInt, IncludeAnchor: true},
		{Anchor: "1000", AnchorSet: true, NumBefore: math.MaxInt/2 + 1, NumAfter: math.MaxInt/2 + 1, IncludeAnchor: true},
		{Anchor: "1000", AnchorSet: true, NumBefore: math.MaxInt, NumAfter: math.MaxInt, IncludeAnchor: true},
	}
	for i, req := range cases {
		_, err := newFetchSelector(req, testMaxMessages)
		domainErr, ok := err.(*DomainError)
		if !ok || domainErr.Code != "TOO_MANY_MESSAGES" {
			t.Errorf("case %d: expected TOO_MANY_MESSAGES, got %v", i, err)
		}
	}

	// The exact budget is still accepted.
	sel, err := newFetchSelector(GetMessagesRequest{
		Anchor:        "1000",
		AnchorSet:     true,
		NumBefore:     testMaxMessages - 1,
		IncludeAnchor: true,
	}, testMaxMessages)
	if err != nil {
		t.Fatalf("full-budget request rejected: %v", err)
	}
	if sel.Window.NumBefore != testMaxMessages-1 {
		t.Fatalf("window = %+v", sel.Window)
	}
}

func TestNewFetchSelectorInvalidRange(t *testing.T) {
	_, err := newFetchSelector(GetMessagesRequest{
		Anchor:        "10",
		AnchorSet:     true,
		NumBefore:     5,
		NumAfter:      5,
		IncludeAnchor: false,
	}, testMaxMessages)
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "INVALID_RANGE" {
		t.Fatalf("expected INVALID_RANGE, got %v", err)
	}
}

func TestParseAnchorTokens(t *testing.T) {
	cases := []struct {
		value          string
		anchor         int64
		useFirstUnread bool
	}{
		{"newest", store.LargerThanMaxMessageID, false},
		{"oldest", 0, false},
		{"first_unread", 0, true},
		{"42", 42, false},
		{"-7", 0, false},
		{"99999999999999999999", store.LargerThanMaxMessageID, false},
	}
	for _, tc := range cases {
		anchor, useFirstUnread, err := parseAnchor(tc.value, true, false)
		if err != nil {
			t.Errorf("parseAnchor(%q) error = %v", tc.value, err)
			continue
		}
		if anchor != tc.anchor || useFirstUnread != tc.useFirstUnread {
			t.Errorf("parseAnchor(%q) = (%d, %v), want (%d, %v)",
				tc.value, anchor, useFirstUnread, tc.anchor, tc.useFirstUnread)
		}
	}
}

func TestParseAnchorGarbage(t *testing.T) {
	_, _, err := parseAnchor("sideways", true, false)
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "INVALID_ANCHOR" {
		t.Fatalf("expected INVALID_ANCHOR, got %v", err)
	}
}

func TestParseAnchorMissing(t *testing.T) {
	_, _, err := parseAnchor("", false, false)
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Message != "Missing 'anchor' argument" {
		t.Fatalf("expected missing anchor error, got %v", err)
	}

	// use_first_unread_anchor stands in for a missing anchor.
	anchor, useFirstUnread, err := parseAnchor("", false, true)
	if err != nil || anchor != 0 || !useFirstUnread {
		t.Fatalf("use_first_unread fallback broken: (%d, %v, %v)", anchor, useFirstUnread, err)
	}
}
