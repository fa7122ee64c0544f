package store

import (
	"reflect"
	"testing"
)

func rowsWithIDs(ids ...int64) []MessageRow {
	rows := make([]MessageRow, len(ids))
	for i, id := range ids {
		rows[i] = MessageRow{ID: id}
	}
	return rows
}

func rowIDs(rows []MessageRow) []int64 {
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids
}

func TestPostProcessWindowFullWindow(t *testing.T) {
	// 2 before, anchor, 2 after, and the store returned as many rows as
	// asked on both sides: nothing is "found" except the anchor.
	rows := rowsWithIDs(10, 20, 30, 40, 50)
	res := postProcessWindow(rows, 2, 2, 30, true, false, false, 0)

	if !reflect.DeepEqual(rowIDs(res.Rows), []int64{10, 20, 30, 40, 50}) {
		t.Fatalf("rows = %v", rowIDs(res.Rows))
	}
	if !res.FoundAnchor {
		t.Fatalf("expected found_anchor")
	}
	if res.FoundOldest || res.FoundNewest {
		t.Fatalf("edges must not be found: oldest=%v newest=%v", res.FoundOldest, res.FoundNewest)
	}
	if res.HistoryLimited {
		t.Fatalf("history_limited must be false")
	}
}

func TestPostProcessWindowShortSides(t *testing.T) {
	// Fewer rows than asked on each side means that end of history was hit.
	rows := rowsWithIDs(20, 30, 40)
	res := postProcessWindow(rows, 5, 5, 30, true, false, false, 0)

	if !res.FoundOldest || !res.FoundNewest || !res.FoundAnchor {
		t.Fatalf("expected all found flags, got %+v", res)
	}
}

func TestPostProcessWindowExcludedAnchor(t *testing.T) {
	rows := rowsWithIDs(10, 20, 40, 50)
	res := postProcessWindow(rows, 2, 2, 30, false, false, false, 0)

	if res.FoundAnchor {
		t.Fatalf("excluded anchor must not be found")
	}
	if !reflect.DeepEqual(rowIDs(res.Rows), []int64{10, 20, 40, 50}) {
		t.Fatalf("rows = %v", rowIDs(res.Rows))
	}
}

func TestPostProcessWindowAnchorMissing(t *testing.T) {
	// include_anchor with no row at the anchor id.
	rows := rowsWithIDs(10, 20, 40, 50)
	res := postProcessWindow(rows, 5, 5, 30, true, false, false, 0)
	if res.FoundAnchor {
		t.Fatalf("anchor row absent, found_anchor must be false")
	}
}

func TestPostProcessWindowAnchoredRight(t *testing.T) {
	// Sentinel anchor: everything is a "before" row and newest is found by
	// definition even though the store filled the whole window.
	rows := rowsWithIDs(10, 20, 30)
	res := postProcessWindow(rows, 3, 0, LargerThanMaxMessageID, true, false, true, 0)

	if !res.FoundNewest {
		t.Fatalf("anchored-right window must find newest")
	}
	if res.FoundAnchor {
		t.Fatalf("sentinel anchor is never a real row")
	}
	if res.FoundOldest {
		t.Fatalf("full before side must not find oldest")
	}
	if !reflect.DeepEqual(rowIDs(res.Rows), []int64{10, 20, 30}) {
		t.Fatalf("rows = %v", rowIDs(res.Rows))
	}
}

func TestPostProcessWindowAnchoredLeft(t *testing.T) {
	rows := rowsWithIDs(5, 6, 7)
	res := postProcessWindow(rows, 2, 3, 0, false, true, false, 0)
	if !res.FoundOldest {
		t.Fatalf("anchored-left window must find oldest")
	}
	if res.FoundNewest {
		t.Fatalf("full after side must not find newest")
	}
}

func TestPostProcessWindowHistoryLimited(t *testing.T) {
	// Rows below the realm threshold are dropped here, and because the
	// oldest edge was then reached, the cut is reported as history_limited.
	rows := rowsWithIDs(10, 20, 30, 40)
	res := postProcessWindow(rows, 3, 1, 40, false, false, false, 25)

	if !reflect.DeepEqual(rowIDs(res.Rows), []int64{30}) {
		t.Fatalf("rows = %v", rowIDs(res.Rows))
	}
	if !res.FoundOldest {
		t.Fatalf("expected found_oldest after threshold cut")
	}
	if !res.HistoryLimited {
		t.Fatalf("expected history_limited")
	}
}

func TestPostProcessWindowThresholdWithoutOldestEdge(t *testing.T) {
	// The threshold dropped rows, but the visible before side still filled
	// the request, so the client can page further and the cut is not
	// reported.
	rows := rowsWithIDs(10, 20, 30, 40)
	res := postProcessWindow(rows, 2, 0, 50, false, false, true, 15)

	if !reflect.DeepEqual(rowIDs(res.Rows), []int64{30, 40}) {
		t.Fatalf("rows = %v", rowIDs(res.Rows))
	}
	if res.HistoryLimited {
		t.Fatalf("filled window must not report history_limited")
	}
}

func TestFlagsList(t *testing.T) {
	if got := FlagsList(0); len(got) != 0 {
		t.Fatalf("FlagsList(0) = %v", got)
	}
	got := FlagsList(FlagRead | FlagStarred | FlagHistorical)
	want := []string{"read", "starred", "historical"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FlagsList = %v, want %v", got, want)
	}
}
