package store

import (
	"reflect"
	"testing"
)

func TestMatchSpansBasic(t *testing.T) {
	spans := matchSpans("The roadmap, the whole roadmap", "roadmap")
	want := []Span{{Offset: 4, Length: 7}, {Offset: 23, Length: 7}}
	if !reflect.DeepEqual(spans, want) {
		t.Fatalf("spans = %v, want %v", spans, want)
	}
}

func TestMatchSpansCaseInsensitive(t *testing.T) {
	spans := matchSpans("Deploy DEPLOY deploy", "Deploy")
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %v", spans)
	}
}

func TestMatchSpansMultipleTokensSorted(t *testing.T) {
	spans := matchSpans("beta alpha", "alpha beta")
	want := []Span{{Offset: 0, Length: 4}, {Offset: 5, Length: 5}}
	if !reflect.DeepEqual(spans, want) {
		t.Fatalf("spans = %v, want %v", spans, want)
	}
}

func TestMatchSpansDropsOverlaps(t *testing.T) {
	// "an" and "ana" both match at offset 0; only the longer span
	// survives, and the shorter occurrences inside it are skipped.
	spans := matchSpans("anana", "ana an")
	want := []Span{{Offset: 0, Length: 3}}
	if !reflect.DeepEqual(spans, want) {
		t.Fatalf("spans = %v, want %v", spans, want)
	}
}

func TestMatchSpansNoMatch(t *testing.T) {
	if spans := matchSpans("hello world", "absent"); spans != nil {
		t.Fatalf("expected nil spans, got %v", spans)
	}
	if spans := matchSpans("", "term"); spans != nil {
		t.Fatalf("expected nil for empty text, got %v", spans)
	}
	if spans := matchSpans("text", "   "); spans != nil {
		t.Fatalf("expected nil for blank query, got %v", spans)
	}
}
