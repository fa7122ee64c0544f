package narrow

import (
	"testing"
)

func TestParseDecodesTerms(t *testing.T) {
	terms, err := Parse(`[{"operator":"channel","operand":"design"},{"operator":"id","operand":173,"negated":true}]`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(terms) != 2 {
		t.Fatalf("expected 2 terms, got %d", len(terms))
	}
	if terms[0].Operator != "channel" || terms[0].OperandString() != "design" || terms[0].Negated {
		t.Fatalf("unexpected first term: %+v", terms[0])
	}
	id, ok := terms[1].OperandInt()
	if !ok || id != 173 {
		t.Fatalf("expected id operand 173, got %d (ok=%v)", id, ok)
	}
	if !terms[1].Negated {
		t.Fatalf("expected second term negated")
	}
}

func TestParseEmptyIsNilNarrow(t *testing.T) {
	terms, err := Parse("")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if terms != nil {
		t.Fatalf("expected nil narrow, got %v", terms)
	}
}

func TestParseRejectsMalformedTerms(t *testing.T) {
	cases := []string{
		`{"operator":"channel"}`,
		`[{"operand":"design"}]`,
		`[{"operator":"channel"}]`,
		`[{"operator":"channel","operand":"design"`,
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) expected error", raw)
		}
	}
}

func TestParsePreservesLargeIDs(t *testing.T) {
	terms, err := Parse(`[{"operator":"id","operand":10000000000000000}]`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	id, ok := terms[0].OperandInt()
	if !ok || id != 10_000_000_000_000_000 {
		t.Fatalf("large id lost precision: %d", id)
	}
}

func TestUpdateEmptyTopicTerms(t *testing.T) {
	terms := []Term{
		{Operator: "topic", Operand: LegacyEmptyTopicName},
		{Operator: "topic", Operand: "release plan"},
		{Operator: "search", Operand: LegacyEmptyTopicName},
	}
	updated := UpdateEmptyTopicTerms(terms)
	if updated[0].OperandString() != "" {
		t.Fatalf("legacy topic not rewritten: %+v", updated[0])
	}
	if updated[1].OperandString() != "release plan" {
		t.Fatalf("unrelated topic changed: %+v", updated[1])
	}
	if updated[2].OperandString() != LegacyEmptyTopicName {
		t.Fatalf("non-topic operand changed: %+v", updated[2])
	}
	// input untouched
	if terms[0].OperandString() != LegacyEmptyTopicName {
		t.Fatalf("input slice mutated")
	}
}

func TestCleanForWebPublicAPI(t *testing.T) {
	terms := []Term{
		{Operator: "in", Operand: "home"},
		{Operator: "channels", Operand: "web-public"},
		{Operator: "in", Operand: "home", Negated: true},
	}
	cleaned := CleanForWebPublicAPI(terms)
	if len(cleaned) != 2 {
		t.Fatalf("expected 2 terms after cleaning, got %d", len(cleaned))
	}
	if cleaned[0].Operator != "channels" {
		t.Fatalf("wrong term kept first: %+v", cleaned[0])
	}
	// negated in:home carries meaning and stays
	if cleaned[1].Operator != "in" || !cleaned[1].Negated {
		t.Fatalf("negated in:home should survive: %+v", cleaned[1])
	}
}

func TestIsWebPublicNarrow(t *testing.T) {
	if IsWebPublicNarrow([]Term{{Operator: "channels", Operand: "public"}}) {
		t.Fatalf("channels:public is not web-public")
	}
	if IsWebPublicNarrow([]Term{{Operator: "channels", Operand: "web-public", Negated: true}}) {
		t.Fatalf("negated web-public term must not qualify")
	}
	if !IsWebPublicNarrow([]Term{
		{Operator: "topic", Operand: "x"},
		{Operator: "streams", Operand: "web-public"},
	}) {
		t.Fatalf("streams:web-public should qualify")
	}
}

func TestIsSpectatorCompatible(t *testing.T) {
	ok := []Term{
		{Operator: "channel", Operand: "design"},
		{Operator: "topic", Operand: "x"},
		{Operator: "search", Operand: "roadmap"},
	}
	if !IsSpectatorCompatible(ok) {
		t.Fatalf("expected compatible narrow")
	}
	for _, op := range []string{"is", "in", "pm-with", "dm"} {
		if IsSpectatorCompatible([]Term{{Operator: op, Operand: "x"}}) {
			t.Errorf("operator %q must not be spectator compatible", op)
		}
	}
}

func TestSearchHelpers(t *testing.T) {
	terms := []Term{
		{Operator: "search", Operand: "alpha"},
		{Operator: "channel", Operand: "design"},
		{Operator: "search", Operand: "beta"},
		{Operator: "search", Operand: "gamma", Negated: true},
	}
	if !ContainsSearch(terms) {
		t.Fatalf("expected ContainsSearch true")
	}
	if got := SearchOperand(terms); got != "alpha beta" {
		t.Fatalf("SearchOperand = %q", got)
	}
	if ContainsSearch([]Term{{Operator: "search", Operand: "x", Negated: true}}) {
		t.Fatalf("negated search term must not imply search")
	}
}

func TestVerboseOperators(t *testing.T) {
	terms := []Term{
		{Operator: "channel", Operand: "design"},
		{Operator: "is", Operand: "starred"},
	}
	got := VerboseOperators(terms)
	if len(got) != 2 || got[0] != "channel" || got[1] != "is:starred" {
		t.Fatalf("VerboseOperators = %v", got)
	}
}
