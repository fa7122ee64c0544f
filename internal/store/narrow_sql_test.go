package store

import (
	"strings"
	"testing"

	"github.com/choucavalier/zulip/internal/narrow"
)

func TestCondBuilderPlaceholders(t *testing.T) {
	b := &condBuilder{}
	if ph := b.ph("a"); ph != "$1" {
		t.Fatalf("first placeholder = %s", ph)
	}
	for i := 0; i < 10; i++ {
		b.ph(i)
	}
	if ph := b.ph("z"); ph != "$12" {
		t.Fatalf("twelfth placeholder = %s", ph)
	}
	if len(b.args) != 12 {
		t.Fatalf("args = %d", len(b.args))
	}
}

func TestCondBuilderWhere(t *testing.T) {
	b := &condBuilder{}
	if b.where() != "TRUE" {
		t.Fatalf("empty builder where = %s", b.where())
	}
	b.add("a = 1")
	b.add("b = 2")
	if b.where() != "a = 1 AND b = 2" {
		t.Fatalf("where = %s", b.where())
	}
}

func TestAccessConditionsByMode(t *testing.T) {
	spectator := &condBuilder{}
	accessConditions(spectator, WindowQuery{RealmID: 7, Spectator: true})
	if !strings.Contains(spectator.where(), "is_web_public") {
		t.Fatalf("spectator access must pin web-public streams: %s", spectator.where())
	}

	history := &condBuilder{}
	accessConditions(history, WindowQuery{RealmID: 7, UserID: 3, IncludeHistory: true})
	if !strings.Contains(history.where(), "history_public_to_subscribers") {
		t.Fatalf("history access must consider subscriber-visible history: %s", history.where())
	}

	personal := &condBuilder{}
	accessConditions(personal, WindowQuery{RealmID: 7, UserID: 3})
	if !strings.Contains(personal.where(), "m.realm_id") {
		t.Fatalf("personal access must pin the realm: %s", personal.where())
	}
}

func TestNarrowConditionsNegation(t *testing.T) {
	b := &condBuilder{}
	err := narrowConditions(b, WindowQuery{Narrow: []narrow.Term{
		{Operator: "topic", Operand: "release", Negated: true},
	}})
	if err != nil {
		t.Fatalf("narrowConditions error = %v", err)
	}
	if !strings.HasPrefix(b.where(), "NOT (") {
		t.Fatalf("negated term must be wrapped: %s", b.where())
	}
}

func TestNarrowConditionsRejectsUnknownOperator(t *testing.T) {
	b := &condBuilder{}
	err := narrowConditions(b, WindowQuery{Narrow: []narrow.Term{
		{Operator: "dm", Operand: "someone@example.com"},
	}})
	if err == nil {
		t.Fatalf("unknown operator must error")
	}
}

func TestNarrowConditionsPositioningOperatorsNoop(t *testing.T) {
	b := &condBuilder{}
	err := narrowConditions(b, WindowQuery{Narrow: []narrow.Term{
		{Operator: "near", Operand: "100"},
		{Operator: "with", Operand: "100"},
	}})
	if err != nil {
		t.Fatalf("narrowConditions error = %v", err)
	}
	if b.where() != "TRUE" {
		t.Fatalf("positioning operators must add no predicate: %s", b.where())
	}
}

func TestTermConditionOperandValidation(t *testing.T) {
	cases := []narrow.Term{
		{Operator: "channels", Operand: "everything"},
		{Operator: "has", Operand: "reaction"},
		{Operator: "in", Operand: "all"},
		{Operator: "is", Operand: "followed"},
		{Operator: "id", Operand: "not-a-number"},
	}
	for _, term := range cases {
		b := &condBuilder{}
		if _, err := termCondition(b, term, WindowQuery{}); err == nil {
			t.Errorf("term %+v expected error", term)
		}
	}
}

func TestNeedUserMessageJoin(t *testing.T) {
	if needUserMessageJoin([]narrow.Term{{Operator: "channel", Operand: "x"}}) {
		t.Fatalf("channel narrow needs no user_messages join")
	}
	if !needUserMessageJoin([]narrow.Term{{Operator: "is", Operand: "starred"}}) {
		t.Fatalf("is narrow needs the join")
	}
	if !needUserMessageJoin([]narrow.Term{{Operator: "in", Operand: "home"}}) {
		t.Fatalf("in:home needs the join")
	}
}
