package store

import (
	"fmt"
	"strings"

	"github.com/choucavalier/zulip/internal/narrow"
)

// condBuilder accumulates WHERE fragments and their positional args for the
// window queries. Fragments are ANDed together; ph hands out the next
// positional placeholder so fragments compose without renumbering.
type condBuilder struct {
	conds []string
	args  []any
}

func (b *condBuilder) ph(arg any) string {
	b.args = append(b.args, arg)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *condBuilder) add(fragment string) {
	b.conds = append(b.conds, fragment)
}

func (b *condBuilder) where() string {
	if len(b.conds) == 0 {
		return "TRUE"
	}
	return strings.Join(b.conds, " AND ")
}

// accessConditions appends the visibility predicate for the query mode.
//
// Spectator: web-public channels of the realm only. Authenticated with the
// public-history path: channels whose history the user can see (public
// channels, plus subscribed channels with subscriber-visible history).
// Authenticated without history access: the caller joins user_messages, so
// receipt itself is the access check.
func accessConditions(b *condBuilder, q WindowQuery) {
	switch {
	case q.Spectator:
		b.add(fmt.Sprintf(
			`m.stream_id IN (SELECT id FROM streams WHERE realm_id = %s AND is_web_public)`,
			b.ph(q.RealmID)))
	case q.IncludeHistory:
		b.add(fmt.Sprintf(`m.stream_id IN (
			SELECT s.id FROM streams s
			WHERE s.realm_id = %s
			  AND (NOT s.invite_only
			       OR (s.history_public_to_subscribers AND EXISTS (
			             SELECT 1 FROM subscriptions sub
			             WHERE sub.stream_id = s.id AND sub.user_id = %s AND sub.active)))
		)`, b.ph(q.RealmID), b.ph(q.UserID)))
	default:
		// user_messages join supplies access; still pin the realm.
		b.add(fmt.Sprintf(`m.realm_id = %s`, b.ph(q.RealmID)))
	}
}

// narrowConditions compiles the sanitized narrow terms into predicates.
// Unknown operators fail loudly rather than silently widening the result.
func narrowConditions(b *condBuilder, q WindowQuery) error {
	for _, term := range q.Narrow {
		frag, err := termCondition(b, term, q)
		if err != nil {
			return err
		}
		if frag == "" {
			continue
		}
		if term.Negated {
			frag = "NOT (" + frag + ")"
		}
		b.add(frag)
	}
	return nil
}

func termCondition(b *condBuilder, term narrow.Term, q WindowQuery) (string, error) {
	switch term.Operator {
	case "channel", "stream":
		return fmt.Sprintf(
			`m.stream_id = (SELECT id FROM streams WHERE realm_id = %s AND lower(name) = lower(%s))`,
			b.ph(q.RealmID), b.ph(term.OperandString())), nil
	case "channels", "streams":
		switch term.OperandString() {
		case "web-public":
			return fmt.Sprintf(
				`m.stream_id IN (SELECT id FROM streams WHERE realm_id = %s AND is_web_public)`,
				b.ph(q.RealmID)), nil
		case "public":
			return fmt.Sprintf(
				`m.stream_id IN (SELECT id FROM streams WHERE realm_id = %s AND NOT invite_only)`,
				b.ph(q.RealmID)), nil
		}
		return "", fmt.Errorf("unsupported %s operand %q", term.Operator, term.OperandString())
	case "topic":
		return fmt.Sprintf(`lower(m.topic) = lower(%s)`, b.ph(term.OperandString())), nil
	case "sender":
		return fmt.Sprintf(
			`m.sender_id = (SELECT id FROM users WHERE realm_id = %s AND lower(email) = lower(%s))`,
			b.ph(q.RealmID), b.ph(term.OperandString())), nil
	case "id":
		id, ok := term.OperandInt()
		if !ok {
			return "", fmt.Errorf("non-integer id operand")
		}
		return fmt.Sprintf(`m.id = %s`, b.ph(id)), nil
	case "has":
		switch term.OperandString() {
		case "attachment":
			return `m.has_attachment`, nil
		case "image":
			return `m.has_image`, nil
		case "link":
			return `m.has_link`, nil
		}
		return "", fmt.Errorf("unsupported has operand %q", term.OperandString())
	case "in":
		if term.OperandString() == "home" {
			return fmt.Sprintf(
				`m.stream_id IN (SELECT stream_id FROM subscriptions WHERE user_id = %s AND active)`,
				b.ph(q.UserID)), nil
		}
		return "", fmt.Errorf("unsupported in operand %q", term.OperandString())
	case "is":
		return isCondition(b, term)
	case "search":
		return fmt.Sprintf(`m.search_tsvector @@ plainto_tsquery('english', %s)`,
			b.ph(term.OperandString())), nil
	case "near", "with":
		// Anchor-positioning operators; they carry no row predicate.
		return "", nil
	}
	return "", fmt.Errorf("unsupported narrow operator %q", term.Operator)
}

// isCondition handles the reserved "is" operands backed by flag bits. These
// only reach the store for authenticated queries, where the user_messages
// join (um) is present.
func isCondition(b *condBuilder, term narrow.Term) (string, error) {
	switch term.OperandString() {
	case "unread":
		return fmt.Sprintf(`(um.flags & %s) = 0`, b.ph(FlagRead)), nil
	case "starred":
		return fmt.Sprintf(`(um.flags & %s) <> 0`, b.ph(FlagStarred)), nil
	case "mentioned":
		return fmt.Sprintf(`(um.flags & %s) <> 0`, b.ph(FlagMentioned|FlagWildcardMentioned)), nil
	case "alerted":
		return fmt.Sprintf(`(um.flags & %s) <> 0`, b.ph(FlagHasAlertWord)), nil
	}
	return "", fmt.Errorf("unsupported is operand %q", term.OperandString())
}

// needUserMessageJoin reports whether any narrow term requires the
// user_messages join even on the public-history path.
func needUserMessageJoin(terms []narrow.Term) bool {
	for _, term := range terms {
		if term.Operator == "is" {
			return true
		}
		if term.Operator == "in" && term.OperandString() == "home" {
			return true
		}
	}
	return false
}
