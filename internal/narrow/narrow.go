// Package narrow models the structured message filters ("narrows") accepted
// by the message fetch API and the sanitization rules applied to them.
package narrow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LegacyEmptyTopicName is the placeholder older clients and saved searches
// used for messages without a topic. The canonical representation today is
// the empty string; UpdateEmptyTopicTerms rewrites one to the other.
const LegacyEmptyTopicName = "(no topic)"

// Term is a single narrow filter. A narrow is an ordered list of terms,
// ANDed together.
type Term struct {
	Operator string `json:"operator"`
	Operand  any    `json:"operand"`
	Negated  bool   `json:"negated"`
}

// UnmarshalJSON accepts the wire shape {"operator": ..., "operand": ...,
// "negated": ...} with string or numeric operands. Numeric operands decode
// as json.Number so message ids survive without float rounding.
func (t *Term) UnmarshalJSON(data []byte) error {
	var raw struct {
		Operator string          `json:"operator"`
		Operand  json.RawMessage `json:"operand"`
		Negated  bool            `json:"negated"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Operator == "" {
		return fmt.Errorf("narrow term missing operator")
	}
	t.Operator = raw.Operator
	t.Negated = raw.Negated
	if len(raw.Operand) == 0 {
		return fmt.Errorf("narrow term %q missing operand", raw.Operator)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw.Operand))
	decoder.UseNumber()
	return decoder.Decode(&t.Operand)
}

// OperandString returns the operand as a string, or "" when the operand is
// not string-valued.
func (t Term) OperandString() string {
	s, _ := t.Operand.(string)
	return s
}

// OperandInt returns the operand as an integer id when possible.
func (t Term) OperandInt() (int64, bool) {
	switch v := t.Operand.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Parse decodes a JSON narrow parameter into a term list. An empty or
// missing parameter yields a nil narrow.
func Parse(raw string) ([]Term, error) {
	if raw == "" {
		return nil, nil
	}
	var terms []Term
	if err := json.Unmarshal([]byte(raw), &terms); err != nil {
		return nil, fmt.Errorf("malformed narrow: %w", err)
	}
	return terms, nil
}

// UpdateEmptyTopicTerms rewrites topic operands still using the legacy
// "(no topic)" placeholder to the canonical empty-topic name, keeping old
// saved searches working. Idempotent; the input slice is not mutated.
func UpdateEmptyTopicTerms(terms []Term) []Term {
	if terms == nil {
		return nil
	}
	updated := make([]Term, len(terms))
	copy(updated, terms)
	for i, term := range updated {
		if term.Operator == "topic" && term.OperandString() == LegacyEmptyTopicName {
			updated[i].Operand = ""
		}
	}
	return updated
}

// CleanForWebPublicAPI strips the implicit {in, home} term from a narrow.
// That term scopes results to the requesting user's subscriptions, which is
// meaningless for a spectator query; everything else is preserved in order.
// Idempotent; the input slice is not mutated.
func CleanForWebPublicAPI(terms []Term) []Term {
	if terms == nil {
		return nil
	}
	cleaned := make([]Term, 0, len(terms))
	for _, term := range terms {
		if term.Operator == "in" && term.OperandString() == "home" && !term.Negated {
			continue
		}
		cleaned = append(cleaned, term)
	}
	return cleaned
}

// IsWebPublicNarrow reports whether the narrow explicitly targets
// web-public channels. Spectator requests must carry such a term so that a
// missing-auth request and a web-public request can be told apart.
func IsWebPublicNarrow(terms []Term) bool {
	for _, term := range terms {
		if (term.Operator == "channels" || term.Operator == "streams") &&
			term.OperandString() == "web-public" && !term.Negated {
			return true
		}
	}
	return false
}

// spectator-safe operators: everything here is resolvable without access to
// any per-user or private data.
var spectatorOperators = map[string]struct{}{
	"channel":  {},
	"channels": {},
	"stream":   {},
	"streams":  {},
	"topic":    {},
	"sender":   {},
	"has":      {},
	"search":   {},
	"near":     {},
	"id":       {},
	"with":     {},
}

// IsSpectatorCompatible reports whether every term in the narrow can be
// evaluated for an unauthenticated request.
func IsSpectatorCompatible(terms []Term) bool {
	for _, term := range terms {
		if _, ok := spectatorOperators[term.Operator]; !ok {
			return false
		}
	}
	return true
}

// ContainsSearch reports whether the narrow implies full-text search.
func ContainsSearch(terms []Term) bool {
	for _, term := range terms {
		if term.Operator == "search" && !term.Negated {
			return true
		}
	}
	return false
}

// SearchOperand returns the concatenated search operands of the narrow.
func SearchOperand(terms []Term) string {
	query := ""
	for _, term := range terms {
		if term.Operator != "search" || term.Negated {
			continue
		}
		if query != "" {
			query += " "
		}
		query += term.OperandString()
	}
	return query
}

// VerboseOperators renders narrow operators for request logging; "is"
// operands are included since they change semantics materially.
func VerboseOperators(terms []Term) []string {
	verbose := make([]string, 0, len(terms))
	for _, term := range terms {
		if term.Operator == "is" {
			verbose = append(verbose, "is:"+term.OperandString())
			continue
		}
		verbose = append(verbose, term.Operator)
	}
	return verbose
}
