// Package errorfmt turns JSON-schema validation failures into
// actionable, human-readable messages grouped by failure kind.
package errorfmt

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind is one of the validation-failure categories the formatter groups by.
type Kind string

const (
	KindRequired              Kind = "required"
	KindType                  Kind = "type"
	KindEnum                  Kind = "enum"
	KindPattern               Kind = "pattern"
	KindAdditionalProperties  Kind = "additionalProperties"
	KindOther                 Kind = "other"
)

// RawError preserves the original validation error untouched, for
// backward-compatible consumers that want the unformatted detail.
type RawError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Formatted is the formatter's output.
type Formatted struct {
	UserFriendly string      `json:"userFriendly"`
	Suggestions  []string    `json:"suggestions"`
	RawErrors    []RawError  `json:"rawErrors"`
}

// Format groups err's causes by kind and builds a readable block plus
// suggestions for each. err is expected to be (or wrap) a
// *jsonschema.ValidationError, but any error is handled gracefully by
// falling back to a single "other" block.
func Format(err error) Formatted {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return Formatted{
			UserFriendly: err.Error(),
			RawErrors:    []RawError{{Message: err.Error()}},
		}
	}

	causes := flatten(verr)
	grouped := make(map[Kind][]*jsonschema.ValidationError)
	var order []Kind

	for _, c := range causes {
		k := classify(c)
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], c)
	}

	var blocks []string
	var suggestions []string
	var raw []RawError

	for _, k := range order {
		items := grouped[k]
		blocks = append(blocks, blockFor(k, items))
		for _, item := range items {
			suggestions = append(suggestions, suggestionFor(k, item)...)
			raw = append(raw, RawError{Field: item.InstanceLocation, Message: item.Message})
		}
	}

	return Formatted{
		UserFriendly: strings.Join(blocks, "\n"),
		Suggestions:  dedupe(suggestions),
		RawErrors:    raw,
	}
}

func flatten(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, c := range verr.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}

func classify(e *jsonschema.ValidationError) Kind {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "missing properties"), strings.Contains(msg, "required"):
		return KindRequired
	case strings.Contains(msg, "expected"), strings.Contains(msg, "got"), strings.Contains(msg, "type"):
		return KindType
	case strings.Contains(msg, "value must be one of"), strings.Contains(msg, "enum"):
		return KindEnum
	case strings.Contains(msg, "pattern"), strings.Contains(msg, "does not match"):
		return KindPattern
	case strings.Contains(msg, "additionalproperties"), strings.Contains(msg, "additional properties"):
		return KindAdditionalProperties
	default:
		return KindOther
	}
}

func blockFor(k Kind, items []*jsonschema.ValidationError) string {
	var lines []string
	for _, item := range items {
		loc := item.InstanceLocation
		if loc == "" {
			loc = "(root)"
		}
		lines = append(lines, fmt.Sprintf("  - %s: %s", loc, item.Message))
	}
	return fmt.Sprintf("%s:\n%s", string(k), strings.Join(lines, "\n"))
}

func suggestionFor(k Kind, item *jsonschema.ValidationError) []string {
	msg := item.Message
	lower := strings.ToLower(msg)

	switch k {
	case KindType:
		switch {
		case strings.Contains(lower, "got number") && strings.Contains(lower, "string"):
			return []string{"Remove quotes"}
		case strings.Contains(lower, "got string") && strings.Contains(lower, "number"):
			return []string{"Wrap in quotes"}
		case strings.Contains(lower, "array"):
			return []string{"Wrap in array brackets"}
		}
		return nil
	case KindEnum:
		return []string{"Allowed values: " + msg}
	case KindPattern:
		pat := extractPattern(msg)
		switch {
		case strings.Contains(pat, "@"):
			return []string{"Expected an email address"}
		case strings.HasPrefix(pat, "^http"):
			return []string{"Expected a URL"}
		default:
			return []string{"Must match pattern: " + pat}
		}
	case KindAdditionalProperties:
		return []string{"Remove unexpected parameter"}
	case KindRequired:
		return []string{msg}
	default:
		return nil
	}
}

// extractPattern pulls the quoted regex out of a message like
// `does not match pattern "^[^@]+@[^@]+$"`, falling back to the whole
// message when no quoted segment is present.
func extractPattern(msg string) string {
	start := strings.Index(msg, `"`)
	if start < 0 {
		return msg
	}
	end := strings.LastIndex(msg, `"`)
	if end <= start {
		return msg
	}
	return msg[start+1 : end]
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
