// Package contentfilter scans tool output for secrets and personally
// identifiable information, and can redact what it finds.
package contentfilter

import (
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind distinguishes a secret finding from a PII finding.
type Kind string

const (
	KindSecret Kind = "secret"
	KindPII    Kind = "pii"
)

// Violation is one matched pattern and how many times it occurred.
type Violation struct {
	Kind    Kind   `json:"type"`
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// Report is the result of scanning text, independent of any redaction.
type Report struct {
	Violations []Violation
}

type pattern struct {
	name        string
	kind        Kind
	re          *regexp.Regexp
	replacement string
}

// patterns is evaluated in order: every secret pattern before any PII
// pattern, matching the specification's enumeration order.
var patterns = []pattern{
	{"openai_key", KindSecret, regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "[REDACTED_SECRET]"},
	{"github_token", KindSecret, regexp.MustCompile(`ghp_[A-Za-z0-9]+`), "[REDACTED_SECRET]"},
	{"aws_key", KindSecret, regexp.MustCompile(`AKIA[A-Z0-9]{16}`), "[REDACTED_SECRET]"},
	{"jwt", KindSecret, regexp.MustCompile(`eyJ[A-Za-z0-9_\-.]+`), "[REDACTED_SECRET]"},
	{"email", KindPII, regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[REDACTED_PII]"},
	{"ssn", KindPII, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_PII]"},
	{"credit_card", KindPII, regexp.MustCompile(`\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`), "[REDACTED_PII]"},
}

// Scan reports every match without altering text.
func Scan(text string) Report {
	var report Report
	for _, p := range patterns {
		matches := p.re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		report.Violations = append(report.Violations, Violation{
			Kind:    p.kind,
			Pattern: p.name,
			Count:   len(matches),
		})
	}
	return report
}

// RejectOnSecret is returned by Filter when the caller has configured
// the filter to fail closed on any detected secret.
type RejectOnSecret struct {
	Count int
}

func (e *RejectOnSecret) Error() string {
	return fmt.Sprintf("Content filter violation: %d secrets detected", e.Count)
}

// Filter redacts every matched pattern in text. When rejectOnSecret is
// true and at least one secret pattern matched, it returns a
// RejectOnSecret error instead of redacted text. Tool output that is
// itself a JSON document is redacted leaf-by-leaf so the document's
// structure (and any fields that never matched a pattern) survives
// intact; everything else falls back to a flat string replace.
func Filter(text string, rejectOnSecret bool) (string, Report, error) {
	report := Scan(text)

	if rejectOnSecret {
		secretCount := 0
		for _, v := range report.Violations {
			if v.Kind == KindSecret {
				secretCount += v.Count
			}
		}
		if secretCount > 0 {
			return "", report, &RejectOnSecret{Count: secretCount}
		}
	}

	if gjson.Valid(text) {
		if parsed := gjson.Parse(text); parsed.IsObject() || parsed.IsArray() {
			if redacted, ok := redactJSON(text); ok {
				return redacted, report, nil
			}
		}
	}

	redacted := text
	for _, p := range patterns {
		redacted = p.re.ReplaceAllString(redacted, p.replacement)
	}
	return redacted, report, nil
}

// redactJSON walks a JSON document's leaf values with gjson and rewrites
// matched string leaves in place with sjson, preserving object/array
// structure and any fields that contain no violation.
func redactJSON(text string) (string, bool) {
	out := text
	ok := true
	walkLeaves(gjson.Parse(text), "", func(path string, leaf gjson.Result) {
		if leaf.Type != gjson.String {
			return
		}
		redacted := leaf.Str
		changed := false
		for _, p := range patterns {
			if p.re.MatchString(redacted) {
				redacted = p.re.ReplaceAllString(redacted, p.replacement)
				changed = true
			}
		}
		if !changed {
			return
		}
		updated, err := sjson.Set(out, path, redacted)
		if err != nil {
			ok = false
			return
		}
		out = updated
	})
	return out, ok
}

// walkLeaves visits every scalar leaf of a parsed JSON value, calling fn
// with its sjson-compatible dotted path.
func walkLeaves(v gjson.Result, path string, fn func(path string, leaf gjson.Result)) {
	if v.IsObject() {
		v.ForEach(func(key, val gjson.Result) bool {
			childPath := key.String()
			if path != "" {
				childPath = path + "." + key.String()
			}
			walkLeaves(val, childPath, fn)
			return true
		})
		return
	}
	if v.IsArray() {
		i := 0
		v.ForEach(func(_, val gjson.Result) bool {
			childPath := fmt.Sprintf("%d", i)
			if path != "" {
				childPath = path + "." + childPath
			}
			walkLeaves(val, childPath, fn)
			i++
			return true
		})
		return
	}
	fn(path, v)
}
