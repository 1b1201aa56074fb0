// Package detect provides heuristic detection of SQL injection and XSS payloads
// in untrusted request input. Matching is pure: no I/O and no shared state.
//
// Regex signatures are a heuristic, not a parser. False positives are expected;
// callers decide the consequence of a match.
package detect

import (
	"regexp"
	"sort"
)

// MaxScanBytes is the maximum number of bytes of a single value that are
// scanned. Longer values are truncated first to bound worst-case regex cost.
const MaxScanBytes = 64 * 1024

// Category is a class of injection payload.
type Category string

const (
	// SQLInjection marks SQL metacharacters, keywords and boolean-injection idioms.
	SQLInjection Category = "SQL_INJECTION"
	// XSS marks script or markup injection.
	XSS Category = "XSS"
)

// Matches is the set of categories found in a value, in stable order.
type Matches []Category

// Has reports whether c is in the set.
func (m Matches) Has(c Category) bool {
	for _, got := range m {
		if got == c {
			return true
		}
	}
	return false
}

// Any reports whether the set is non-empty.
func (m Matches) Any() bool {
	return len(m) > 0
}

// Detector classifies untrusted strings. Implementations must be safe for
// concurrent use.
type Detector interface {
	// Classify returns the categories matched by value.
	Classify(value string) Matches
	// ClassifyFields classifies every field and returns only the fields with
	// at least one match, keyed by field path.
	ClassifyFields(fields map[string]string) map[string]Matches
}

// signature is a single named pattern.
type signature struct {
	name    string
	pattern *regexp.Regexp
}

// sqlSignatures are checked in order; the first hit is enough.
var sqlSignatures = []signature{
	{"union_select", regexp.MustCompile(`(?i)\bunion\b[\s\S]{0,100}?\bselect\b`)},
	{"select_from", regexp.MustCompile(`(?i)\bselect\b[\s\S]{1,100}?\bfrom\b`)},
	{"insert_into", regexp.MustCompile(`(?i)\binsert\s+into\b`)},
	{"drop_object", regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema|view)\b`)},
	{"delete_from", regexp.MustCompile(`(?i)\bdelete\s+from\b`)},
	{"update_set", regexp.MustCompile(`(?i)\bupdate\s+\w+\s+set\b`)},
	{"stacked_query", regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|alter|create|truncate|exec)\b`)},
	{"quote_comment", regexp.MustCompile(`'\s*(--|#|/\*)`)},
	{"trailing_comment", regexp.MustCompile(`;\s*--`)},
	{"block_comment", regexp.MustCompile(`/\*[\s\S]{0,200}?\*/`)},
	{"numeric_tautology", regexp.MustCompile(`(?i)\b(or|and)\s+\d+\s*=\s*\d+`)},
	{"string_tautology", regexp.MustCompile(`(?i)'\s*(or|and)\s+'[^']*'\s*=\s*'`)},
	{"boolean_tautology", regexp.MustCompile(`(?i)'\s*(or|and)\s+(true|false|\d+)\b`)},
	{"time_based", regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`)},
	{"stored_procedure", regexp.MustCompile(`(?i)\bxp_cmdshell\b|\bexec(ute)?\s+(xp_|sp_)`)},
}

// xssSignatures are checked in order; the first hit is enough.
var xssSignatures = []signature{
	{"script_tag", regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
	{"javascript_uri", regexp.MustCompile(`(?i)(java|vb)script\s*:`)},
	{"inline_handler", regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`)},
	{"attribute_breakout", regexp.MustCompile(`(?i)["']\s*on[a-z]+\s*=`)},
	{"embedding_tag", regexp.MustCompile(`(?i)<\s*(iframe|object|embed|applet|meta|base)\b`)},
	{"css_expression", regexp.MustCompile(`(?i)expression\s*\(`)},
	{"data_html_uri", regexp.MustCompile(`(?i)data\s*:\s*text/html`)},
}

// RegexDetector is the default Detector backed by fixed ordered signature lists.
type RegexDetector struct {
	maxScanBytes int
}

// NewRegexDetector creates a detector that scans at most MaxScanBytes per value.
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{maxScanBytes: MaxScanBytes}
}

// Classify implements Detector.
func (d *RegexDetector) Classify(value string) Matches {
	if value == "" {
		return nil
	}
	if len(value) > d.maxScanBytes {
		value = value[:d.maxScanBytes]
	}

	var m Matches
	if matchAny(sqlSignatures, value) {
		m = append(m, SQLInjection)
	}
	if matchAny(xssSignatures, value) {
		m = append(m, XSS)
	}
	return m
}

// ClassifyFields implements Detector.
func (d *RegexDetector) ClassifyFields(fields map[string]string) map[string]Matches {
	out := make(map[string]Matches)
	for path, value := range fields {
		if m := d.Classify(value); m.Any() {
			out[path] = m
		}
	}
	return out
}

func matchAny(sigs []signature, value string) bool {
	for _, sig := range sigs {
		if sig.pattern.MatchString(value) {
			return true
		}
	}
	return false
}

// Summarize merges per-field matches into a single set and returns the
// sorted list of field paths that matched.
func Summarize(byField map[string]Matches) (Matches, []string) {
	var all Matches
	paths := make([]string, 0, len(byField))
	for path, m := range byField {
		paths = append(paths, path)
		for _, c := range m {
			if !all.Has(c) {
				all = append(all, c)
			}
		}
	}
	sort.Strings(paths)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all, paths
}
