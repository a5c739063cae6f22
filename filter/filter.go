// Package filter selects records matching a compound, case-insensitive
// filter specification.
package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/dhcgn/mbox-curate/model"
)

// DateLayout is the accepted format of Spec.After.
const DateLayout = "2006-01-02"

type Mode string

const (
	Contains Mode = "contains"
	Excludes Mode = "excludes"
)

// ParseMode accepts "contains", "excludes" and "does not contain". An empty
// string means Contains.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "contains":
		return Contains, nil
	case "excludes", "does not contain", "does-not-contain", "not-contains":
		return Excludes, nil
	}
	return "", fmt.Errorf("unknown filter mode %q", s)
}

// TextClause is a substring test on one field. An empty Value always passes.
type TextClause struct {
	Value string
	Mode  Mode
}

// Spec describes a filter. The zero Spec matches every record.
type Spec struct {
	Subject   TextClause
	Sender    TextClause
	Recipient TextClause
	// Content holds comma-separated words searched in the body.
	Content TextClause
	// After keeps records dated on or after this day (DateLayout). The day
	// is compared with the calendar date in the message's own time zone. An
	// unparseable value disables the clause.
	After string
}

type textMatcher struct {
	needle  string
	exclude bool
}

func (m textMatcher) allows(field string) bool {
	return strings.Contains(strings.ToLower(field), m.needle) != m.exclude
}

type Filter struct {
	spec      Spec
	subject   *textMatcher
	sender    *textMatcher
	recipient *textMatcher
	words     []string
	exclude   bool
	after     time.Time
	hasAfter  bool
}

// New prepares spec for repeated evaluation.
func New(spec Spec) *Filter {
	f := &Filter{
		spec:      spec,
		subject:   newTextMatcher(spec.Subject),
		sender:    newTextMatcher(spec.Sender),
		recipient: newTextMatcher(spec.Recipient),
		words:     SplitWords(spec.Content.Value),
		exclude:   spec.Content.Mode == Excludes,
	}
	if after, ok := ParseAfter(spec.After); ok {
		f.after, f.hasAfter = after, true
	}
	return f
}

func newTextMatcher(c TextClause) *textMatcher {
	needle := strings.ToLower(strings.TrimSpace(c.Value))
	if needle == "" {
		return nil
	}
	return &textMatcher{needle: needle, exclude: c.Mode == Excludes}
}

// SplitWords splits a comma-separated word list, trimming and lowercasing
// each entry and dropping empty ones.
func SplitWords(s string) []string {
	var words []string
	for _, w := range strings.Split(s, ",") {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return words
}

// ParseAfter parses a date clause value. ok is false for empty or malformed
// input.
func ParseAfter(s string) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Active reports whether any clause can reject a record.
func (f *Filter) Active() bool {
	return f.subject != nil || f.sender != nil || f.recipient != nil || len(f.words) > 0 || f.hasAfter
}

// Allows reports whether rec passes every active clause.
func (f *Filter) Allows(rec model.Record) bool {
	if f.subject != nil && !f.subject.allows(rec.Subject) {
		return false
	}
	if f.sender != nil && !f.sender.allows(rec.Sender) {
		return false
	}
	if f.recipient != nil && !f.recipient.allows(rec.Recipient) {
		return false
	}
	if len(f.words) > 0 && !f.allowsContent(rec.Body) {
		return false
	}
	// Undated records are never excluded by the date clause.
	if f.hasAfter && rec.Dated() && localDay(rec.Date).Before(f.after) {
		return false
	}
	return true
}

// localDay returns midnight UTC of t's calendar date in t's own location,
// comparable with a parsed DateLayout value.
func localDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (f *Filter) allowsContent(body string) bool {
	body = strings.ToLower(body)
	for _, w := range f.words {
		found := strings.Contains(body, w)
		if f.exclude && found {
			return false
		}
		if !f.exclude && !found {
			return false
		}
	}
	return true
}

// Apply returns the records that pass, in their original order.
func (f *Filter) Apply(records []model.Record) []model.Record {
	if !f.Active() {
		out := make([]model.Record, len(records))
		copy(out, records)
		return out
	}
	out := make([]model.Record, 0, len(records))
	for _, rec := range records {
		if f.Allows(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// String describes the active clauses for logs.
func (f *Filter) String() string {
	var parts []string
	add := func(name string, c TextClause, active bool) {
		if active {
			parts = append(parts, fmt.Sprintf("%s %s %q", name, modeOrDefault(c.Mode), strings.TrimSpace(c.Value)))
		}
	}
	add("subject", f.spec.Subject, f.subject != nil)
	add("from", f.spec.Sender, f.sender != nil)
	add("to", f.spec.Recipient, f.recipient != nil)
	add("content", f.spec.Content, len(f.words) > 0)
	if f.hasAfter {
		parts = append(parts, "after "+f.after.Format(DateLayout))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " and ")
}

func modeOrDefault(m Mode) Mode {
	if m == "" {
		return Contains
	}
	return m
}
