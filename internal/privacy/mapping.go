package privacy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Mapping is the forward table original -> placeholder for one exchange.
// It keeps insertion order and owns the placeholder counter. A Mapping is
// not safe for concurrent use; each request builds its own.
type Mapping struct {
	entries []Entry
	index   map[string]int
	counter int
}

// NewMapping returns an empty mapping whose counter starts at 1.
func NewMapping() *Mapping {
	return NewMappingAt(1)
}

// NewMappingAt returns an empty mapping continuing from the given counter.
func NewMappingAt(start int) *Mapping {
	if start < 1 {
		start = 1
	}
	return &Mapping{
		index:   make(map[string]int),
		counter: start,
	}
}

// Placeholder returns the placeholder assigned to original, if any.
func (m *Mapping) Placeholder(original string) (string, bool) {
	i, ok := m.index[original]
	if !ok {
		return "", false
	}
	return m.entries[i].Placeholder, true
}

// Counter returns the value the next new placeholder will use.
func (m *Mapping) Counter() int {
	return m.counter
}

// Len returns the number of distinct originals.
func (m *Mapping) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the entries in insertion order.
func (m *Mapping) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Categories counts entries per category.
func (m *Mapping) Categories() map[Category]int {
	out := make(map[Category]int)
	for _, e := range m.entries {
		if e.Category != "" {
			out[e.Category]++
		}
	}
	return out
}

// Add records original -> placeholder verbatim. An existing original has its
// placeholder replaced. New originals advance the counter.
func (m *Mapping) Add(original, placeholder string) {
	if i, ok := m.index[original]; ok {
		m.entries[i].Placeholder = placeholder
		return
	}
	m.index[original] = len(m.entries)
	m.entries = append(m.entries, Entry{Original: original, Placeholder: placeholder})
	m.counter++
}

// resolve rewrites placeholders already issued by this mapping back to their
// originals. A later category can match a span that swallowed an earlier
// placeholder (a URL whose query holds an already replaced email); storing
// the resolved text keeps the mapping keyed by what the user actually sent.
func (m *Mapping) resolve(text string) string {
	var candidates []Entry
	for _, e := range m.entries {
		if e.Placeholder != "" && strings.Contains(text, e.Placeholder) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return text
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return len(candidates[a].Placeholder) > len(candidates[b].Placeholder)
	})
	pairs := make([]string, 0, len(candidates)*2)
	for _, e := range candidates {
		pairs = append(pairs, e.Placeholder, e.Original)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// assign returns the placeholder for original, rendering a new one from the
// current counter when the original has not been seen in this mapping.
func (m *Mapping) assign(original string, category Category, render func(Category, int) string) string {
	if i, ok := m.index[original]; ok {
		return m.entries[i].Placeholder
	}
	placeholder := render(category, m.counter)
	m.index[original] = len(m.entries)
	m.entries = append(m.entries, Entry{Original: original, Placeholder: placeholder, Category: category})
	m.counter++
	return placeholder
}

// Reverse derives the placeholder -> original table. Entries whose
// placeholder is empty or already taken by an earlier original are left out
// and reported in the returned error; the ReverseMapping is still usable for
// the remaining entries.
func (m *Mapping) Reverse() (*ReverseMapping, error) {
	rm := &ReverseMapping{index: make(map[string]int, len(m.entries))}
	var errs []error
	for _, e := range m.entries {
		if e.Placeholder == "" {
			errs = append(errs, fmt.Errorf("%w for an original of category %q", ErrEmptyPlaceholder, e.Category))
			continue
		}
		if _, taken := rm.index[e.Placeholder]; taken {
			errs = append(errs, fmt.Errorf("%w: %q", ErrPlaceholderCollision, e.Placeholder))
			continue
		}
		rm.index[e.Placeholder] = len(rm.pairs)
		rm.pairs = append(rm.pairs, e)
	}
	rm.compile()
	return rm, errors.Join(errs...)
}

// SkippedEntries counts the entries a Reverse error reports as left out. It
// returns 0 when err holds anything besides collisions and empty
// placeholders, so callers can tell a partial reversal from a failure.
func SkippedEntries(err error) int {
	if err == nil {
		return 0
	}
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		if !errors.Is(e, ErrPlaceholderCollision) && !errors.Is(e, ErrEmptyPlaceholder) {
			return 0
		}
	}
	return len(errs)
}

// MarshalJSON encodes the mapping as an object in insertion order.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Original)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Placeholder)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object of original -> placeholder, keeping the
// document's key order as insertion order.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode mapping: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode mapping: expected object")
	}

	fresh := NewMapping()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode mapping key: %w", err)
		}
		original, _ := keyTok.(string)

		var placeholder string
		if err := dec.Decode(&placeholder); err != nil {
			return fmt.Errorf("decode mapping value: %w", err)
		}
		fresh.Add(original, placeholder)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode mapping: %w", err)
	}

	*m = *fresh
	return nil
}

// ReverseMapping is the placeholder -> original table used for restoration
type ReverseMapping struct {
	pairs   []Entry
	index   map[string]int
	pattern *regexp.Regexp
}

// Len returns the number of restorable placeholders.
func (rm *ReverseMapping) Len() int {
	return len(rm.pairs)
}

// Original returns the original for a placeholder.
func (rm *ReverseMapping) Original(placeholder string) (string, bool) {
	i, ok := rm.index[placeholder]
	if !ok {
		return "", false
	}
	return rm.pairs[i].Original, true
}

// compile builds one alternation of the escaped placeholders. Longer
// placeholders come first so that "#1" never shadows "#12".
func (rm *ReverseMapping) compile() {
	if len(rm.pairs) == 0 {
		return
	}
	order := make([]int, len(rm.pairs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(rm.pairs[order[a]].Placeholder) > len(rm.pairs[order[b]].Placeholder)
	})

	quoted := make([]string, len(order))
	for i, idx := range order {
		quoted[i] = regexp.QuoteMeta(rm.pairs[idx].Placeholder)
	}
	rm.pattern = regexp.MustCompile(strings.Join(quoted, "|"))
}

// restore replaces every placeholder occurrence in text with its original
// in a single left-to-right pass, so a restored original is never rescanned.
func (rm *ReverseMapping) restore(text string) string {
	if rm.pattern == nil || text == "" {
		return text
	}
	return rm.pattern.ReplaceAllStringFunc(text, func(match string) string {
		return rm.pairs[rm.index[match]].Original
	})
}
