package privacy

import (
	"fmt"
	"strings"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"go.uber.org/zap"
)

// Canonical shapes for categories whose placeholder does not embed a number
var constantShapes = map[Category]string{
	CategoryPhone:      "+7 (XXX) XXX-XX-XX",
	CategoryNationalID: "XXXXXXXXXXXX",
	CategoryIPv4:       "XXX.XXX.XXX.XXX",
	CategoryURL:        "https://example.com",
}

// Option configures an Engine
type Option func(*Engine)

// WithLegacyConstantPlaceholders renders phone, national ID, IPv4 and URL
// placeholders without the "#N" suffix. Distinct originals of one category
// then share a placeholder and cannot all be restored.
func WithLegacyConstantPlaceholders() Option {
	return func(e *Engine) {
		e.legacyConstants = true
	}
}

// Engine performs forward anonymization and reverse restoration. It holds
// no per-request state and is safe for concurrent use; all mutable state
// lives in the caller's Mapping.
type Engine struct {
	detector        *Detector
	legacyConstants bool
}

// NewEngine creates an engine around detector; a nil detector means the
// default matchers.
func NewEngine(detector *Detector, opts ...Option) *Engine {
	if detector == nil {
		detector = NewDetector()
	}
	e := &Engine{detector: detector}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// New creates an engine from configuration
func New(cfg config.PrivacyConfig, log *logger.Logger) (*Engine, error) {
	detector, err := NewDetectorFor(cfg.Detectors)
	if err != nil {
		return nil, fmt.Errorf("failed to configure detectors: %w", err)
	}

	var opts []Option
	if cfg.LegacyConstantPlaceholders {
		opts = append(opts, WithLegacyConstantPlaceholders())
	}

	categories := detector.Categories()
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}
	log.Info("Anonymization engine initialized",
		zap.Strings("categories", names),
		zap.Bool("legacy_constant_placeholders", cfg.LegacyConstantPlaceholders),
	)

	return NewEngine(detector, opts...), nil
}

// Categories returns the categories this engine detects, in priority order.
func (e *Engine) Categories() []Category {
	return e.detector.Categories()
}

// Anonymize replaces every detected fragment of text with a placeholder,
// recording new originals in m. Originals already present in m reuse their
// placeholder without advancing the counter. Empty text or a nil mapping
// leaves text unchanged.
func (e *Engine) Anonymize(text string, m *Mapping) string {
	if text == "" || m == nil {
		return text
	}
	return e.substitute(text, m, nil)
}

// AnonymizeValue anonymizes v when it is a string; anything else, nil
// included, is returned as is.
func (e *Engine) AnonymizeValue(v any, m *Mapping) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return e.Anonymize(s, m)
}

// Detect reports the fragments Anonymize would replace, in the order they
// are produced. Positions refer to the text as it stood when the match's
// category ran.
func (e *Engine) Detect(text string) []Match {
	if text == "" {
		return nil
	}
	var found []Match
	e.substitute(text, NewMapping(), func(match Match) {
		found = append(found, match)
	})
	return found
}

// Deanonymize restores originals for every placeholder of rm found in text.
// Placeholders are matched literally; unknown ones are left untouched.
func (e *Engine) Deanonymize(text string, rm *ReverseMapping) string {
	if rm == nil {
		return text
	}
	return rm.restore(text)
}

// DeanonymizeValue restores v when it is a string and returns anything
// else unchanged.
func (e *Engine) DeanonymizeValue(v any, rm *ReverseMapping) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return e.Deanonymize(s, rm)
}

// substitute runs each matcher over the whole text in priority order,
// splicing placeholders in before the next matcher runs. The input string is
// never modified; a new string is built per category.
//
// Issued placeholders are masked before each later matcher runs, so no match
// can begin or end inside one. A match may still swallow whole placeholders
// (a URL around an already replaced email); resolve maps those back to the
// original text. A match from a custom matcher that cuts through a
// placeholder is skipped.
func (e *Engine) substitute(text string, m *Mapping, visit func(Match)) string {
	result := text
	var issued []span
	for _, matcher := range e.detector.matchers {
		matches := matcher.FindAll(mask(result, issued))
		if len(matches) == 0 {
			continue
		}

		var (
			b    strings.Builder
			next []span
			last int
			k    int
		)
		b.Grow(len(result))
		for _, match := range matches {
			if match.Start < last || cuts(issued[k:], match) {
				continue
			}

			delta := b.Len() - last
			for ; k < len(issued) && issued[k].end <= match.Start; k++ {
				next = append(next, issued[k].shift(delta))
			}
			// Placeholders inside the match are replaced along with it
			for k < len(issued) && issued[k].start < match.End {
				k++
			}

			original := m.resolve(result[match.Start:match.End])
			if visit != nil {
				visit(Match{Category: match.Category, Text: original, Start: match.Start, End: match.End})
			}
			b.WriteString(result[last:match.Start])
			start := b.Len()
			b.WriteString(m.assign(original, matcher.Category(), e.render))
			next = append(next, span{start: start, end: b.Len()})
			last = match.End
		}

		delta := b.Len() - last
		for ; k < len(issued); k++ {
			next = append(next, issued[k].shift(delta))
		}
		b.WriteString(result[last:])
		result = b.String()
		issued = next
	}
	return result
}

// span is the byte range of an issued placeholder in the working text
type span struct {
	start, end int
}

func (s span) shift(delta int) span {
	return span{start: s.start + delta, end: s.end + delta}
}

// cuts reports whether match overlaps a placeholder without covering it
// whole. spans are sorted and do not overlap.
func cuts(spans []span, match Match) bool {
	for _, s := range spans {
		if s.start >= match.End {
			return false
		}
		if s.end <= match.Start {
			continue
		}
		if s.start < match.Start || s.end > match.End {
			return true
		}
	}
	return false
}

// maskByte never occurs in a placeholder and is matched by no pattern except
// the non-space run of a URL.
const maskByte = 0x00

// mask blanks the issued placeholders of text, keeping byte offsets intact.
func mask(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	b := []byte(text)
	for _, s := range spans {
		for i := s.start; i < s.end; i++ {
			b[i] = maskByte
		}
	}
	return string(b)
}

// render builds the placeholder for the n-th new original of a category.
func (e *Engine) render(category Category, n int) string {
	switch category {
	case CategoryEmail:
		return fmt.Sprintf("user%d@example.com", n)
	case CategoryFullName, CategoryAddress:
		return fmt.Sprintf("[REDACTED_%d]", n)
	}

	shape, ok := constantShapes[category]
	if !ok {
		return fmt.Sprintf("[REDACTED_%d]", n)
	}
	if e.legacyConstants {
		return shape
	}
	return fmt.Sprintf("%s#%d", shape, n)
}
