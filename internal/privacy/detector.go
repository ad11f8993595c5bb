package privacy

import (
	"fmt"
	"regexp"
)

// Street-type keywords accepted by the address matcher
const streetKeywords = `(?:улица|ул\.|проспект|пр-т|пр\.|переулок|пер\.|бульвар|б-р|шоссе|площадь|пл\.|набережная|наб\.)`

// regexMatcher is a Matcher backed by one compiled expression
type regexMatcher struct {
	category Category
	pattern  *regexp.Regexp
}

// NewRegexMatcher returns a Matcher for the given category and expression.
func NewRegexMatcher(category Category, expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile %s pattern: %w", category, err)
	}
	return &regexMatcher{category: category, pattern: re}, nil
}

func (m *regexMatcher) Category() Category {
	return m.category
}

func (m *regexMatcher) FindAll(text string) []Match {
	locs := m.pattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	matches := make([]Match, 0, len(locs))
	for _, loc := range locs {
		matches = append(matches, Match{
			Category: m.category,
			Text:     text[loc[0]:loc[1]],
			Start:    loc[0],
			End:      loc[1],
		})
	}
	return matches
}

// defaultRules lists the built-in categories in priority order.
var defaultRules = []struct {
	category Category
	expr     string
}{
	{CategoryEmail, `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`},
	{CategoryPhone, `(?:\+7|\b8)[ \t\-]?\(?\d{3}\)?[ \t\-]?\d{3}[ \t\-]?\d{2}[ \t\-]?\d{2}\b`},
	{CategoryFullName, `[А-ЯЁ][а-яё]+[ \t]+[А-ЯЁ][а-яё]+`},
	{CategoryAddress, `(?:[А-ЯЁ][а-яё]+[ \t]+` + streetKeywords + `|` + streetKeywords + `[ \t]*[А-ЯЁ][а-яё]+)` +
		`(?:[ \t]*,?[ \t]*(?:д\.|дом|корп\.|к\.|стр\.|кв\.|квартира)?[ \t]*\d+[а-яА-Я]?(?:/\d+)?)*`},
	{CategoryNationalID, `\b\d{10,12}\b`},
	{CategoryIPv4, `\b(?:\d{1,3}\.){3}\d{1,3}\b`},
	{CategoryURL, `https?://\S+`},
}

// compiledDefaults is immutable after init and safe for concurrent use
var compiledDefaults = func() []Matcher {
	matchers := make([]Matcher, 0, len(defaultRules))
	for _, rule := range defaultRules {
		matchers = append(matchers, &regexMatcher{
			category: rule.category,
			pattern:  regexp.MustCompile(rule.expr),
		})
	}
	return matchers
}()

// DefaultMatchers returns the built-in matchers in priority order:
// email, phone, full name, address, national ID, IPv4, URL.
func DefaultMatchers() []Matcher {
	out := make([]Matcher, len(compiledDefaults))
	copy(out, compiledDefaults)
	return out
}

// Detector applies an ordered list of matchers. Earlier matchers win:
// the engine substitutes each category over the whole text before the next
// category runs, so a later matcher never sees an earlier match.
type Detector struct {
	matchers []Matcher
}

// NewDetector builds a detector from the given matchers. With no matchers
// it uses DefaultMatchers.
func NewDetector(matchers ...Matcher) *Detector {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Detector{matchers: matchers}
}

// NewDetectorFor builds a detector limited to the named categories, keeping
// the default priority order. "all" enables every category.
func NewDetectorFor(names []string) (*Detector, error) {
	enabled := make(map[Category]bool, len(names))
	for _, name := range names {
		if name == "all" {
			return NewDetector(), nil
		}
		found := false
		for _, rule := range defaultRules {
			if string(rule.category) == name {
				enabled[rule.category] = true
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDetector, name)
		}
	}

	var matchers []Matcher
	for _, m := range compiledDefaults {
		if enabled[m.Category()] {
			matchers = append(matchers, m)
		}
	}
	return &Detector{matchers: matchers}, nil
}

// Categories returns the enabled categories in priority order.
func (d *Detector) Categories() []Category {
	out := make([]Category, 0, len(d.matchers))
	for _, m := range d.matchers {
		out = append(out, m.Category())
	}
	return out
}
