package privacy

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const scenario = "Свяжитесь со мной по email ivan@example.org или телефону +7 (495) 123-45-67"

func roundTrip(t *testing.T, e *Engine, text string) (string, *Mapping) {
	t.Helper()
	m := NewMapping()
	anonymized := e.Anonymize(text, m)
	rm, err := m.Reverse()
	require.NoError(t, err)
	assert.Equal(t, text, e.Deanonymize(anonymized, rm))
	return anonymized, m
}

func TestAnonymizeScenario(t *testing.T) {
	e := NewEngine(nil)

	anonymized, m := roundTrip(t, e, scenario)

	assert.Contains(t, anonymized, "user1@example.com")
	assert.Contains(t, anonymized, "+7 (XXX) XXX-XX-XX")
	assert.NotContains(t, anonymized, "ivan@example.org")
	assert.NotContains(t, anonymized, "495")
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 3, m.Counter())
}

func TestAnonymizeCategories(t *testing.T) {
	e := NewEngine(nil)

	tests := []struct {
		name        string
		text        string
		original    string
		placeholder string
	}{
		{"email", "пишите на anna.k@mail.ru", "anna.k@mail.ru", "user1@example.com"},
		{"phone with plus", "звоните +7 (916) 555-12-34 вечером", "+7 (916) 555-12-34", "+7 (XXX) XXX-XX-XX#1"},
		{"phone with eight", "тел. 8 916 123 45 67", "8 916 123 45 67", "+7 (XXX) XXX-XX-XX#1"},
		{"full name", "клиент Иван Петров оплатил", "Иван Петров", "[REDACTED_1]"},
		{"address", "доставка: Тверская улица, д. 12", "Тверская улица, д. 12", "[REDACTED_1]"},
		{"address keyword first", "офис на ул. Ленина, д. 5, кв. 7", "ул. Ленина, д. 5, кв. 7", "[REDACTED_1]"},
		{"national id", "ИНН 7707083893 указан", "7707083893", "XXXXXXXXXXXX#1"},
		{"ipv4", "сервер 192.168.10.1 недоступен", "192.168.10.1", "XXX.XXX.XXX.XXX#1"},
		{"url", "см. https://portal.example.org/u/42", "https://portal.example.org/u/42", "https://example.com#1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anonymized, m := roundTrip(t, e, tt.text)

			placeholder, ok := m.Placeholder(tt.original)
			require.True(t, ok, "original %q not mapped; entries: %+v", tt.original, m.Entries())
			assert.Equal(t, tt.placeholder, placeholder)
			assert.NotContains(t, anonymized, tt.original)
			assert.Contains(t, anonymized, tt.placeholder)
		})
	}
}

func TestAnonymizeIdempotentWithinCall(t *testing.T) {
	e := NewEngine(nil)
	m := NewMapping()

	out := e.Anonymize("ivan@example.org, повторяю: ivan@example.org", m)

	assert.Equal(t, "user1@example.com, повторяю: user1@example.com", out)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 2, m.Counter())

	// same original in a later call against the same mapping reuses it
	out = e.Anonymize("и ещё ivan@example.org", m)
	assert.Equal(t, "и ещё user1@example.com", out)
	assert.Equal(t, 2, m.Counter())
}

func TestAnonymizeEmptyAndNonString(t *testing.T) {
	e := NewEngine(nil)
	m := NewMapping()

	assert.Equal(t, "", e.Anonymize("", m))
	assert.Nil(t, e.AnonymizeValue(nil, m))
	assert.Equal(t, 42, e.AnonymizeValue(42, m))
	assert.Equal(t, "нет данных", e.Anonymize("нет данных", nil))
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 1, m.Counter())
}

func TestAnonymizeDoesNotRedetectPlaceholders(t *testing.T) {
	e := NewEngine(nil)

	text := "профиль https://site.example.org/?mail=ivan@example.org"
	anonymized, m := roundTrip(t, e, text)

	assert.Equal(t, "профиль https://example.com#2", anonymized)
	require.Equal(t, 2, m.Len())
	entries := m.Entries()
	assert.Equal(t, CategoryEmail, entries[0].Category)
	assert.Equal(t, "https://site.example.org/?mail=ivan@example.org", entries[1].Original)
}

func TestAnonymizeNeverMatchesInsidePlaceholders(t *testing.T) {
	e := NewEngine(nil)

	tests := []struct {
		name     string
		text     string
		expected string
		entries  int
	}{
		{
			name:     "national id followed by dotted digits",
			text:     "счет 1234567890.1.2.3 конец",
			expected: "счет XXXXXXXXXXXX#1.1.2.3 конец",
			entries:  1,
		},
		{
			name:     "phone followed by dotted digits",
			text:     "тел +7 (495) 123-45-67.10.20.30 конец",
			expected: "тел +7 (XXX) XXX-XX-XX#1.10.20.30 конец",
			entries:  1,
		},
		{
			name:     "national id glued to an address",
			text:     "id 1234567890.192.168.1.1",
			expected: "id XXXXXXXXXXXX#1.XXX.XXX.XXX.XXX#2",
			entries:  2,
		},
		{
			name:     "url around a phone placeholder",
			text:     "ссылка https://a.example.ru/?q=+79161234567 тут",
			expected: "ссылка https://example.com#2 тут",
			entries:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anonymized, m := roundTrip(t, e, tt.text)
			assert.Equal(t, tt.expected, anonymized)
			assert.Equal(t, tt.entries, m.Len())
			for _, entry := range m.Entries() {
				assert.NotContains(t, entry.Original, "XXX", "mapping keyed by a placeholder fragment")
			}
		})
	}
}

func TestDistinctConstantCategoryOriginalsRoundTrip(t *testing.T) {
	e := NewEngine(nil)

	var parts []string
	for i := 1; i <= 12; i++ {
		parts = append(parts, fmt.Sprintf("10.0.0.%d", i))
	}
	text := "узлы: " + strings.Join(parts, ", ")

	anonymized, m := roundTrip(t, e, text)

	assert.Equal(t, 12, m.Len())
	assert.Contains(t, anonymized, "XXX.XXX.XXX.XXX#1,")
	assert.Contains(t, anonymized, "XXX.XXX.XXX.XXX#12")
}

func TestTwoPhonesRoundTrip(t *testing.T) {
	e := NewEngine(nil)

	text := "основной +7 (495) 123-45-67, запасной +7 (495) 765-43-21"
	anonymized, m := roundTrip(t, e, text)

	assert.Equal(t, "основной +7 (XXX) XXX-XX-XX#1, запасной +7 (XXX) XXX-XX-XX#2", anonymized)
	assert.Equal(t, 2, m.Len())
}

func TestLegacyConstantPlaceholdersReportCollision(t *testing.T) {
	e := NewEngine(nil, WithLegacyConstantPlaceholders())
	m := NewMapping()

	out := e.Anonymize("основной +7 (495) 123-45-67, запасной +7 (495) 765-43-21", m)
	assert.Equal(t, "основной +7 (XXX) XXX-XX-XX, запасной +7 (XXX) XXX-XX-XX", out)
	assert.Equal(t, 2, m.Len())

	_, err := m.Reverse()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlaceholderCollision)
}

func TestDeanonymizeIgnoresUnknownPlaceholders(t *testing.T) {
	e := NewEngine(nil)
	m := NewMapping()
	m.Add("ivan@example.org", "user1@example.com")
	rm, err := m.Reverse()
	require.NoError(t, err)

	out := e.Deanonymize("user1@example.com и user7@example.com и [REDACTED_3]", rm)
	assert.Equal(t, "ivan@example.org и user7@example.com и [REDACTED_3]", out)
}

func TestDeanonymizeEscapesRegexMetacharacters(t *testing.T) {
	e := NewEngine(nil)
	m := NewMapping()
	m.Add("secret", "a.b*c(1)")
	rm, err := m.Reverse()
	require.NoError(t, err)

	assert.Equal(t, "x secret y aXb*c(1)", e.Deanonymize("x a.b*c(1) y aXb*c(1)", rm))
}

func TestDetectReportsPriorityOrder(t *testing.T) {
	e := NewEngine(nil)

	matches := e.Detect("https://x.example.org и ivan@example.org, 10.1.1.1")

	require.Len(t, matches, 3)
	assert.Equal(t, CategoryEmail, matches[0].Category)
	assert.Equal(t, CategoryIPv4, matches[1].Category)
	assert.Equal(t, CategoryURL, matches[2].Category)
	assert.Equal(t, "ivan@example.org", matches[0].Text)
}

func TestNewDetectorFor(t *testing.T) {
	t.Run("subset keeps priority order", func(t *testing.T) {
		d, err := NewDetectorFor([]string{"url", "email"})
		require.NoError(t, err)
		assert.Equal(t, []Category{CategoryEmail, CategoryURL}, d.Categories())
	})

	t.Run("unknown detector", func(t *testing.T) {
		_, err := NewDetectorFor([]string{"email", "passport"})
		assert.ErrorIs(t, err, ErrUnknownDetector)
	})

	t.Run("custom matcher", func(t *testing.T) {
		matcher, err := NewRegexMatcher("ticket", `TICKET-\d+`)
		require.NoError(t, err)
		e := NewEngine(NewDetector(matcher))

		m := NewMapping()
		assert.Equal(t, "see [REDACTED_1]", e.Anonymize("see TICKET-991", m))
	})
}

func TestNewFromConfig(t *testing.T) {
	log := &logger.Logger{Logger: zap.NewNop()}

	e, err := New(config.PrivacyConfig{Detectors: []string{"all"}, LegacyConstantPlaceholders: true}, log)
	require.NoError(t, err)
	assert.Len(t, e.Categories(), 7)

	m := NewMapping()
	assert.Equal(t, "ip XXX.XXX.XXX.XXX", e.Anonymize("ip 8.8.8.8", m))

	_, err = New(config.PrivacyConfig{Detectors: []string{"nope"}}, log)
	assert.Error(t, err)
}

func TestConcurrentRequestsStayIsolated(t *testing.T) {
	e := NewEngine(nil)

	const workers = 32
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("user%d пишет с client%d@corp.example.org", i, i)

			m := NewMapping()
			anonymized := e.Anonymize(text, m)
			if m.Len() != 1 {
				errs <- fmt.Errorf("worker %d: mapping has %d entries", i, m.Len())
				return
			}
			if !strings.Contains(anonymized, "user1@example.com") {
				errs <- fmt.Errorf("worker %d: unexpected numbering in %q", i, anonymized)
				return
			}
			rm, err := m.Reverse()
			if err != nil {
				errs <- err
				return
			}
			if restored := e.Deanonymize(anonymized, rm); restored != text {
				errs <- fmt.Errorf("worker %d: restored %q", i, restored)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
