package privacy

import "errors"

// Category names a kind of personally identifiable fragment
type Category string

const (
	CategoryEmail      Category = "email"
	CategoryPhone      Category = "phone"
	CategoryFullName   Category = "full_name"
	CategoryAddress    Category = "address"
	CategoryNationalID Category = "national_id"
	CategoryIPv4       Category = "ipv4"
	CategoryURL        Category = "url"
)

// Match is a single detected fragment. Start and End are byte offsets into
// the text the matcher was run against.
type Match struct {
	Category Category `json:"category"`
	Text     string   `json:"text"`
	Start    int      `json:"position"`
	End      int      `json:"-"`
}

// Matcher finds fragments of one category. FindAll must return
// non-overlapping matches ordered by Start.
type Matcher interface {
	Category() Category
	FindAll(text string) []Match
}

// Entry is one row of a Mapping
type Entry struct {
	Original    string   `json:"original"`
	Placeholder string   `json:"placeholder"`
	Category    Category `json:"category,omitempty"`
}

var (
	// ErrPlaceholderCollision is returned when two originals share a placeholder
	ErrPlaceholderCollision = errors.New("placeholder collision")
	// ErrEmptyPlaceholder is returned when a mapping entry has no placeholder
	ErrEmptyPlaceholder = errors.New("empty placeholder")
	// ErrUnknownDetector is returned for detector names that do not exist
	ErrUnknownDetector = errors.New("unknown detector")
)
