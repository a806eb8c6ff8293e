package annotate

import "time"

// Provenance records whether an annotation came from a human reviewer or the
// AI-suggestion collaborator.
type Provenance string

const (
	ProvenanceHuman Provenance = "human"
	ProvenanceAI    Provenance = "ai-suggested"
)

// Annotation is a comment anchored to a half-open rune range [Start, End) of
// the canonical text. ID is engine-local and never reused; DurableID is
// assigned by the backend after a save and may be empty.
type Annotation struct {
	ID         string     `json:"id"`
	DurableID  string     `json:"durableId,omitempty"`
	Start      int        `json:"startOffset"`
	End        int        `json:"endOffset"`
	Body       string     `json:"body"`
	Author     string     `json:"author"`
	Provenance Provenance `json:"provenance"`
	Color      string     `json:"displayColor"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// palette holds the highlight colors cycled through at creation. The colors
// are cosmetic; the cycling order is fixed so tests are reproducible.
var palette = []string{
	"#fde68a",
	"#bbf7d0",
	"#bfdbfe",
	"#fbcfe8",
	"#ddd6fe",
	"#fed7aa",
}
