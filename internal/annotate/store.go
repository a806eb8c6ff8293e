package annotate

import (
	"errors"
	"sort"
	"time"

	"redpen/api/internal/util"
)

var (
	// ErrInvalidRange rejects an annotation whose offsets are not a valid
	// sub-range of the current canonical text.
	ErrInvalidRange = errors.New("annotation range invalid")
	// ErrNotFound signals an unknown annotation id. Ids legitimately go stale
	// after ReplaceAll, so callers usually treat this as a no-op.
	ErrNotFound = errors.New("annotation not found")
	// ErrStaleText rejects a bulk update captured against a canonical text
	// that has since been replaced.
	ErrStaleText = errors.New("canonical text changed")
)

// Candidate is one proposed annotation range, used for bulk inserts from the
// AI-suggestion collaborator.
type Candidate struct {
	Start int    `json:"startOffset"`
	End   int    `json:"endOffset"`
	Body  string `json:"text"`
}

// Store holds the annotations for one canonical text. It is not safe for
// concurrent use; the hosting service serializes access per review session.
type Store struct {
	text     Text
	items    []Annotation
	colorSeq int

	now   func() time.Time
	newID func() string
}

func NewStore(text Text) *Store {
	return &Store{
		text:  text,
		now:   time.Now,
		newID: func() string { return util.NewID("ann") },
	}
}

func (s *Store) Text() Text { return s.text }

func (s *Store) Len() int { return len(s.items) }

// Reset replaces the canonical text and discards every annotation. Offsets
// recorded against the old text are meaningless against the new one.
func (s *Store) Reset(text Text) {
	s.text = text
	s.items = nil
}

// Add appends a new annotation over [start, end) and returns it.
func (s *Store) Add(start, end int, body, author string, provenance Provenance) (Annotation, error) {
	if !s.text.validRange(start, end) {
		return Annotation{}, ErrInvalidRange
	}
	ann := Annotation{
		ID:         s.newID(),
		Start:      start,
		End:        end,
		Body:       body,
		Author:     author,
		Provenance: provenance,
		Color:      palette[s.colorSeq%len(palette)],
		CreatedAt:  s.now(),
	}
	s.colorSeq++
	s.items = append(s.items, ann)
	return ann, nil
}

// AddMany inserts a batch of candidates. Candidates with invalid ranges are
// dropped silently; the batch never fails as a whole. Returns the annotations
// actually added.
func (s *Store) AddMany(candidates []Candidate, author string, provenance Provenance) []Annotation {
	added := make([]Annotation, 0, len(candidates))
	for _, c := range candidates {
		ann, err := s.Add(c.Start, c.End, c.Body, author, provenance)
		if err != nil {
			continue
		}
		added = append(added, ann)
	}
	return added
}

// ApplySuggestions is AddMany guarded by a staleness check: version must match
// the current canonical text or nothing is applied. The store is only ever
// mutated atomically, after the check passes.
func (s *Store) ApplySuggestions(version string, candidates []Candidate, author string) ([]Annotation, error) {
	if version != s.text.Version() {
		return nil, ErrStaleText
	}
	return s.AddMany(candidates, author, ProvenanceAI), nil
}

// Update replaces the body of the annotation with the given id. Offsets,
// author and creation time are immutable.
func (s *Store) Update(id, body string) (Annotation, error) {
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Body = body
			return s.items[i], nil
		}
	}
	return Annotation{}, ErrNotFound
}

// Remove deletes the annotation with the given id and reports whether it was
// present. Removing an absent id is a no-op, not an error.
func (s *Store) Remove(id string) bool {
	for i := range s.items {
		if s.items[i].ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// All returns the annotations in display order: start offset ascending, ties
// broken by creation time ascending, remaining ties by insertion order.
func (s *Store) All() []Annotation {
	out := make([]Annotation, len(s.items))
	copy(out, s.items)
	sortAnnotations(out)
	return out
}

// ReplaceAll swaps the store contents wholesale, as after a server round-trip
// that reassigned ids. Every entry must be valid against the current text.
// Entries without a local id get a fresh one.
func (s *Store) ReplaceAll(annotations []Annotation) error {
	for _, ann := range annotations {
		if !s.text.validRange(ann.Start, ann.End) {
			return ErrInvalidRange
		}
	}
	items := make([]Annotation, len(annotations))
	copy(items, annotations)
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = s.newID()
		}
		if items[i].Color == "" {
			items[i].Color = palette[s.colorSeq%len(palette)]
			s.colorSeq++
		}
	}
	s.items = items
	return nil
}

// Resolve finds an annotation by content match, for callers that tracked an
// annotation across ReplaceAll and lost its id. When several annotations
// share the same offsets and body, the first in display order wins.
func (s *Store) Resolve(start, end int, body string) (Annotation, bool) {
	for _, ann := range s.All() {
		if ann.Start == start && ann.End == end && ann.Body == body {
			return ann, true
		}
	}
	return Annotation{}, false
}

func sortAnnotations(items []Annotation) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Start != items[j].Start {
			return items[i].Start < items[j].Start
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
