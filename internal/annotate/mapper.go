package annotate

import "strings"

// Point locates a selection anchor inside the rendered view: the index of the
// rendered fragment it falls in, and the rune offset within that fragment.
type Point struct {
	Fragment int `json:"fragment"`
	Offset   int `json:"offset"`
}

// Range is a half-open rune offset pair into the canonical text.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// FragmentValues extracts the rendered fragment contents from a segment
// sequence, in display order. Concatenated they equal the canonical text,
// which is what makes selection mapping independent of how many highlight
// boundaries the renderer introduced.
func FragmentValues(segments []Segment) []string {
	values := make([]string, len(segments))
	for i, seg := range segments {
		values[i] = seg.Value
	}
	return values
}

// MapSelection converts a selection anchored at anchor, covering selected,
// into canonical offsets. The start offset is the rune count of everything
// rendered before the anchor; the end is start plus the selection's rune
// length, so a selection spanning several fragments maps the same as one
// inside a single fragment.
//
// Returns ok=false for empty or whitespace-only selections, anchors outside
// the view, selections running past the end of the text, or selections whose
// content does not match the canonical text at the computed range. It never
// panics.
func MapSelection(fragments []string, anchor Point, selected string) (Range, bool) {
	if strings.TrimSpace(selected) == "" {
		return Range{}, false
	}
	if anchor.Fragment < 0 || anchor.Fragment >= len(fragments) || anchor.Offset < 0 {
		return Range{}, false
	}

	var full strings.Builder
	for _, fragment := range fragments {
		full.WriteString(fragment)
	}
	canonical := []rune(full.String())

	start := 0
	for i := 0; i < anchor.Fragment; i++ {
		start += len([]rune(fragments[i]))
	}
	if anchor.Offset > len([]rune(fragments[anchor.Fragment])) {
		return Range{}, false
	}
	start += anchor.Offset

	end := start + len([]rune(selected))
	if end > len(canonical) {
		return Range{}, false
	}
	if string(canonical[start:end]) != selected {
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}
