package annotate

import "strings"

// SegmentKind distinguishes plain text runs from highlighted runs.
type SegmentKind string

const (
	KindText      SegmentKind = "text"
	KindHighlight SegmentKind = "highlight"
)

// Segment is one contiguous run of canonical text produced for display.
// Annotation is nil for plain text segments.
type Segment struct {
	Kind       SegmentKind `json:"kind"`
	Value      string      `json:"value"`
	Annotation *Annotation `json:"annotation,omitempty"`
	Active     bool        `json:"isActive,omitempty"`
}

// Render partitions the canonical text into an ordered segment sequence. It is
// a pure function: identical inputs produce structurally identical output, and
// concatenating every segment value reproduces the text exactly.
//
// Overlaps resolve with a single advancing cursor: the earliest-starting
// (then earliest-created) annotation claims the overlapped region, and a later
// overlapping annotation only highlights its tail past the cursor. An
// annotation wholly behind the cursor produces no segment.
func Render(text Text, annotations []Annotation, activeID string) []Segment {
	sorted := make([]Annotation, len(annotations))
	copy(sorted, annotations)
	sortAnnotations(sorted)

	var segments []Segment
	cursor := 0
	for i := range sorted {
		ann := sorted[i]
		if !text.validRange(ann.Start, ann.End) || ann.End <= cursor {
			continue
		}
		if ann.Start > cursor {
			segments = append(segments, Segment{Kind: KindText, Value: text.Slice(cursor, ann.Start)})
		}
		from := ann.Start
		if cursor > from {
			from = cursor
		}
		segments = append(segments, Segment{
			Kind:       KindHighlight,
			Value:      text.Slice(from, ann.End),
			Annotation: &sorted[i],
			Active:     activeID != "" && (ann.ID == activeID || ann.DurableID == activeID),
		})
		cursor = ann.End
	}
	if cursor < text.Len() {
		segments = append(segments, Segment{Kind: KindText, Value: text.Slice(cursor, text.Len())})
	}
	return segments
}

// Paragraphs regroups segments into lines for layout, splitting segment values
// on newline characters. Offsets are untouched; joining the groups with "\n"
// and concatenating restores the rendered text.
func Paragraphs(segments []Segment) [][]Segment {
	groups := [][]Segment{{}}
	for _, seg := range segments {
		parts := strings.Split(seg.Value, "\n")
		for i, part := range parts {
			if i > 0 {
				groups = append(groups, []Segment{})
			}
			if part == "" {
				continue
			}
			piece := seg
			piece.Value = part
			last := len(groups) - 1
			groups[last] = append(groups[last], piece)
		}
	}
	return groups
}
