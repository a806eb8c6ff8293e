package export

import (
	"fmt"
	"html"
	"strings"

	"redpen/api/internal/annotate"
)

// AnnotatedHTML renders submission text with its annotations as HTML.
// Highlighted spans become <mark> elements carrying the annotation color and a
// footnote-style reference number that matches the annotation list below the
// text.
func AnnotatedHTML(value string, annotations []annotate.Annotation) string {
	text := annotate.NewText(value)
	segments := annotate.Render(text, annotations, "")
	paragraphs := annotate.Paragraphs(segments)

	refs := annotationRefs(segments)

	var b strings.Builder
	for _, paragraph := range paragraphs {
		b.WriteString("<p>")
		for _, seg := range paragraph {
			escaped := html.EscapeString(seg.Value)
			if seg.Kind == annotate.KindHighlight && seg.Annotation != nil {
				ref := refs[seg.Annotation.ID]
				fmt.Fprintf(&b, `<mark style="background-color: %s">%s<sup>%d</sup></mark>`,
					html.EscapeString(seg.Annotation.Color), escaped, ref)
			} else {
				b.WriteString(escaped)
			}
		}
		b.WriteString("</p>\n")
	}
	return b.String()
}

// annotationRefs assigns footnote numbers in display order. An annotation that
// spans a paragraph break renders as multiple highlight segments but keeps a
// single number.
func annotationRefs(segments []annotate.Segment) map[string]int {
	refs := make(map[string]int)
	next := 1
	for _, seg := range segments {
		if seg.Kind != annotate.KindHighlight || seg.Annotation == nil {
			continue
		}
		if _, ok := refs[seg.Annotation.ID]; ok {
			continue
		}
		refs[seg.Annotation.ID] = next
		next++
	}
	return refs
}
