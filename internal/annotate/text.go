// Package annotate implements the span-annotation engine used by submission
// review: a canonical plain-text string, a store of offset-anchored
// annotations, a deterministic segment renderer, and a selection-to-offset
// mapper. Offsets are rune offsets into the canonical text.
package annotate

import (
	"crypto/sha1"
	"encoding/hex"
)

// Text is the canonical text for one review session. It is immutable; loading
// a different submission replaces it wholesale via Store.Reset.
type Text struct {
	value   string
	runes   []rune
	version string
}

func NewText(value string) Text {
	sum := sha1.Sum([]byte(value))
	return Text{
		value:   value,
		runes:   []rune(value),
		version: hex.EncodeToString(sum[:]),
	}
}

func (t Text) String() string { return t.value }

// Len reports the length in runes, the unit all annotation offsets use.
func (t Text) Len() int { return len(t.runes) }

// Version identifies the content. Async responses captured against an older
// version must be discarded before they touch the store.
func (t Text) Version() string { return t.version }

// Slice returns the substring covering the half-open rune range [start, end).
// Callers are expected to pass validated offsets.
func (t Text) Slice(start, end int) string {
	return string(t.runes[start:end])
}

func (t Text) validRange(start, end int) bool {
	return start >= 0 && start < end && end <= len(t.runes)
}
