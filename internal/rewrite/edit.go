package rewrite

import (
	"cmp"
	"slices"
	"strings"
)

// edit replaces src[start:end] with text. start == end is an insertion.
type edit struct {
	start, end int
	text       string
}

// applyEdits applies non-overlapping edits to src in a single pass.
func applyEdits(src string, edits []edit) string {
	if len(edits) == 0 {
		return src
	}
	slices.SortStableFunc(edits, func(a, b edit) int { return cmp.Compare(a.start, b.start) })

	var b strings.Builder
	grow := len(src)
	for _, e := range edits {
		grow += len(e.text)
	}
	b.Grow(grow)

	last := 0
	for _, e := range edits {
		if e.start < last {
			// Overlapping edit; keep the first one.
			continue
		}
		b.WriteString(src[last:e.start])
		b.WriteString(e.text)
		last = e.end
	}
	b.WriteString(src[last:])
	return b.String()
}
