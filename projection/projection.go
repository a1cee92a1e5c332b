// Package projection derives presentation rows from a collection's loaded
// items. It filters only what the client already holds; it is not search.
package projection

import (
	"slices"
	"strings"
)

// Projector filters and sorts items of one entity type.
type Projector[T any] struct {
	// Fields lists the text a filter is matched against.
	Fields func(T) []string
	// Less, when set, sorts the result stably.
	Less func(a, b T) bool
}

// Project returns the items whose fields contain text, case-insensitively.
// Blank text keeps every item. The input slice is never modified.
func (p Projector[T]) Project(items []T, text string) []T {
	needle := strings.ToLower(strings.TrimSpace(text))
	out := make([]T, 0, len(items))
	for _, item := range items {
		if needle == "" || p.matches(item, needle) {
			out = append(out, item)
		}
	}
	if p.Less != nil {
		slices.SortStableFunc(out, func(a, b T) int {
			switch {
			case p.Less(a, b):
				return -1
			case p.Less(b, a):
				return 1
			default:
				return 0
			}
		})
	}
	return out
}

func (p Projector[T]) matches(item T, needle string) bool {
	if p.Fields == nil {
		return true
	}
	for _, field := range p.Fields(item) {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}
