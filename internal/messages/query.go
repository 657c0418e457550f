package messages

import (
	"bytes"
	"sort"
	"strings"

	"github.com/aura-guestbook/backend/internal/apperr"
	"github.com/aura-guestbook/backend/internal/models"
)

// Filter selects messages by lifecycle state.
type Filter string

const (
	FilterActive    Filter = "all"
	FilterFavorites Filter = "favorites"
	FilterTrashed   Filter = "trash"
)

// ParseFilter accepts "", "all", "favorites" and "trash".
func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(s))) {
	case "", FilterActive:
		return FilterActive, nil
	case FilterFavorites:
		return FilterFavorites, nil
	case FilterTrashed:
		return FilterTrashed, nil
	}
	return "", apperr.Newf(apperr.KindValidation, "unknown filter %q", s)
}

// Matches reports whether m belongs in the filtered set.
func (f Filter) Matches(m *models.Message) bool {
	switch f {
	case FilterFavorites:
		return !m.IsDeleted && m.IsFavorite
	case FilterTrashed:
		return m.IsDeleted
	default:
		return !m.IsDeleted
	}
}

// Sort orders a listing.
type Sort string

const (
	SortNewest   Sort = "newest"
	SortOldest   Sort = "oldest"
	SortLongest  Sort = "longest"
	SortShortest Sort = "shortest"
)

// ParseSort defaults to newest.
func ParseSort(s string) (Sort, error) {
	switch Sort(strings.ToLower(strings.TrimSpace(s))) {
	case "", SortNewest:
		return SortNewest, nil
	case SortOldest:
		return SortOldest, nil
	case SortLongest:
		return SortLongest, nil
	case SortShortest:
		return SortShortest, nil
	}
	return "", apperr.Newf(apperr.KindValidation, "unknown sort %q", s)
}

// Query is a listing request.
type Query struct {
	Filter Filter
	Search string
	Tags   []string
	Sort   Sort
}

// Apply narrows list by search text and tags and sorts it. The input slice is not modified.
func Apply(list []models.Message, q Query) []models.Message {
	search := strings.ToLower(strings.TrimSpace(q.Search))
	out := make([]models.Message, 0, len(list))
	for i := range list {
		m := &list[i]
		if !q.Filter.Matches(m) {
			continue
		}
		if search != "" && !matchesSearch(m, search) {
			continue
		}
		if len(q.Tags) > 0 && !hasAnyTag(m, q.Tags) {
			continue
		}
		out = append(out, *m)
	}
	sortMessages(out, q.Sort)
	return out
}

func matchesSearch(m *models.Message, needle string) bool {
	return strings.Contains(strings.ToLower(m.DisplayName()), needle) ||
		strings.Contains(strings.ToLower(m.Notes), needle)
}

// hasAnyTag is OR semantics: one selected tag is enough.
func hasAnyTag(m *models.Message, selected []string) bool {
	for _, want := range selected {
		for _, have := range m.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// sortMessages breaks ties by message id so equal timestamps or durations order the same every time.
func sortMessages(list []models.Message, s Sort) {
	less := func(a, b *models.Message) int {
		switch s {
		case SortOldest:
			return a.Timestamp().Compare(b.Timestamp())
		case SortLongest:
			return b.DurationSeconds - a.DurationSeconds
		case SortShortest:
			return a.DurationSeconds - b.DurationSeconds
		default:
			return b.Timestamp().Compare(a.Timestamp())
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if c := less(&list[i], &list[j]); c != 0 {
			return c < 0
		}
		return bytes.Compare(list[i].ID[:], list[j].ID[:]) < 0
	})
}
