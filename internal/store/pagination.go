package store

import (
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// Order is the direction a page walks the id sequence.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

const (
	DefaultJobsLimit     = 10
	DefaultPackagesLimit = 100
	MaxPageLimit         = 1000
)

var ErrInvalidPage = errors.New("invalid page parameters")

// ParseOrder accepts "asc" or "desc". An empty string means asc.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", OrderAsc:
		return OrderAsc, nil
	case OrderDesc:
		return OrderDesc, nil
	default:
		return "", fmt.Errorf("%w: order must be asc or desc, got %q", ErrInvalidPage, s)
	}
}

// PageParams selects one page of a time-ordered sequence. Only rows strictly
// beyond After in the requested order are eligible.
type PageParams struct {
	Limit int
	Order Order
	After *uuid.UUID
}

// Page is one slice of results. NextCursor is nil once the sequence is exhausted.
type Page[T any] struct {
	Items      []T
	NextCursor *uuid.UUID
}

// normalize applies the resource default limit and caps it at MaxPageLimit.
func (p PageParams) normalize(defaultLimit int) (PageParams, error) {
	if p.Limit < 0 {
		return p, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidPage, p.Limit)
	}
	if p.Limit == 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Order == "" {
		p.Order = OrderAsc
	}
	if p.Order != OrderAsc && p.Order != OrderDesc {
		return p, fmt.Errorf("%w: order must be asc or desc, got %q", ErrInvalidPage, p.Order)
	}
	return p, nil
}

// paginate restricts q to the page window. It asks for one row more than
// the limit so newPage can tell whether another page exists.
func paginate(q sq.SelectBuilder, p PageParams) sq.SelectBuilder {
	direction := "ASC"
	if p.Order == OrderDesc {
		direction = "DESC"
	}
	if p.After != nil {
		if p.Order == OrderDesc {
			q = q.Where(sq.Lt{"id": *p.After})
		} else {
			q = q.Where(sq.Gt{"id": *p.After})
		}
	}
	return q.OrderBy("id " + direction).Limit(uint64(p.Limit + 1))
}

// newPage trims the lookahead row and derives the cursor from the last kept item.
func newPage[T any](items []T, limit int, id func(T) uuid.UUID) Page[T] {
	if items == nil {
		items = []T{}
	}
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	cursor := id(items[len(items)-1])
	return Page[T]{Items: items, NextCursor: &cursor}
}
