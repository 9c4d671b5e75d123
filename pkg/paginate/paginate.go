// Package paginate turns a forward-only cursor of records into a lazy
// sequence of fixed-size pages, so callers can walk arbitrarily large (or
// unbounded) result sets without holding them in memory.
//
// A Paginator draws up to pageSize records per page and stops the first time a
// draw yields nothing. Every page but the last is full; an empty source yields
// no pages at all. Paginators are single-pass: once Done or an error has been
// returned, start again with a fresh Source.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"iter"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
)

// DefaultPageSize is the page size used by NewDefault.
const DefaultPageSize = 1000

// Done is returned by Source.Next and Paginator.Next at end of sequence.
var Done = errors.New("no more items")

// Source is a one-shot, forward-only cursor. Next returns the next record or
// Done when the sequence is exhausted.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, error) {
	return f(ctx)
}

// FromSlice returns a Source that yields the elements of items in order.
func FromSlice[T any](items []T) Source[T] {
	i := 0
	return SourceFunc[T](func(ctx context.Context) (T, error) {
		var zero T
		if i >= len(items) {
			return zero, Done
		}
		item := items[i]
		i++
		return item, nil
	})
}

// Paginator groups records from a Source into pages of at most pageSize.
type Paginator[T any] struct {
	src      Source[T]
	pageSize int
	done     bool
	pages    int
}

// New creates a Paginator. A non-positive pageSize is a configuration error
// and no record is drawn.
func New[T any](src Source[T], pageSize int) (*Paginator[T], error) {
	if pageSize <= 0 {
		return nil, apperrors.Configf("page size must be positive, got %d", pageSize)
	}
	if src == nil {
		return nil, apperrors.Configf("paginator requires a source")
	}
	return &Paginator[T]{src: src, pageSize: pageSize}, nil
}

// NewDefault creates a Paginator with DefaultPageSize.
func NewDefault[T any](src Source[T]) *Paginator[T] {
	p, _ := New(src, DefaultPageSize)
	return p
}

// Next returns the next page. It returns Done once the source has been
// drained. If the source fails mid-page the records drawn so far are dropped,
// the error is returned and the paginator is finished.
func (p *Paginator[T]) Next(ctx context.Context) ([]T, error) {
	if p.done {
		return nil, Done
	}
	page := make([]T, 0, p.pageSize)
	for len(page) < p.pageSize {
		if err := ctx.Err(); err != nil {
			p.done = true
			return nil, err
		}
		item, err := p.src.Next(ctx)
		if errors.Is(err, Done) {
			break
		}
		if err != nil {
			p.done = true
			return nil, fmt.Errorf("drawing page %d: %w", p.pages+1, err)
		}
		page = append(page, item)
	}
	if len(page) == 0 {
		p.done = true
		return nil, Done
	}
	// A short page means the source ran dry; don't poke it again.
	if len(page) < p.pageSize {
		p.done = true
	}
	p.pages++
	return page, nil
}

// All exposes the remaining pages as a range-over-func sequence. Iteration
// stops after the first error, which is yielded with a nil page.
func (p *Paginator[T]) All(ctx context.Context) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		for {
			page, err := p.Next(ctx)
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) {
				return
			}
		}
	}
}

// Paginate walks src page by page, calling fn for each page. It returns the
// first error from the source or from fn.
func Paginate[T any](ctx context.Context, src Source[T], pageSize int, fn func(page []T) error) error {
	p, err := New(src, pageSize)
	if err != nil {
		return err
	}
	for page, err := range p.All(ctx) {
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}
