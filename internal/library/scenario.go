package library

import (
	"context"
	"fmt"

	"github.com/gideon-mc/orm/pkg/orm"
)

// Seed is the set of books created by RetainOrder.
var Seed = []orm.Data{
	{"name": "Book 1", "year": 1997},
	{"name": "Book 2", "year": 1960},
	{"name": "Book 3", "year": 2020},
}

// Report is what RetainOrder observed.
type Report struct {
	Count  int
	Before []int
	After  []int
}

// Years returns the years of books, in order.
func Years(books []*Book) []int {
	years := make([]int, len(books))
	for i, book := range books {
		years[i] = book.Year
	}
	return years
}

// RetainOrder creates an author with the seed books, reloads it from a
// cleared manager, moves "Book 1" to 2024 and reloads the books again.
// The schema must exist.
func RetainOrder(ctx context.Context, em *orm.EntityManager, name string) (*Report, error) {
	if _, err := orm.Create[Author](em, orm.Data{"name": name, "books": Seed}); err != nil {
		return nil, err
	}
	if err := em.Flush(ctx); err != nil {
		return nil, err
	}
	em.Clear()

	author, err := orm.FindOneOrFail[Author](ctx, em, orm.Filter{"name": name})
	if err != nil {
		return nil, err
	}
	report := &Report{}
	if report.Count, err = author.Books.Len(); err != nil {
		return nil, err
	}
	books, err := author.Books.ToArray()
	if err != nil {
		return nil, err
	}
	report.Before = Years(books)

	first, err := author.Books.Find(func(b *Book) bool { return b.Name == "Book 1" })
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, fmt.Errorf("%q has no Book 1", name)
	}
	first.Year = 2024
	if err := em.Flush(ctx); err != nil {
		return nil, err
	}
	em.Clear()

	if books, err = author.Books.LoadItems(ctx, em); err != nil {
		return nil, err
	}
	report.After = Years(books)
	return report, nil
}
