// Package library holds the Author and Book entities used by ormctl and the
// integration tests.
package library

import (
	"github.com/gideon-mc/orm/pkg/orm"
)

type Author struct {
	ID    int64
	Name  string
	Books orm.Collection[Book] `orm:"one_to_many,mapped_by:Author,order_by:year,eager"`
}

type Book struct {
	ID     int64
	Name   string
	Author *Author `orm:"many_to_one"`
	Year   int
}

// Entities returns the entity types to register.
func Entities() []any {
	return []any{Author{}, Book{}}
}
