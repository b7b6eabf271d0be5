package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteConstraint(t *testing.T) {
	c, ok := Regexp.SQLITE_CONSTRAINT("constraint failed: UNIQUE constraint failed: book.isbn (2067)")
	require.True(t, ok)
	require.Equal(t, Constraint{Table: "book", Column: "isbn"}, c)

	c, ok = Regexp.SQLITE_CONSTRAINT("FOREIGN KEY constraint failed")
	require.True(t, ok)
	require.Equal(t, Constraint{}, c)

	_, ok = Regexp.SQLITE_CONSTRAINT("database is locked")
	require.False(t, ok)
}

func TestMySQLConstraint(t *testing.T) {
	cases := map[string]Constraint{
		"Cannot add or update a child row: a foreign key constraint fails (`shop`.`book`, CONSTRAINT `book_author_id_foreign` FOREIGN KEY (`author_id`) REFERENCES `author` (`id`))": {Table: "book", Name: "book_author_id_foreign"},
		"Duplicate entry 'x' for key 'book.isbn'": {Table: "book", Name: "isbn"},
		"Duplicate entry 'x' for key 'isbn'":      {Name: "isbn"},
		"Column 'name' cannot be null":            {Column: "name"},
	}
	for msg, want := range cases {
		c, ok := Regexp.MYSQL_CONSTRAINT(msg)
		require.True(t, ok, msg)
		require.Equal(t, want, c, msg)
	}

	_, ok := Regexp.MYSQL_CONSTRAINT("Lock wait timeout exceeded")
	require.False(t, ok)
}

func TestFieldName(t *testing.T) {
	require.Equal(t, "author", Regexp.FIELD_NAME(`CREATE TABLE "author" ("id" INTEGER)`))
	require.Equal(t, "book", Regexp.FIELD_NAME("DROP TABLE IF EXISTS `book`"))
	require.Empty(t, Regexp.FIELD_NAME("PRAGMA foreign_keys = ON"))
}
