package internal

import (
	"regexp"
	"strings"
)

var (
	sqliteConstraint = regexp.MustCompile(`(UNIQUE|NOT NULL|CHECK) constraint failed: (\w+)\.(\w+)`)
	mysqlChildRow    = regexp.MustCompile("a foreign key constraint fails \\(`(?:\\w+)`\\.`(\\w+)`, CONSTRAINT `(\\w+)`")
	mysqlDuplicate   = regexp.MustCompile(`Duplicate entry '.*' for key '(?:(\w+)\.)?(\w+)'`)
	mysqlNullColumn  = regexp.MustCompile(`Column '(\w+)' cannot be null`)
	quotedIdentifier = regexp.MustCompile("[`\"](\\w+)[`\"]")
)

// Parts of a constraint violation message. Empty when not present.
type Constraint struct {
	Table  string
	Column string
	Name   string
}

type regex struct {
	SQLITE_CONSTRAINT func(string) (Constraint, bool)
	MYSQL_CONSTRAINT  func(string) (Constraint, bool)
	FIELD_NAME        func(string) string
}

// Internal regular expressions used in code as functions to ensure
// code readability and ease to use.
var Regexp = regex{
	SQLITE_CONSTRAINT: func(value string) (Constraint, bool) {
		match := sqliteConstraint.FindStringSubmatch(value)
		if match == nil {
			return Constraint{}, strings.Contains(value, "FOREIGN KEY constraint failed")
		}
		return Constraint{Table: match[2], Column: match[3]}, true
	},
	MYSQL_CONSTRAINT: func(value string) (Constraint, bool) {
		if match := mysqlChildRow.FindStringSubmatch(value); match != nil {
			return Constraint{Table: match[1], Name: match[2]}, true
		}
		if match := mysqlDuplicate.FindStringSubmatch(value); match != nil {
			return Constraint{Table: match[1], Name: match[2]}, true
		}
		if match := mysqlNullColumn.FindStringSubmatch(value); match != nil {
			return Constraint{Column: match[1]}, true
		}
		return Constraint{}, false
	},
	FIELD_NAME: func(value string) string {
		match := quotedIdentifier.FindStringSubmatch(value)
		if match == nil {
			return ""
		}
		return match[1]
	},
}
