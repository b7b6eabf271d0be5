package dialect

import (
	"fmt"
	"strings"

	"github.com/gideon-mc/orm/internal/registry"
)

// ForeignKeyName is the constraint name used for a many_to_one column.
func ForeignKeyName(p *registry.Property) string {
	return fmt.Sprintf("%s_%s_foreign", p.Owner.Table, p.Column)
}

// IndexName is the index name used for a many_to_one column.
func IndexName(p *registry.Property) string {
	return fmt.Sprintf("%s_%s_index", p.Owner.Table, p.Column)
}

// CreateTable renders the statements creating the table of meta, followed
// by the statements creating its indexes.
func CreateTable(d Dialect, meta *registry.Entity) []string {
	lines := []string{}
	for _, p := range meta.Columns() {
		if p.Primary && p.AutoIncrement {
			lines = append(lines, d.IdentityColumn(p))
			continue
		}
		lines = append(lines, plainColumn(d, p))
	}

	foreign := meta.Relations(registry.ManyToOne)
	for _, p := range foreign {
		onDelete := ""
		if p.Nullable {
			onDelete = " ON DELETE SET NULL"
		}
		lines = append(lines, fmt.Sprintf(
			"CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON UPDATE CASCADE%s",
			d.Quote(ForeignKeyName(p)),
			d.Quote(p.Column),
			d.Quote(p.Target.Table),
			d.Quote(p.Target.PK.Column),
			onDelete,
		))
	}

	statements := []string{fmt.Sprintf(
		"CREATE TABLE %s (\n  %s\n)",
		d.Quote(meta.Table),
		strings.Join(lines, ",\n  "),
	)}

	if d.IndexForeignKeys() {
		for _, p := range foreign {
			statements = append(statements, fmt.Sprintf(
				"CREATE INDEX %s ON %s (%s)",
				d.Quote(IndexName(p)),
				d.Quote(meta.Table),
				d.Quote(p.Column),
			))
		}
	}
	return statements
}
