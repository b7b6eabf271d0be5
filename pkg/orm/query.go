package orm

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/gideon-mc/orm/internal/dialect"
	"github.com/gideon-mc/orm/internal/registry"
)

// Filter selects entities by property. Keys are Go field names or column
// names. A nil value matches NULL, a slice matches any of its elements and
// an entity pointer matches a many_to_one property by identity.
type Filter map[string]any

// Order is the direction of an OrderBy option.
type Order int

const (
	Asc Order = iota
	Desc
)

type orderTerm struct {
	prop *registry.Property
	desc bool
}

// builder accumulates SQL text and bound arguments.
type builder struct {
	d    dialect.Dialect
	sb   strings.Builder
	args []any
}

func newBuilder(d dialect.Dialect) *builder {
	return &builder{d: d}
}

func (b *builder) write(parts ...string) *builder {
	for _, part := range parts {
		b.sb.WriteString(part)
	}
	return b
}

func (b *builder) bind(value any) string {
	b.args = append(b.args, value)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) String() string {
	return b.sb.String()
}

func (b *builder) columnList(props []*registry.Property) string {
	cols := make([]string, len(props))
	for i, p := range props {
		cols[i] = b.d.Quote(p.Column)
	}
	return strings.Join(cols, ", ")
}

// where renders the conditions of filter, joined by AND.
func (b *builder) where(meta *registry.Entity, filter Filter) error {
	if len(filter) == 0 {
		return nil
	}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conditions := make([]string, 0, len(keys))
	for _, key := range keys {
		prop, ok := meta.Prop(key)
		if !ok {
			return fmt.Errorf("%s has no property %q", meta.Name, key)
		}
		if !prop.HasColumn() {
			return fmt.Errorf("%s.%s cannot be filtered on", meta.Name, prop.Name)
		}
		condition, err := b.condition(prop, filter[key])
		if err != nil {
			return err
		}
		conditions = append(conditions, condition)
	}

	b.write(" WHERE ", strings.Join(conditions, " AND "))
	return nil
}

func (b *builder) condition(prop *registry.Property, value any) (string, error) {
	column := b.d.Quote(prop.Column)
	if value == nil {
		return column + " IS NULL", nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		if rv.Len() == 0 {
			return "1 = 0", nil
		}
		marks := make([]string, rv.Len())
		for i := range marks {
			v, err := filterValue(prop, rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			marks[i] = b.bind(v)
		}
		return column + " IN (" + strings.Join(marks, ", ") + ")", nil
	}

	v, err := filterValue(prop, value)
	if err != nil {
		return "", err
	}
	if v == nil {
		return column + " IS NULL", nil
	}
	return column + " = " + b.bind(v), nil
}

// filterValue resolves entity pointers given for many_to_one properties to
// their identity.
func filterValue(prop *registry.Property, value any) (any, error) {
	if prop.Kind != registry.ManyToOne {
		return value, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Pointer || rv.Type().Elem() != prop.Target.Type {
		return value, nil
	}
	if rv.IsNil() {
		return nil, nil
	}
	id, ok := prop.Target.Identity(value)
	if !ok {
		return nil, fmt.Errorf("%s.%s: filter entity has no identity", prop.Owner.Name, prop.Name)
	}
	return id, nil
}

func (b *builder) orderBy(terms []orderTerm) {
	if len(terms) == 0 {
		return
	}
	parts := make([]string, len(terms))
	for i, term := range terms {
		dir := "ASC"
		if term.desc {
			dir = "DESC"
		}
		parts[i] = b.d.Quote(term.prop.Column) + " " + dir
	}
	b.write(" ORDER BY ", strings.Join(parts, ", "))
}

func selectQuery(d dialect.Dialect, meta *registry.Entity, filter Filter, opts *findOptions) (string, []any, error) {
	b := newBuilder(d)
	b.write("SELECT ", b.columnList(meta.Columns()), " FROM ", d.Quote(meta.Table))
	if err := b.where(meta, filter); err != nil {
		return "", nil, err
	}
	b.orderBy(opts.order)
	if opts.limit > 0 {
		b.write(fmt.Sprintf(" LIMIT %d", opts.limit))
	}
	if opts.offset > 0 {
		// sqlite and mysql only accept OFFSET after a LIMIT.
		if opts.limit <= 0 {
			switch d.Name() {
			case "sqlite":
				b.write(" LIMIT -1")
			case "mysql":
				b.write(" LIMIT 18446744073709551615")
			}
		}
		b.write(fmt.Sprintf(" OFFSET %d", opts.offset))
	}
	return b.String(), b.args, nil
}

func countQuery(d dialect.Dialect, meta *registry.Entity, filter Filter) (string, []any, error) {
	b := newBuilder(d)
	b.write("SELECT COUNT(*) FROM ", d.Quote(meta.Table))
	if err := b.where(meta, filter); err != nil {
		return "", nil, err
	}
	return b.String(), b.args, nil
}

// insertQuery renders the insert of one row. values holds one entry per
// column in cols.
func insertQuery(d dialect.Dialect, meta *registry.Entity, cols []*registry.Property, values []any, returning bool) (string, []any) {
	b := newBuilder(d)
	b.write("INSERT INTO ", d.Quote(meta.Table))
	if len(cols) == 0 {
		if d.Name() == "mysql" {
			b.write(" () VALUES ()")
		} else {
			b.write(" DEFAULT VALUES")
		}
	} else {
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = b.bind(v)
		}
		b.write(" (", b.columnList(cols), ") VALUES (", strings.Join(marks, ", "), ")")
	}
	if returning {
		b.write(" RETURNING ", d.Quote(meta.PK.Column))
	}
	return b.String(), b.args
}

func updateQuery(d dialect.Dialect, meta *registry.Entity, cols []*registry.Property, values []any, id any) (string, []any) {
	b := newBuilder(d)
	sets := make([]string, len(cols))
	for i, p := range cols {
		sets[i] = d.Quote(p.Column) + " = " + b.bind(values[i])
	}
	b.write("UPDATE ", d.Quote(meta.Table), " SET ", strings.Join(sets, ", "))
	b.write(" WHERE ", d.Quote(meta.PK.Column), " = ", b.bind(id))
	return b.String(), b.args
}

func deleteQuery(d dialect.Dialect, meta *registry.Entity, ids []any) (string, []any) {
	b := newBuilder(d)
	marks := make([]string, len(ids))
	for i, id := range ids {
		marks[i] = b.bind(id)
	}
	b.write("DELETE FROM ", d.Quote(meta.Table), " WHERE ", d.Quote(meta.PK.Column))
	b.write(" IN (", strings.Join(marks, ", "), ")")
	return b.String(), b.args
}
