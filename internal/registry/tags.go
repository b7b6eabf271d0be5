package registry

import (
	"reflect"
	"strings"

	"github.com/gideon-mc/orm/internal/source"
)

// tag is the parsed `orm:"..."` struct tag.
type tag struct {
	skip    bool
	kind    Kind
	pk      bool
	column  string
	options map[string]bool
	mapped  string
	orderBy []OrderBy
}

func parseTag(raw string) tag {
	t := tag{options: map[string]bool{}}
	if raw == "-" {
		t.skip = true
		return t
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, ":")
		switch strings.ToLower(key) {
		case "pk", "primary_key":
			t.pk = true
		case "column":
			t.column = value
		case "many_to_one":
			t.kind = ManyToOne
		case "one_to_many":
			t.kind = OneToMany
		case "mapped_by":
			t.mapped = value
		case "order_by":
			name, dir, _ := strings.Cut(strings.TrimSpace(value), " ")
			t.orderBy = append(t.orderBy, OrderBy{
				name: name,
				Desc: strings.EqualFold(strings.TrimSpace(dir), "desc"),
			})
		default:
			t.options[strings.ToLower(key)] = true
		}
	}
	return t
}

func parseEntity(src source.Source) (*Entity, error) {
	meta := &Entity{
		Name:   src.T.Name(),
		Table:  src.Name(),
		Type:   src.T,
		byName: map[string]*Property{},
	}
	if namer, ok := reflect.New(src.T).Interface().(TableNamer); ok {
		meta.Table = namer.TableName()
	}

	for _, field := range src.Fields() {
		t := parseTag(field.Tag.Get("orm"))
		if t.skip {
			continue
		}

		prop, err := parseProperty(meta, field, t)
		if err != nil {
			return nil, err
		}
		if prop.Primary {
			if meta.PK != nil {
				return nil, metadataError("%s declares more than one identity (%s, %s)", meta.Name, meta.PK.Name, prop.Name)
			}
			meta.PK = prop
		}

		for _, key := range []string{prop.Name, prop.Column} {
			key = strings.ToLower(key)
			if key == "" {
				continue
			}
			if other, ok := meta.byName[key]; ok && other != prop {
				return nil, metadataError("%s: %s and %s map to the same name %q", meta.Name, other.Name, prop.Name, key)
			}
			meta.byName[key] = prop
		}
		meta.Props = append(meta.Props, prop)
	}

	if meta.PK == nil {
		return nil, metadataError("%s has no identity field (ID or `orm:\"pk\"`)", meta.Name)
	}
	return meta, nil
}

func parseProperty(meta *Entity, field reflect.StructField, t tag) (*Property, error) {
	prop := &Property{
		Name:          field.Name,
		Kind:          t.kind,
		Index:         field.Index,
		Type:          field.Type,
		Owner:         meta,
		Unique:        t.options["unique"],
		Nullable:      t.options["nullable"],
		SQLType:       field.Tag.Get("type"),
		OrphanRemoval: t.options["orphan_removal"],
	}

	if t.kind == Scalar && reflect.PointerTo(field.Type).Implements(collectionType) {
		return nil, metadataError("%s.%s: collection fields need `orm:\"one_to_many\"`", meta.Name, field.Name)
	}

	switch t.kind {
	case Scalar:
		prop.Column = source.ColumnName(field.Name)
		prop.Primary = t.pk || (field.Name == "ID" && meta.PK == nil)
		if field.Type.Kind() == reflect.Pointer {
			prop.Nullable = true
		}
		if prop.Primary {
			prop.Nullable = false
			switch field.Type.Kind() {
			case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
				prop.AutoIncrement = !t.options["no_auto_increment"]
			}
		}
	case ManyToOne:
		if field.Type.Kind() != reflect.Pointer || field.Type.Elem().Kind() != reflect.Struct {
			return nil, metadataError("%s.%s: many_to_one needs a pointer to an entity struct", meta.Name, field.Name)
		}
		prop.Column = source.ColumnName(field.Name) + "_id"
		prop.targetType = field.Type.Elem()
	case OneToMany:
		collection, ok := reflect.New(field.Type).Interface().(CollectionType)
		if !ok {
			return nil, metadataError("%s.%s: one_to_many needs a collection field", meta.Name, field.Name)
		}
		prop.targetType = collection.ElementType()
		prop.MappedBy = t.mapped
		prop.OrderBy = t.orderBy
		prop.Eager = !t.options["lazy"]
	}

	if t.column != "" && prop.HasColumn() {
		prop.Column = t.column
	}
	return prop, nil
}
