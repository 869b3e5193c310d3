// Foreign key checks run by a table against the other registered tables.
//
// None of these functions hold the table's own lock while reading another
// table: two tables referencing each other could otherwise deadlock. The
// referenced table is read at call time without isolation from concurrent
// writers.

package pagedb

import (
	"context"
	"fmt"
)

// validateReferences checks every foreign key of rows.
func (t *Table[T]) validateReferences(ctx context.Context, o op, rows []T) error {
	for i := range t.schema.ForeignKeys {
		fk := &t.schema.ForeignKeys[i]
		checked := make(map[any]struct{}, len(rows))
		for _, row := range rows {
			v := fk.Value(row)
			if _, ok := checked[v]; ok {
				continue
			}
			checked[v] = struct{}{}
			if err := t.db.refs.validate(ctx, fk.Table, fk.property(), v, fk.AllowDefault); err != nil {
				if rie, ok := err.(*ReferentialIntegrityError); ok {
					rie.Op = o.String()
					rie.Table = t.name
					rie.Field = fk.Field
				}
				return err
			}
		}
	}
	return nil
}

// checkReferencedBy fails if a row of any registered table still references
// one of rows through a foreign key without AllowDefault. ids are the rows
// being removed, ignored when the table references itself.
func (t *Table[T]) checkReferencedBy(ctx context.Context, opName string, rows []T, ids map[int64]struct{}) error {
	for _, h := range t.db.refs.handles() {
		for _, ref := range h.references() {
			if ref.table != t.name || ref.allowDefault {
				continue
			}
			get, ok := t.property(ref.property)
			if !ok {
				return &ConfigurationError{Table: h.Name(), Field: ref.field, Reason: fmt.Sprintf("%s has no property %q", t.name, ref.property)}
			}
			values := make(map[any]struct{}, len(rows))
			for _, row := range rows {
				values[get(row)] = struct{}{}
			}
			var exclude map[int64]struct{}
			if h.Name() == t.name {
				exclude = ids
			}
			v, found, err := h.findReference(ctx, ref.index, values, exclude)
			if err != nil {
				return err
			}
			if found {
				return &ReferentialIntegrityError{
					Op:          opName,
					Table:       h.Name(),
					Field:       ref.field,
					RefTable:    t.name,
					RefProperty: ref.property,
					Value:       v,
				}
			}
		}
	}
	return nil
}

// property returns the accessor for a named property.
func (t *Table[T]) property(name string) (func(T) any, bool) {
	if name == idProperty {
		return func(row T) any { return row.GetID() }, true
	}
	fn, ok := t.schema.Properties[name]
	return fn, ok
}

func (t *Table[T]) references() []reference {
	out := make([]reference, len(t.schema.ForeignKeys))
	for i := range t.schema.ForeignKeys {
		fk := &t.schema.ForeignKeys[i]
		out[i] = reference{
			index:        i,
			field:        fk.Field,
			table:        fk.Table,
			property:     fk.property(),
			allowDefault: fk.AllowDefault,
		}
	}
	return out
}

func (t *Table[T]) hasValue(ctx context.Context, property string, value any) (bool, error) {
	s, err := t.snapshot()
	if err != nil {
		return false, err
	}
	if property == idProperty {
		id, ok := value.(int64)
		if !ok {
			return false, nil
		}
		_, found := s.byID[id]
		return found, nil
	}
	get, ok := t.property(property)
	if !ok {
		return false, &ConfigurationError{Table: t.name, Field: property, Reason: "unknown property"}
	}
	for _, row := range s.rows {
		if get(row) == value {
			return true, nil
		}
	}
	return false, nil
}

func (t *Table[T]) findReference(ctx context.Context, fk int, values map[any]struct{}, exclude map[int64]struct{}) (any, bool, error) {
	s, err := t.snapshot()
	if err != nil {
		return nil, false, err
	}
	get := t.schema.ForeignKeys[fk].Value
	for _, row := range s.rows {
		if _, skip := exclude[row.GetID()]; skip {
			continue
		}
		v := get(row)
		if _, ok := values[v]; ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}
