// Provides the in-memory row set and the unique indexes kept in sync with it.

package pagedb

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// UniqueIndex declares that Key must be unique across all rows of a table.
// Rows whose Key returns nil are not indexed.
type UniqueIndex[T any] struct {
	// Name identifies the index in errors and lookups. Empty defaults to
	// "unique<N>" where N is the position in Schema.UniqueIndexes.
	Name string
	// Descending orders [Table.Ordered] from the largest key.
	Descending bool
	// Key returns the indexed value. It must be comparable.
	Key func(T) any
}

func (u *UniqueIndex[T]) name(i int) string {
	if u.Name != "" {
		return u.Name
	}
	return fmt.Sprintf("unique%d", i)
}

// rowObserver is notified of every change applied to a rowSet.
type rowObserver[T any] interface {
	OnAppend(row T)
	OnDelete(row T)
}

// uniqueIndex maps keys to the id of the row holding them.
type uniqueIndex[T Row[T]] struct {
	name       string
	descending bool
	key        func(T) any
	byKey      map[any]int64
}

func (idx *uniqueIndex[T]) clone() *uniqueIndex[T] {
	c := *idx
	c.byKey = make(map[any]int64, len(idx.byKey))
	for k, v := range idx.byKey {
		c.byKey[k] = v
	}
	return &c
}

// check reports a violation if row's key is held by another row.
func (idx *uniqueIndex[T]) check(table string, row T) error {
	k := idx.key(row)
	if k == nil {
		return nil
	}
	if owner, ok := idx.byKey[k]; ok && owner != row.GetID() {
		return &UniqueViolationError{Table: table, Index: idx.name, Key: k}
	}
	return nil
}

// OnAppend implements [rowObserver].
func (idx *uniqueIndex[T]) OnAppend(row T) {
	if k := idx.key(row); k != nil {
		idx.byKey[k] = row.GetID()
	}
}

// OnDelete implements [rowObserver].
func (idx *uniqueIndex[T]) OnDelete(row T) {
	if k := idx.key(row); k != nil {
		delete(idx.byKey, k)
	}
}

// rowSet is an immutable snapshot of a table's rows once published. Changes
// are applied to a clone which then replaces the published set, so readers
// never need to hold the table lock while iterating.
type rowSet[T Row[T]] struct {
	table   string
	rows    []T
	byID    map[int64]int
	indexes []*uniqueIndex[T]
}

// newRowSet indexes rows, failing on duplicate ids or unique keys.
func newRowSet[T Row[T]](table string, rows []T, defs []UniqueIndex[T]) (*rowSet[T], error) {
	s := &rowSet[T]{
		table: table,
		rows:  make([]T, 0, len(rows)),
		byID:  make(map[int64]int, len(rows)),
	}
	for i := range defs {
		s.indexes = append(s.indexes, &uniqueIndex[T]{
			name:       defs[i].name(i),
			descending: defs[i].Descending,
			key:        defs[i].Key,
			byKey:      make(map[any]int64, len(rows)),
		})
	}
	for _, row := range rows {
		if err := s.insert(row); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *rowSet[T]) clone() *rowSet[T] {
	c := &rowSet[T]{
		table:   s.table,
		rows:    slices.Clone(s.rows),
		byID:    make(map[int64]int, len(s.byID)),
		indexes: make([]*uniqueIndex[T], len(s.indexes)),
	}
	for k, v := range s.byID {
		c.byID[k] = v
	}
	for i, idx := range s.indexes {
		c.indexes[i] = idx.clone()
	}
	return c
}

func (s *rowSet[T]) get(id int64) (T, bool) {
	i, ok := s.byID[id]
	if !ok {
		var zero T
		return zero, false
	}
	return s.rows[i], true
}

// insert appends row after checking its id and unique keys.
func (s *rowSet[T]) insert(row T) error {
	id := row.GetID()
	if _, dup := s.byID[id]; dup {
		return &UniqueViolationError{Table: s.table, Index: idProperty, Key: id}
	}
	for _, idx := range s.indexes {
		if err := idx.check(s.table, row); err != nil {
			return err
		}
	}
	s.byID[id] = len(s.rows)
	s.rows = append(s.rows, row)
	for _, idx := range s.indexes {
		idx.OnAppend(row)
	}
	return nil
}

// update replaces the rows with the same ids. Unique keys are checked
// against the state after the whole batch, so rows may swap keys. On error
// the set is left half updated and must be discarded.
func (s *rowSet[T]) update(rows []T) error {
	pos := make([]int, len(rows))
	for i, row := range rows {
		j, ok := s.byID[row.GetID()]
		if !ok {
			return fmt.Errorf("%s: row %d: %w", s.table, row.GetID(), ErrNotFound)
		}
		pos[i] = j
	}
	for _, j := range pos {
		for _, idx := range s.indexes {
			idx.OnDelete(s.rows[j])
		}
	}
	for i, row := range rows {
		for _, idx := range s.indexes {
			if err := idx.check(s.table, row); err != nil {
				return err
			}
			idx.OnAppend(row)
		}
		s.rows[pos[i]] = row
	}
	return nil
}

// remove deletes the rows with the given ids, preserving the order of the
// others.
func (s *rowSet[T]) remove(ids map[int64]struct{}) {
	kept := s.rows[:0]
	for _, row := range s.rows {
		if _, del := ids[row.GetID()]; del {
			for _, idx := range s.indexes {
				idx.OnDelete(row)
			}
			continue
		}
		kept = append(kept, row)
	}
	clear(s.rows[len(kept):])
	s.rows = kept
	clear(s.byID)
	for i, row := range s.rows {
		s.byID[row.GetID()] = i
	}
}

func (s *rowSet[T]) index(name string) (*uniqueIndex[T], bool) {
	for _, idx := range s.indexes {
		if idx.name == name {
			return idx, true
		}
	}
	return nil, false
}

// ordered returns the indexed rows sorted by key. Rows without a key are
// omitted.
func (s *rowSet[T]) ordered(idx *uniqueIndex[T]) []T {
	out := make([]T, 0, len(idx.byKey))
	for _, row := range s.rows {
		if idx.key(row) != nil {
			out = append(out, row)
		}
	}
	slices.SortStableFunc(out, func(a, b T) int {
		c := compareKeys(idx.key(a), idx.key(b))
		if idx.descending {
			return -c
		}
		return c
	})
	return out
}

// compareKeys orders index keys of the common scalar types. Keys of other
// types compare by their formatted value.
func compareKeys(a, b any) int {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case int:
		if y, ok := b.(int); ok {
			return cmp.Compare(x, y)
		}
	case int32:
		if y, ok := b.(int32); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
