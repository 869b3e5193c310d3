// Cross-table registry validating references between tables.

package pagedb

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// idProperty names the implicit row id property.
const idProperty = "Id"

// ForeignKey declares that a field of T references a property of another
// table.
type ForeignKey[T any] struct {
	// Field names the referencing field, for error messages.
	Field string
	// Table is the qualified name of the referenced table.
	Table string
	// Property is the referenced property. Empty means "Id".
	Property string
	// AllowDefault lets the field's zero value mean "unset": it skips
	// validation and does not block deletion of the referenced row.
	AllowDefault bool
	// Value returns the field's value. It must be comparable and of the same
	// dynamic type as the referenced property (int64 for "Id").
	Value func(T) any
}

func (fk *ForeignKey[T]) property() string {
	if fk.Property == "" {
		return idProperty
	}
	return fk.Property
}

// reference is the untyped view of a foreign key used across tables.
type reference struct {
	index        int
	field        string
	table        string
	property     string
	allowDefault bool
}

// tableHandle is the type-erased view of a registered table.
type tableHandle interface {
	Name() string
	Stats() TableStats
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error

	// hasValue reports whether a row has property == value.
	hasValue(ctx context.Context, property string, value any) (bool, error)
	// references returns the table's foreign keys.
	references() []reference
	// findReference returns a value of foreign key fk held by a row whose id
	// is not in exclude and whose value is in values.
	findReference(ctx context.Context, fk int, values map[any]struct{}, exclude map[int64]struct{}) (any, bool, error)
	close(ctx context.Context) error
}

// foreignKeys maps qualified table names to registered tables.
type foreignKeys struct {
	mu      sync.RWMutex
	tables  map[string]tableHandle
	pending map[string]struct{}
}

func newForeignKeys() *foreignKeys {
	return &foreignKeys{tables: map[string]tableHandle{}, pending: map[string]struct{}{}}
}

// reserve claims name for a table being registered.
func (m *foreignKeys) reserve(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[name]; ok {
		return &ConfigurationError{Table: name, Reason: "already registered"}
	}
	if _, ok := m.pending[name]; ok {
		return &ConfigurationError{Table: name, Reason: "already registered"}
	}
	m.pending[name] = struct{}{}
	return nil
}

// release drops a reservation that did not complete.
func (m *foreignKeys) release(name string) {
	m.mu.Lock()
	delete(m.pending, name)
	m.mu.Unlock()
}

func (m *foreignKeys) add(h tableHandle) {
	m.mu.Lock()
	delete(m.pending, h.Name())
	m.tables[h.Name()] = h
	m.mu.Unlock()
}

func (m *foreignKeys) remove(name string) (tableHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.tables[name]
	delete(m.tables, name)
	return h, ok
}

func (m *foreignKeys) get(name string) (tableHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.tables[name]
	return h, ok
}

// handles returns the registered tables sorted by name.
func (m *foreignKeys) handles() []tableHandle {
	m.mu.RLock()
	out := make([]tableHandle, 0, len(m.tables))
	for _, h := range m.tables {
		out = append(out, h)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b tableHandle) int {
		return cmp.Compare(a.Name(), b.Name())
	})
	return out
}

// validate fails with *ReferentialIntegrityError unless allowDefault is set
// and value is the zero value, or a row of target has property == value.
func (m *foreignKeys) validate(ctx context.Context, target, property string, value any, allowDefault bool) error {
	if allowDefault && isZero(value) {
		return nil
	}
	h, ok := m.get(target)
	if !ok {
		return &ConfigurationError{Table: target, Reason: "referenced table is not registered"}
	}
	found, err := h.hasValue(ctx, property, value)
	if err != nil {
		return err
	}
	if !found {
		return &ReferentialIntegrityError{Op: "validate", RefTable: target, RefProperty: property, Value: value}
	}
	return nil
}

// isZero reports whether v is the zero value of its dynamic type.
func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case interface{ IsZero() bool }:
		return x.IsZero()
	case int64:
		return x == 0
	case int:
		return x == 0
	case int32:
		return x == 0
	case int16:
		return x == 0
	case int8:
		return x == 0
	case uint64:
		return x == 0
	case uint:
		return x == 0
	case uint32:
		return x == 0
	case uint16:
		return x == 0
	case uint8:
		return x == 0
	case float64:
		return x == 0
	case float32:
		return x == 0
	case string:
		return x == ""
	case bool:
		return !x
	case time.Duration:
		return x == 0
	default:
		return false
	}
}
