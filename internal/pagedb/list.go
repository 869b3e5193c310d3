package pagedb

import (
	"encoding/json"
	"fmt"
	"iter"
	"slices"
)

// List is an ordered collection owned by a row. Every mutation marks the
// owner dirty through the handle bound by [NewList], [List.CloneFor] or
// [SetList].
type List[E any] struct {
	items []E
	mark  func()
}

// NewList returns a list bound to owner holding a copy of items.
func NewList[E any](owner *Entity, items ...E) *List[E] {
	l := &List[E]{items: slices.Clone(items)}
	l.bind(owner)
	return l
}

func (l *List[E]) bind(owner *Entity) {
	if owner == nil {
		l.mark = nil
		return
	}
	l.mark = owner.Update
}

func (l *List[E]) changed() {
	if l.mark != nil {
		l.mark()
	}
}

// Len returns the number of items.
func (l *List[E]) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// At returns the item at index i.
func (l *List[E]) At(i int) E {
	return l.items[i]
}

// All returns an iterator over the items.
func (l *List[E]) All() iter.Seq2[int, E] {
	return func(yield func(int, E) bool) {
		if l == nil {
			return
		}
		for i, v := range l.items {
			if !yield(i, v) {
				return
			}
		}
	}
}

// Items returns a copy of the items.
func (l *List[E]) Items() []E {
	if l == nil {
		return nil
	}
	return slices.Clone(l.items)
}

// Add appends items.
func (l *List[E]) Add(items ...E) {
	if len(items) == 0 {
		return
	}
	l.items = append(l.items, items...)
	l.changed()
}

// Insert inserts v at index i.
func (l *List[E]) Insert(i int, v E) {
	l.items = slices.Insert(l.items, i, v)
	l.changed()
}

// Set replaces the item at index i.
func (l *List[E]) Set(i int, v E) {
	l.items[i] = v
	l.changed()
}

// RemoveAt removes the item at index i.
func (l *List[E]) RemoveAt(i int) {
	l.items = slices.Delete(l.items, i, i+1)
	l.changed()
}

// RemoveFunc removes all items for which del returns true and reports how
// many were removed.
func (l *List[E]) RemoveFunc(del func(E) bool) int {
	before := len(l.items)
	l.items = slices.DeleteFunc(l.items, del)
	n := before - len(l.items)
	if n > 0 {
		l.changed()
	}
	return n
}

// Replace replaces the content of the list.
func (l *List[E]) Replace(items []E) {
	l.items = slices.Clone(items)
	l.changed()
}

// Clear removes all items.
func (l *List[E]) Clear() {
	if len(l.items) == 0 {
		return
	}
	l.items = nil
	l.changed()
}

// CloneFor returns a copy of the list bound to owner. A nil list clones to an
// empty one so that cloned rows never carry unset lists.
func (l *List[E]) CloneFor(owner *Entity) *List[E] {
	if l == nil {
		return NewList[E](owner)
	}
	return NewList(owner, l.items...)
}

// Remove removes the first item equal to v.
func Remove[E comparable](l *List[E], v E) bool {
	i := slices.Index(l.items, v)
	if i < 0 {
		return false
	}
	l.RemoveAt(i)
	return true
}

// SetList replaces a row's list field and rebinds it to owner. A row's list
// fields are never unset, so a nil list fails with ErrArgument.
func SetList[E any](owner *Entity, field **List[E], list *List[E]) error {
	if list == nil {
		return fmt.Errorf("nil list: %w", ErrArgument)
	}
	if *field == list {
		return nil
	}
	if old := *field; old != nil {
		old.mark = nil
	}
	list.bind(owner)
	*field = list
	owner.Update()
	return nil
}

// MarshalJSON encodes the items as a JSON array.
func (l *List[E]) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Items())
}
