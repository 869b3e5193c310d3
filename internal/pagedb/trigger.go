// Ordered before/after hooks run around table mutations.

package pagedb

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
)

// HookMask selects which hooks a trigger wants to receive.
type HookMask uint8

const (
	HookBeforeInsert HookMask = 1 << iota
	HookAfterInsert
	HookBeforeUpdate
	HookAfterUpdate
	HookBeforeDelete
	HookAfterDelete

	// HookAll selects every hook. A zero mask means the same.
	HookAll = HookBeforeInsert | HookAfterInsert | HookBeforeUpdate | HookAfterUpdate | HookBeforeDelete | HookAfterDelete
)

// Trigger is a business rule hooked around mutations of one table.
//
// Before hooks run in Position order before anything is changed. Returning
// false silently skips the whole batch; returning an error (typically an
// [*InvalidDataRowError]) aborts it and is returned to the caller. After
// hooks run once the batch is committed; their errors are logged.
type Trigger[T any] interface {
	// Position orders triggers; lower runs first, ties keep registration order.
	Position() int
	// Hooks returns the hooks to dispatch. Zero means all.
	Hooks() HookMask

	BeforeInsert(ctx context.Context, rows []T) (bool, error)
	AfterInsert(ctx context.Context, rows []T) error
	BeforeUpdate(ctx context.Context, rows []T) (bool, error)
	AfterUpdate(ctx context.Context, rows []T) error
	BeforeDelete(ctx context.Context, rows []T) (bool, error)
	AfterDelete(ctx context.Context, rows []T) error
}

// TriggerFuncs adapts optional functions to [Trigger]. Unset functions are
// not dispatched.
type TriggerFuncs[T any] struct {
	Pos int

	OnBeforeInsert func(ctx context.Context, rows []T) (bool, error)
	OnAfterInsert  func(ctx context.Context, rows []T) error
	OnBeforeUpdate func(ctx context.Context, rows []T) (bool, error)
	OnAfterUpdate  func(ctx context.Context, rows []T) error
	OnBeforeDelete func(ctx context.Context, rows []T) (bool, error)
	OnAfterDelete  func(ctx context.Context, rows []T) error
}

// Position implements [Trigger].
func (f *TriggerFuncs[T]) Position() int {
	return f.Pos
}

// Hooks implements [Trigger].
func (f *TriggerFuncs[T]) Hooks() HookMask {
	var m HookMask
	if f.OnBeforeInsert != nil {
		m |= HookBeforeInsert
	}
	if f.OnAfterInsert != nil {
		m |= HookAfterInsert
	}
	if f.OnBeforeUpdate != nil {
		m |= HookBeforeUpdate
	}
	if f.OnAfterUpdate != nil {
		m |= HookAfterUpdate
	}
	if f.OnBeforeDelete != nil {
		m |= HookBeforeDelete
	}
	if f.OnAfterDelete != nil {
		m |= HookAfterDelete
	}
	return m
}

// BeforeInsert implements [Trigger].
func (f *TriggerFuncs[T]) BeforeInsert(ctx context.Context, rows []T) (bool, error) {
	if f.OnBeforeInsert == nil {
		return true, nil
	}
	return f.OnBeforeInsert(ctx, rows)
}

// AfterInsert implements [Trigger].
func (f *TriggerFuncs[T]) AfterInsert(ctx context.Context, rows []T) error {
	if f.OnAfterInsert == nil {
		return nil
	}
	return f.OnAfterInsert(ctx, rows)
}

// BeforeUpdate implements [Trigger].
func (f *TriggerFuncs[T]) BeforeUpdate(ctx context.Context, rows []T) (bool, error) {
	if f.OnBeforeUpdate == nil {
		return true, nil
	}
	return f.OnBeforeUpdate(ctx, rows)
}

// AfterUpdate implements [Trigger].
func (f *TriggerFuncs[T]) AfterUpdate(ctx context.Context, rows []T) error {
	if f.OnAfterUpdate == nil {
		return nil
	}
	return f.OnAfterUpdate(ctx, rows)
}

// BeforeDelete implements [Trigger].
func (f *TriggerFuncs[T]) BeforeDelete(ctx context.Context, rows []T) (bool, error) {
	if f.OnBeforeDelete == nil {
		return true, nil
	}
	return f.OnBeforeDelete(ctx, rows)
}

// AfterDelete implements [Trigger].
func (f *TriggerFuncs[T]) AfterDelete(ctx context.Context, rows []T) error {
	if f.OnAfterDelete == nil {
		return nil
	}
	return f.OnAfterDelete(ctx, rows)
}

// op is a mutating batch operation.
type op int

const (
	opInsert op = iota
	opUpdate
	opDelete
)

func (o op) String() string {
	switch o {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	default:
		return "delete"
	}
}

func (o op) before() HookMask {
	return [...]HookMask{HookBeforeInsert, HookBeforeUpdate, HookBeforeDelete}[o]
}

func (o op) after() HookMask {
	return [...]HookMask{HookAfterInsert, HookAfterUpdate, HookAfterDelete}[o]
}

// pipeline dispatches a table's triggers in position order.
type pipeline[T any] struct {
	triggers []Trigger[T]
	masks    []HookMask
}

func newPipeline[T any](triggers []Trigger[T]) *pipeline[T] {
	sorted := slices.Clone(triggers)
	slices.SortStableFunc(sorted, func(a, b Trigger[T]) int {
		return cmp.Compare(a.Position(), b.Position())
	})
	masks := make([]HookMask, len(sorted))
	for i, tr := range sorted {
		if masks[i] = tr.Hooks(); masks[i] == 0 {
			masks[i] = HookAll
		}
	}
	return &pipeline[T]{triggers: sorted, masks: masks}
}

// before runs the before hooks for o. It stops at the first veto or error.
func (p *pipeline[T]) before(ctx context.Context, o op, rows []T) (bool, error) {
	hook := o.before()
	for i, tr := range p.triggers {
		if p.masks[i]&hook == 0 {
			continue
		}
		var ok bool
		var err error
		switch o {
		case opInsert:
			ok, err = tr.BeforeInsert(ctx, rows)
		case opUpdate:
			ok, err = tr.BeforeUpdate(ctx, rows)
		case opDelete:
			ok, err = tr.BeforeDelete(ctx, rows)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// after runs the after hooks for o. Failures are logged since the batch is
// already committed.
func (p *pipeline[T]) after(ctx context.Context, logger *slog.Logger, o op, rows []T) {
	hook := o.after()
	for i, tr := range p.triggers {
		if p.masks[i]&hook == 0 {
			continue
		}
		var err error
		switch o {
		case opInsert:
			err = tr.AfterInsert(ctx, rows)
		case opUpdate:
			err = tr.AfterUpdate(ctx, rows)
		case opDelete:
			err = tr.AfterDelete(ctx, rows)
		}
		if err != nil {
			logger.WarnContext(ctx, "After trigger failed", "op", o.String(), "position", tr.Position(), "rows", len(rows), "err", err)
		}
	}
}
