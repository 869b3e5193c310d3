// Error taxonomy shared by every table operation.

package pagedb

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by pagedb operations.
//
// Callers should use [errors.Is] to check error kinds. The typed errors
// below match their sentinel through Is, so both forms work:
//
//	if errors.Is(err, pagedb.ErrReferentialIntegrity) { ... }
//	var rie *pagedb.ReferentialIntegrityError
//	if errors.As(err, &rie) { ... }
var (
	// ErrArgument indicates an invalid call parameter, e.g. a nil row or list.
	//
	// This is a programming error.
	ErrArgument = errors.New("pagedb: invalid argument")

	// ErrInvalidState indicates an operation that does not apply to the
	// current configuration, e.g. reading the sliding timeout of a table that
	// is not sliding-cached.
	ErrInvalidState = errors.New("pagedb: invalid state")

	// ErrNotFound indicates that no row has the requested id or key.
	ErrNotFound = errors.New("pagedb: not found")

	// ErrBusy indicates another process holds the table's writer lock.
	//
	// Recovery: retry after the other process exits.
	ErrBusy = errors.New("pagedb: busy")

	// ErrClosed indicates the table or database has already been closed.
	ErrClosed = errors.New("pagedb: closed")

	// ErrPath indicates the storage root does not exist or is not a directory.
	ErrPath = errors.New("pagedb: invalid storage path")

	// ErrConfiguration is matched by [*ConfigurationError].
	ErrConfiguration = errors.New("pagedb: invalid configuration")

	// ErrRange is matched by [*RangeError].
	ErrRange = errors.New("pagedb: value out of range")

	// ErrReferentialIntegrity is matched by [*ReferentialIntegrityError].
	ErrReferentialIntegrity = errors.New("pagedb: referential integrity violation")

	// ErrInvalidDataRow is matched by [*InvalidDataRowError].
	ErrInvalidDataRow = errors.New("pagedb: invalid data row")

	// ErrFormat is matched by [*FormatError].
	ErrFormat = errors.New("pagedb: unsupported file format")

	// ErrUniqueViolation is matched by [*UniqueViolationError].
	ErrUniqueViolation = errors.New("pagedb: unique index violation")
)

// ConfigurationError reports an invalid schema descriptor.
type ConfigurationError struct {
	Table  string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("pagedb: table %q: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("pagedb: table %q: %s: %s", e.Table, e.Field, e.Reason)
}

// Is implements errors.Is.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// RangeError reports an out-of-bounds numeric configuration value.
type RangeError struct {
	Name  string
	Value any
	Min   any
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("pagedb: %s %v is below minimum %v", e.Name, e.Value, e.Min)
}

// Is implements errors.Is.
func (e *RangeError) Is(target error) bool {
	return target == ErrRange
}

// ReferentialIntegrityError reports a foreign key violation.
//
// On insert and update, Table/Field name the referencing column and
// RefTable/RefProperty the missing target. On delete and truncate, the roles
// are the same but the operation was blocked because a referencing row
// still exists.
type ReferentialIntegrityError struct {
	Op          string
	Table       string
	Field       string
	RefTable    string
	RefProperty string
	Value       any
}

func (e *ReferentialIntegrityError) Error() string {
	switch e.Op {
	case "delete", "truncate":
		return fmt.Sprintf("pagedb: %s on %s blocked: %s.%s references %s=%v", e.Op, e.RefTable, e.Table, e.Field, e.RefProperty, e.Value)
	default:
		return fmt.Sprintf("pagedb: %s on %s: %s.%s=%v has no matching %s.%s", e.Op, e.Table, e.Table, e.Field, e.Value, e.RefTable, e.RefProperty)
	}
}

// Is implements errors.Is.
func (e *ReferentialIntegrityError) Is(target error) bool {
	return target == ErrReferentialIntegrity
}

// InvalidDataRowError is a business-rule veto raised by a trigger.
type InvalidDataRowError struct {
	RowType string
	Field   string
	Reason  string
}

func (e *InvalidDataRowError) Error() string {
	return fmt.Sprintf("pagedb: invalid %s row: %s: %s", e.RowType, e.Field, e.Reason)
}

// Is implements errors.Is.
func (e *InvalidDataRowError) Is(target error) bool {
	return target == ErrInvalidDataRow
}

// FormatError reports an unreadable or unsupported table file.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pagedb: %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("pagedb: %s: %s", e.Path, e.Reason)
}

// Is implements errors.Is.
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// UniqueViolationError reports two rows sharing a unique index key.
type UniqueViolationError struct {
	Table string
	Index string
	Key   any
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("pagedb: table %q: duplicate key %v for unique index %q", e.Table, e.Key, e.Index)
}

// Is implements errors.Is.
func (e *UniqueViolationError) Is(target error) bool {
	return target == ErrUniqueViolation
}

// IsPermanent reports whether err is a configuration or data problem that
// retrying cannot fix. I/O failures are transient and return false.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrArgument, ErrConfiguration, ErrRange, ErrReferentialIntegrity,
		ErrInvalidDataRow, ErrFormat, ErrUniqueViolation, ErrInvalidState,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
