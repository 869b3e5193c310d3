// Handles per-table schema descriptors and their validation.

package pagedb

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Compression is the payload compression mode stored in the file header.
type Compression uint8

const (
	// CompressionNone stores the serialized payload as-is.
	CompressionNone Compression = 0
	// CompressionBrotli compresses the payload with Brotli when it helps.
	CompressionBrotli Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionBrotli:
		return "brotli"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// CachingStrategy controls how long a table's rows stay in memory.
type CachingStrategy int

const (
	// CacheNone reads the file on every access.
	CacheNone CachingStrategy = iota
	// CacheMemory keeps the full table in memory after the first load.
	CacheMemory
	// CacheSlidingMemory keeps the table in memory until it has not been
	// accessed for the sliding timeout.
	CacheSlidingMemory
)

func (c CachingStrategy) String() string {
	switch c {
	case CacheNone:
		return "none"
	case CacheMemory:
		return "memory"
	case CacheSlidingMemory:
		return "sliding"
	default:
		return fmt.Sprintf("CachingStrategy(%d)", int(c))
	}
}

// WriteStrategy controls when mutations reach the disk.
type WriteStrategy int

const (
	// WriteForced rewrites the file before every mutating call returns.
	WriteForced WriteStrategy = iota
	// WriteLazy marks the table dirty and lets a background worker flush it.
	WriteLazy
)

func (w WriteStrategy) String() string {
	switch w {
	case WriteForced:
		return "forced"
	case WriteLazy:
		return "lazy"
	default:
		return fmt.Sprintf("WriteStrategy(%d)", int(w))
	}
}

const (
	// DefaultPageSize is the page size used when Schema.PageSize is zero.
	DefaultPageSize = 8192

	// MinSlidingTimeout is the smallest accepted sliding cache timeout.
	MinSlidingTimeout = time.Millisecond

	// DefaultSlidingTimeout is used when a sliding table has no timeout set.
	DefaultSlidingTimeout = 5 * time.Minute

	minPageSize = 64
	maxPageSize = 1 << 24

	// fileExt is appended to the table name to form the backing file name.
	fileExt = ".pdb"
)

// Schema describes one table: where it lives, how it is stored and which
// constraints apply to its rows.
//
// A Schema is copied by [Register]; changes made afterwards have no effect.
type Schema[T Row[T]] struct {
	// Domain is an optional namespace. It becomes a subdirectory of the root.
	Domain string
	// Name is the table name and the backing file's base name.
	Name string
	// Version is the schema version handed to Seed when the file is created.
	Version int

	Compression Compression
	Caching     CachingStrategy
	Write       WriteStrategy
	// PageSize is the payload bytes per page for the paged format. Must be a
	// power of two. Zero means DefaultPageSize.
	PageSize int
	// Format is the on-disk format used for writes. Zero means CurrentFormat.
	Format FormatVersion

	// Codec serializes the row's fields. Required.
	Codec Codec[T]
	// Properties are named accessors other tables can target with a
	// foreign key. "Id" is always available.
	Properties map[string]func(T) any
	// ForeignKeys are validated on insert and update.
	ForeignKeys []ForeignKey[T]
	// UniqueIndexes are enforced across all rows of the table.
	UniqueIndexes []UniqueIndex[T]
	// Seed provides the initial content when the file does not exist.
	Seed SeedFunc[T]
	// Triggers run around mutations, ordered by Position.
	Triggers []Trigger[T]

	slidingTimeout time.Duration
}

// SlidingTimeout returns the idle period after which the cached rows are
// dropped. It fails with ErrInvalidState unless Caching is CacheSlidingMemory.
func (s *Schema[T]) SlidingTimeout() (time.Duration, error) {
	if s.Caching != CacheSlidingMemory {
		return 0, fmt.Errorf("sliding timeout on %s cache: %w", s.Caching, ErrInvalidState)
	}
	if s.slidingTimeout == 0 {
		return DefaultSlidingTimeout, nil
	}
	return s.slidingTimeout, nil
}

// SetSlidingTimeout sets the sliding cache timeout.
func (s *Schema[T]) SetSlidingTimeout(d time.Duration) error {
	if s.Caching != CacheSlidingMemory {
		return fmt.Errorf("sliding timeout on %s cache: %w", s.Caching, ErrInvalidState)
	}
	if d < MinSlidingTimeout {
		return &RangeError{Name: "sliding timeout", Value: d, Min: MinSlidingTimeout}
	}
	s.slidingTimeout = d
	return nil
}

// QualifiedName returns "domain/name", or "name" without a domain. It is the
// key foreign keys use to reference the table.
func (s *Schema[T]) QualifiedName() string {
	if s.Domain == "" {
		return s.Name
	}
	return s.Domain + "/" + s.Name
}

func (s *Schema[T]) pageSize() int {
	if s.PageSize == 0 {
		return DefaultPageSize
	}
	return s.PageSize
}

func (s *Schema[T]) format() FormatVersion {
	if s.Format == 0 {
		return CurrentFormat
	}
	return s.Format
}

func (s *Schema[T]) path(root string) string {
	return filepath.Join(root, filepath.FromSlash(s.Domain), s.Name+fileExt)
}

// Validate checks that the schema is well-formed.
func (s *Schema[T]) Validate() error {
	name := s.QualifiedName()
	if s.Name == "" {
		return &ConfigurationError{Table: name, Field: "Name", Reason: "is required"}
	}
	if err := validateFileName(s.Name); err != nil {
		return &ConfigurationError{Table: name, Field: "Name", Reason: err.Error()}
	}
	if s.Domain != "" {
		for _, part := range strings.Split(s.Domain, "/") {
			if err := validateFileName(part); err != nil {
				return &ConfigurationError{Table: name, Field: "Domain", Reason: err.Error()}
			}
		}
	}
	if s.Codec == nil {
		return &ConfigurationError{Table: name, Field: "Codec", Reason: "is required"}
	}
	switch s.Compression {
	case CompressionNone, CompressionBrotli:
	default:
		return &ConfigurationError{Table: name, Field: "Compression", Reason: fmt.Sprintf("unknown mode %d", s.Compression)}
	}
	switch s.Caching {
	case CacheNone, CacheMemory, CacheSlidingMemory:
	default:
		return &ConfigurationError{Table: name, Field: "Caching", Reason: fmt.Sprintf("unknown strategy %d", s.Caching)}
	}
	switch s.Write {
	case WriteForced:
	case WriteLazy:
		// Dirty rows must live in memory until flushed.
		if s.Caching == CacheNone {
			return &ConfigurationError{Table: name, Field: "Write", Reason: "lazy writes require a memory cache"}
		}
	default:
		return &ConfigurationError{Table: name, Field: "Write", Reason: fmt.Sprintf("unknown strategy %d", s.Write)}
	}
	if s.slidingTimeout != 0 && s.Caching != CacheSlidingMemory {
		return &ConfigurationError{Table: name, Field: "SlidingTimeout", Reason: "only valid with sliding memory cache"}
	}
	if ps := s.pageSize(); ps < minPageSize || ps > maxPageSize || ps&(ps-1) != 0 {
		return &RangeError{Name: "page size", Value: ps, Min: minPageSize}
	}
	if _, err := formatFor(s.format()); err != nil {
		return &ConfigurationError{Table: name, Field: "Format", Reason: err.Error()}
	}
	for prop, fn := range s.Properties {
		if prop == "" || fn == nil {
			return &ConfigurationError{Table: name, Field: "Properties", Reason: fmt.Sprintf("invalid property %q", prop)}
		}
		if prop == idProperty {
			return &ConfigurationError{Table: name, Field: "Properties", Reason: "Id is implicit"}
		}
	}
	for i := range s.ForeignKeys {
		fk := &s.ForeignKeys[i]
		if fk.Field == "" || fk.Table == "" || fk.Value == nil {
			return &ConfigurationError{Table: name, Field: "ForeignKeys", Reason: fmt.Sprintf("foreign key %d needs Field, Table and Value", i)}
		}
	}
	seen := make(map[string]bool, len(s.UniqueIndexes))
	for i := range s.UniqueIndexes {
		idx := &s.UniqueIndexes[i]
		if idx.Key == nil {
			return &ConfigurationError{Table: name, Field: "UniqueIndexes", Reason: fmt.Sprintf("index %d has no Key", i)}
		}
		if seen[idx.name(i)] {
			return &ConfigurationError{Table: name, Field: "UniqueIndexes", Reason: fmt.Sprintf("duplicate index name %q", idx.name(i))}
		}
		seen[idx.name(i)] = true
	}
	for i, tr := range s.Triggers {
		if tr == nil {
			return &ConfigurationError{Table: name, Field: "Triggers", Reason: fmt.Sprintf("trigger %d is nil", i)}
		}
	}
	return nil
}

// validateFileName rejects names that cannot be used as a file name on
// common filesystems.
func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("empty path element")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%q is reserved", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7F || strings.ContainsRune(`<>:"/\|?*`, r) {
			return fmt.Errorf("invalid character %q in %q", r, name)
		}
	}
	if strings.HasSuffix(name, " ") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("%q must not end with a space or dot", name)
	}
	return nil
}
