package pagedb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultFlushInterval is the lazy write period used when
// Options.FlushInterval is zero.
const DefaultFlushInterval = time.Second

// Options configures a [DB].
type Options struct {
	// MinFormat is the oldest file format the database accepts when reading
	// and writing. Zero means FormatFlat.
	MinFormat FormatVersion
	// FlushInterval is the period of the lazy write worker.
	FlushInterval time.Duration
	// Logger receives the engine's logs. Nil means slog.Default().
	Logger *slog.Logger
}

// DB is a directory of table files and the registry of the tables opened in
// it. Foreign keys resolve against the tables registered in the same DB.
type DB struct {
	root          string
	minFormat     FormatVersion
	flushInterval time.Duration
	logger        *slog.Logger
	refs          *foreignKeys

	mu     sync.Mutex
	closed bool
}

// Open returns a database rooted at an existing directory.
func Open(root string, opts *Options) (*DB, error) {
	if root == "" {
		return nil, fmt.Errorf("empty root: %w", ErrArgument)
	}
	if opts == nil {
		opts = &Options{}
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("database root %s: %w", root, errors.Join(ErrPath, err))
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("database root %s is not a directory: %w", root, ErrPath)
	}
	db := &DB{
		root:          root,
		minFormat:     opts.MinFormat,
		flushInterval: opts.FlushInterval,
		logger:        opts.Logger,
		refs:          newForeignKeys(),
	}
	if db.minFormat == 0 {
		db.minFormat = FormatFlat
	}
	if _, err := formatFor(db.minFormat); err != nil {
		return nil, &ConfigurationError{Field: "MinFormat", Reason: err.Error()}
	}
	if db.flushInterval == 0 {
		db.flushInterval = DefaultFlushInterval
	} else if db.flushInterval < time.Millisecond {
		return nil, &RangeError{Name: "flush interval", Value: db.flushInterval, Min: time.Millisecond}
	}
	if db.logger == nil {
		db.logger = slog.Default()
	}
	return db, nil
}

// Root returns the database directory.
func (db *DB) Root() string {
	return db.root
}

// MinFormat returns the oldest accepted file format.
func (db *DB) MinFormat() FormatVersion {
	return db.minFormat
}

// Tables returns the qualified names of the registered tables, sorted.
func (db *DB) Tables() []string {
	handles := db.refs.handles()
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = h.Name()
	}
	return out
}

// Stats returns the statistics of every registered table, sorted by name.
func (db *DB) Stats() []TableStats {
	handles := db.refs.handles()
	out := make([]TableStats, len(handles))
	for i, h := range handles {
		out[i] = h.Stats()
	}
	return out
}

// ValidateReference checks that a row of the registered table target has
// property equal to value. property "Id" matches row ids.
func (db *DB) ValidateReference(ctx context.Context, target, property string, value any) error {
	if property == "" {
		property = idProperty
	}
	return db.refs.validate(ctx, target, property, value, false)
}

// Flush writes the pending changes of every lazy table.
func (db *DB) Flush(ctx context.Context) error {
	var errs []error
	for _, h := range db.refs.handles() {
		if err := h.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Compact rewrites every registered table file.
func (db *DB) Compact(ctx context.Context) error {
	var errs []error
	for _, h := range db.refs.handles() {
		if err := h.Compact(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to compact %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Unregister closes the named table and removes it from foreign key
// resolution.
func (db *DB) Unregister(ctx context.Context, name string) error {
	h, ok := db.refs.remove(name)
	if !ok {
		return fmt.Errorf("table %q: %w", name, ErrNotFound)
	}
	return h.close(ctx)
}

// Close flushes and closes every registered table.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	db.closed = true
	db.mu.Unlock()
	var errs []error
	for _, h := range db.refs.handles() {
		if err := db.Unregister(ctx, h.Name()); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (db *DB) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}
