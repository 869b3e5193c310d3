package pagedb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"
)

// Seed is the initial content of a table created from scratch.
type Seed[T any] struct {
	// Sequence is the initial primary sequence value. Rows without an id
	// are numbered from Sequence+1.
	Sequence int64
	// SecondarySequence is the initial secondary sequence value.
	SecondarySequence int64
	// Rows is the initial content, possibly empty.
	Rows []T
}

// SeedFunc returns the initial content for the given schema version, or
// false to create an empty table.
type SeedFunc[T any] func(version int) (Seed[T], bool, error)

// TableStats is a snapshot of a table's persisted state.
type TableStats struct {
	Name        string
	Path        string
	Format      FormatVersion
	Compression Compression
	Caching     CachingStrategy
	Write       WriteStrategy

	// RecordCount, DataLength and CompactPercent describe the last write.
	RecordCount    int
	DataLength     int64
	CompactPercent float64

	Sequence          int64
	SecondarySequence int64
	// Dirty is set while a lazy table has changes not yet flushed.
	Dirty bool
	// Cached is set while the rows are held in memory.
	Cached bool
}

// fileStats describes the file as last read or written.
type fileStats struct {
	recordCount    int
	dataLength     int64
	compactPercent float64
}

// Table handles storage and in-memory caching for a single table.
//
// Mutations take the exclusive lock. Reads of a cached table only take the
// read lock long enough to grab the current row set, which is never modified
// once published.
type Table[T Row[T]] struct {
	db      *DB
	schema  Schema[T]
	name    string
	path    string
	logger  *slog.Logger
	pipe    *pipeline[T]
	layout  layout
	readers []layout
	sliding time.Duration
	lock    *fileLock

	mu     sync.RWMutex
	set    *rowSet[T] // nil when not cached
	seq    int64
	seq2   int64
	dirty  bool
	gen    uint64 // bumped by every committed change
	closed bool
	stats  fileStats

	flushMu    sync.Mutex
	flusher    *flusher
	lastAccess atomic.Int64
	evictTimer *time.Timer
}

// Register binds a table described by schema to the database root.
//
// The backing file is created from schema.Seed when it does not exist. The
// table is then visible to other tables' foreign keys until it is closed.
func Register[T Row[T]](ctx context.Context, db *DB, schema Schema[T]) (*Table[T], error) {
	if db == nil {
		return nil, fmt.Errorf("nil database: %w", ErrArgument)
	}
	if db.isClosed() {
		return nil, ErrClosed
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	t := &Table[T]{
		db:     db,
		schema: schema,
		name:   schema.QualifiedName(),
		path:   schema.path(db.root),
		pipe:   newPipeline(schema.Triggers),
	}
	if f := schema.format(); f < db.minFormat {
		return nil, &FormatError{Path: t.path, Reason: fmt.Sprintf("format %s is older than the minimum supported %s", f, db.minFormat)}
	}
	t.layout, _ = formatFor(schema.format())
	t.readers = readersFor(schema.format(), db.minFormat)
	t.logger = db.logger.With("table", t.name)
	if schema.Caching == CacheSlidingMemory {
		t.sliding, _ = schema.SlidingTimeout()
	}
	if err := db.refs.reserve(t.name); err != nil {
		return nil, err
	}
	if err := t.open(ctx); err != nil {
		db.refs.release(t.name)
		return nil, err
	}
	db.refs.add(t)
	return t, nil
}

func (t *Table[T]) open(ctx context.Context) (err error) {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil { //nolint:gosec // G301: data directories are world readable
		return fmt.Errorf("failed to create directory for %s: %w", t.path, err)
	}
	if t.lock, err = lockFile(t.path); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, t.lock.release())
		}
	}()
	if _, err := os.Stat(t.path); errors.Is(err, fs.ErrNotExist) {
		if err := t.seed(ctx); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("failed to stat table file %s: %w", t.path, err)
	}
	set, seq, seq2, st, err := t.load()
	if err != nil {
		return err
	}
	t.seq, t.seq2, t.stats = seq, seq2, st
	if t.schema.Caching != CacheNone {
		t.set = set
		t.armEviction()
	}
	if t.schema.Write == WriteLazy {
		bg := context.WithoutCancel(ctx)
		t.flusher = startFlusher(t.db.flushInterval, func() { t.flushCycle(bg) })
	}
	t.logger.DebugContext(ctx, "Registered table", "path", t.path, "rows", st.recordCount, "format", t.layout.Version().String())
	return nil
}

// seed creates the backing file from the schema's seed function.
func (t *Table[T]) seed(ctx context.Context) error {
	var seed Seed[T]
	if t.schema.Seed != nil {
		s, ok, err := t.schema.Seed(t.schema.Version)
		if err != nil {
			return fmt.Errorf("failed to seed table %s: %w", t.name, err)
		}
		if ok {
			seed = s
		}
	}
	seq := seed.Sequence
	rows := make([]T, 0, len(seed.Rows))
	for _, row := range seed.Rows {
		c := row.Clone()
		if id := c.GetID(); id == 0 {
			seq++
			c.AssignID(seq)
		} else if id > seq {
			seq = id
		}
		c.Clean()
		rows = append(rows, c)
	}
	set, err := newRowSet(t.name, rows, t.schema.UniqueIndexes)
	if err != nil {
		return fmt.Errorf("invalid seed for table %s: %w", t.name, err)
	}
	if _, err := t.writeFile(set, seq, seed.SecondarySequence); err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "Created table", "version", t.schema.Version, "rows", len(rows))
	return nil
}

// load reads and decodes the backing file.
func (t *Table[T]) load() (*rowSet[T], int64, int64, fileStats, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil, 0, 0, fileStats{}, fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	h, payload, l, err := decodeFile(t.readers, data)
	if err != nil {
		return nil, 0, 0, fileStats{}, &FormatError{Path: t.path, Reason: "no reader accepts the file", Err: err}
	}
	rows, seq, seq2, err := decodePayload(t.schema.Codec, payload, int(h.RecordCount))
	if err != nil {
		return nil, 0, 0, fileStats{}, &FormatError{Path: t.path, Reason: "invalid payload", Err: err}
	}
	set, err := newRowSet(t.name, rows, t.schema.UniqueIndexes)
	if err != nil {
		return nil, 0, 0, fileStats{}, &FormatError{Path: t.path, Reason: "invalid rows", Err: err}
	}
	st := fileStats{recordCount: len(rows), dataLength: int64(len(data))}
	if h.Compression != CompressionNone {
		pageSize := l.PageSize(data)
		if pageSize <= 0 {
			pageSize = t.schema.pageSize()
		}
		st.compactPercent = 100 * float64(len(data)) / float64(l.Size(len(payload), pageSize))
	}
	return set, seq, seq2, st, nil
}

// writeFile serializes set and atomically replaces the backing file.
func (t *Table[T]) writeFile(set *rowSet[T], seq, seq2 int64) (fileStats, error) {
	payload, err := encodePayload(t.schema.Codec, set.rows, seq, seq2)
	if err != nil {
		return fileStats{}, err
	}
	f, err := encodeFile(t.layout, t.schema.Compression, t.schema.pageSize(), payload, len(set.rows))
	if err != nil {
		return fileStats{}, fmt.Errorf("failed to encode table %s: %w", t.name, err)
	}
	if err := natomic.WriteFile(t.path, bytes.NewReader(f.data)); err != nil {
		return fileStats{}, fmt.Errorf("failed to write table file %s: %w", t.path, err)
	}
	return fileStats{recordCount: len(set.rows), dataLength: int64(len(f.data)), compactPercent: f.compactPercent}, nil
}

// snapshot returns the current row set, loading it from disk when it is not
// cached.
func (t *Table[T]) snapshot() (*rowSet[T], error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, ErrClosed
	}
	if s := t.set; s != nil {
		t.mu.RUnlock()
		t.touch()
		return s, nil
	}
	if t.schema.Caching == CacheNone {
		defer t.mu.RUnlock()
		s, _, _, _, err := t.load()
		return s, err
	}
	t.mu.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.currentLocked()
}

// currentLocked returns the row set, loading and caching it as configured.
// The caller holds the write lock.
func (t *Table[T]) currentLocked() (*rowSet[T], error) {
	if t.set != nil {
		t.touch()
		return t.set, nil
	}
	s, _, _, st, err := t.load()
	if err != nil {
		return nil, err
	}
	t.stats = st
	if t.schema.Caching != CacheNone {
		t.set = s
		t.armEviction()
	}
	return s, nil
}

// commitLocked publishes next and the sequences. Forced tables write the
// file first and publish nothing on failure. The caller holds the write lock.
func (t *Table[T]) commitLocked(next *rowSet[T], seq, seq2 int64) error {
	if t.schema.Write == WriteForced {
		st, err := t.writeFile(next, seq, seq2)
		if err != nil {
			return err
		}
		t.stats = st
	} else {
		t.dirty = true
	}
	if t.schema.Caching != CacheNone {
		t.set = next
	}
	t.seq, t.seq2 = seq, seq2
	t.gen++
	return nil
}

// Name returns the qualified table name.
func (t *Table[T]) Name() string {
	return t.name
}

// Path returns the backing file path.
func (t *Table[T]) Path() string {
	return t.path
}

// Schema returns a copy of the table's schema.
func (t *Table[T]) Schema() Schema[T] {
	return t.schema
}

// Select returns clones of all rows in insertion order.
func (t *Table[T]) Select(ctx context.Context) ([]T, error) {
	s, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]T, len(s.rows))
	for i, row := range s.rows {
		out[i] = row.Clone()
	}
	return out, nil
}

// Get returns a clone of the row with the given id.
func (t *Table[T]) Get(ctx context.Context, id int64) (T, error) {
	var zero T
	s, err := t.snapshot()
	if err != nil {
		return zero, err
	}
	row, ok := s.get(id)
	if !ok {
		return zero, fmt.Errorf("%s: row %d: %w", t.name, id, ErrNotFound)
	}
	return row.Clone(), nil
}

// Lookup returns a clone of the row holding key in the named unique index.
func (t *Table[T]) Lookup(ctx context.Context, index string, key any) (T, error) {
	var zero T
	s, err := t.snapshot()
	if err != nil {
		return zero, err
	}
	idx, ok := s.index(index)
	if !ok {
		return zero, fmt.Errorf("%s: unknown index %q: %w", t.name, index, ErrArgument)
	}
	id, ok := idx.byKey[key]
	if !ok {
		return zero, fmt.Errorf("%s: %s=%v: %w", t.name, index, key, ErrNotFound)
	}
	row, _ := s.get(id)
	return row.Clone(), nil
}

// Ordered returns clones of the rows sorted by the named unique index, in
// the index's direction. Rows without a key are omitted.
func (t *Table[T]) Ordered(ctx context.Context, index string) ([]T, error) {
	s, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	idx, ok := s.index(index)
	if !ok {
		return nil, fmt.Errorf("%s: unknown index %q: %w", t.name, index, ErrArgument)
	}
	rows := s.ordered(idx)
	for i, row := range rows {
		rows[i] = row.Clone()
	}
	return rows, nil
}

// Insert adds rows. Rows without an id receive the next sequence values.
// A row may carry an id above the sequence, which then moves past it; an id
// that was already issued is rejected since ids are never reused. A batch
// must not hold the same row or the same id twice.
//
// Ids are assigned when the batch commits: before-insert triggers see the
// rows as passed in. On success the rows are marked clean.
func (t *Table[T]) Insert(ctx context.Context, rows ...T) error {
	if err := checkBatch(rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if ok, err := t.pipe.before(ctx, opInsert, rows); err != nil || !ok {
		return err
	}
	if err := t.validateReferences(ctx, opInsert, rows); err != nil {
		return err
	}
	stored, err := t.applyInsert(rows)
	if err != nil {
		return err
	}
	t.pipe.after(ctx, t.logger, opInsert, stored)
	return nil
}

func (t *Table[T]) applyInsert(rows []T) ([]T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	cur, err := t.currentLocked()
	if err != nil {
		return nil, err
	}
	next := cur.clone()
	seq := t.seq
	ids := make([]int64, len(rows))
	stored := make([]T, len(rows))
	for i, row := range rows {
		c := row.Clone()
		switch id := c.GetID(); {
		case id == 0:
			seq++
			c.AssignID(seq)
		case id > seq:
			seq = id
		default:
			if _, ok := next.get(id); !ok {
				return nil, fmt.Errorf("%s: id %d was already issued: %w", t.name, id, ErrArgument)
			}
		}
		c.Clean()
		if err := next.insert(c); err != nil {
			return nil, err
		}
		ids[i] = c.GetID()
		stored[i] = c.Clone()
	}
	if err := t.commitLocked(next, seq, t.seq2); err != nil {
		return nil, err
	}
	for i, row := range rows {
		row.AssignID(ids[i])
		row.Clean()
	}
	return stored, nil
}

// Update replaces the stored rows having the same ids. Rows that are not
// dirty are skipped; if none is dirty nothing happens. Only changes made
// through setters mark a row dirty: a field assigned directly is not
// persisted. Unique keys are checked once the whole batch is applied. On
// success the rows are marked clean.
func (t *Table[T]) Update(ctx context.Context, rows ...T) error {
	if err := checkBatch(rows); err != nil {
		return err
	}
	dirty := make([]T, 0, len(rows))
	for _, row := range rows {
		if row.GetID() == 0 {
			return fmt.Errorf("%s: update of a row without id: %w", t.name, ErrArgument)
		}
		if row.Dirty() {
			dirty = append(dirty, row)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	if ok, err := t.pipe.before(ctx, opUpdate, dirty); err != nil || !ok {
		return err
	}
	if err := t.validateReferences(ctx, opUpdate, dirty); err != nil {
		return err
	}
	stored, err := t.applyUpdate(dirty)
	if err != nil {
		return err
	}
	t.pipe.after(ctx, t.logger, opUpdate, stored)
	return nil
}

func (t *Table[T]) applyUpdate(rows []T) ([]T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	cur, err := t.currentLocked()
	if err != nil {
		return nil, err
	}
	next := cur.clone()
	clones := make([]T, len(rows))
	stored := make([]T, len(rows))
	for i, row := range rows {
		clones[i] = row.Clone()
		clones[i].Clean()
		stored[i] = clones[i].Clone()
	}
	if err := next.update(clones); err != nil {
		return nil, err
	}
	if err := t.commitLocked(next, t.seq, t.seq2); err != nil {
		return nil, err
	}
	for _, row := range rows {
		row.Clean()
	}
	return stored, nil
}

// Delete removes the rows having the same ids as rows. Triggers and the
// reference check see the stored rows.
func (t *Table[T]) Delete(ctx context.Context, rows ...T) error {
	if err := checkRows(rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	s, err := t.snapshot()
	if err != nil {
		return err
	}
	stored := make([]T, 0, len(rows))
	ids := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		id := row.GetID()
		if _, dup := ids[id]; dup {
			continue
		}
		cur, ok := s.get(id)
		if !ok {
			return fmt.Errorf("%s: row %d: %w", t.name, id, ErrNotFound)
		}
		ids[id] = struct{}{}
		stored = append(stored, cur.Clone())
	}
	return t.deleteRows(ctx, "delete", stored, ids)
}

// Truncate removes all rows after checking that no other table references
// any of them. Delete triggers run for the whole table.
func (t *Table[T]) Truncate(ctx context.Context) error {
	s, err := t.snapshot()
	if err != nil {
		return err
	}
	stored := make([]T, len(s.rows))
	ids := make(map[int64]struct{}, len(s.rows))
	for i, row := range s.rows {
		stored[i] = row.Clone()
		ids[row.GetID()] = struct{}{}
	}
	return t.deleteRows(ctx, "truncate", stored, ids)
}

func (t *Table[T]) deleteRows(ctx context.Context, opName string, stored []T, ids map[int64]struct{}) error {
	if len(stored) == 0 {
		return nil
	}
	if ok, err := t.pipe.before(ctx, opDelete, stored); err != nil || !ok {
		return err
	}
	if err := t.checkReferencedBy(ctx, opName, stored, ids); err != nil {
		return err
	}
	if err := t.applyDelete(ids); err != nil {
		return err
	}
	t.pipe.after(ctx, t.logger, opDelete, stored)
	return nil
}

func (t *Table[T]) applyDelete(ids map[int64]struct{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	cur, err := t.currentLocked()
	if err != nil {
		return err
	}
	for id := range ids {
		if _, ok := cur.byID[id]; !ok {
			return fmt.Errorf("%s: row %d: %w", t.name, id, ErrNotFound)
		}
	}
	next := cur.clone()
	next.remove(ids)
	return t.commitLocked(next, t.seq, t.seq2)
}

// InsertOrUpdate updates row if its id is set and stored, inserts it
// otherwise. A row whose id was deleted is rejected by the insert with
// ErrArgument, as ids are never reused.
func (t *Table[T]) InsertOrUpdate(ctx context.Context, row T) error {
	if err := checkRows([]T{row}); err != nil {
		return err
	}
	if id := row.GetID(); id != 0 {
		s, err := t.snapshot()
		if err != nil {
			return err
		}
		if _, ok := s.get(id); ok {
			return t.Update(ctx, row)
		}
	}
	return t.Insert(ctx, row)
}

// NextSequence reserves and returns the next primary sequence value.
func (t *Table[T]) NextSequence(ctx context.Context) (int64, error) {
	return t.NextSequenceN(ctx, 1)
}

// NextSequenceN reserves n consecutive primary sequence values and returns
// the first one.
func (t *Table[T]) NextSequenceN(ctx context.Context, n int) (int64, error) {
	if n < 1 {
		return 0, &RangeError{Name: "sequence increment", Value: n, Min: 1}
	}
	var first int64
	err := t.updateSequences(func(seq, _ *int64) {
		first = *seq + 1
		*seq += int64(n)
	})
	return first, err
}

// NextSecondarySequence reserves and returns the next secondary sequence
// value, used for numbering independent from row ids.
func (t *Table[T]) NextSecondarySequence(ctx context.Context) (int64, error) {
	var v int64
	err := t.updateSequences(func(_, seq2 *int64) {
		*seq2++
		v = *seq2
	})
	return v, err
}

// ResetSequence rebases the primary sequence so the next value is v+1.
//
// This bypasses the guarantee that ids are never reused and must not run
// concurrently with inserts.
func (t *Table[T]) ResetSequence(ctx context.Context, v int64) error {
	if v < 0 {
		return &RangeError{Name: "sequence", Value: v, Min: 0}
	}
	t.logger.WarnContext(ctx, "Resetting sequence", "from", t.Sequence(), "to", v)
	return t.updateSequences(func(seq, _ *int64) {
		*seq = v
	})
}

func (t *Table[T]) updateSequences(fn func(seq, seq2 *int64)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	cur, err := t.currentLocked()
	if err != nil {
		return err
	}
	seq, seq2 := t.seq, t.seq2
	fn(&seq, &seq2)
	return t.commitLocked(cur, seq, seq2)
}

// Sequence returns the last reserved primary sequence value.
func (t *Table[T]) Sequence() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq
}

// SecondarySequence returns the last reserved secondary sequence value.
func (t *Table[T]) SecondarySequence() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq2
}

// RecordCount returns the number of rows in the last written file.
func (t *Table[T]) RecordCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.recordCount
}

// DataLength returns the size in bytes of the last written file.
func (t *Table[T]) DataLength() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.dataLength
}

// CompactPercent returns the size of the last written file as a percentage
// of its uncompressed size, or 0 if it was not compressed.
func (t *Table[T]) CompactPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.compactPercent
}

// Stats returns a snapshot of the table's counters.
func (t *Table[T]) Stats() TableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TableStats{
		Name:              t.name,
		Path:              t.path,
		Format:            t.layout.Version(),
		Compression:       t.schema.Compression,
		Caching:           t.schema.Caching,
		Write:             t.schema.Write,
		RecordCount:       t.stats.recordCount,
		DataLength:        t.stats.dataLength,
		CompactPercent:    t.stats.compactPercent,
		Sequence:          t.seq,
		SecondarySequence: t.seq2,
		Dirty:             t.dirty,
		Cached:            t.set != nil,
	}
}

// Flush writes pending changes of a lazy table. It is a no-op when nothing
// is pending. The write happens outside the table lock so that mutations
// never wait on disk I/O; the dirty marker is only cleared if no change was
// committed meanwhile.
func (t *Table[T]) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	t.mu.RLock()
	if !t.dirty {
		t.mu.RUnlock()
		return nil
	}
	set, seq, seq2, gen := t.set, t.seq, t.seq2, t.gen
	t.mu.RUnlock()
	st, err := t.writeFile(set, seq, seq2)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.stats = st
	if t.gen == gen {
		t.dirty = false
	}
	t.mu.Unlock()
	t.logger.DebugContext(ctx, "Flushed table", "rows", st.recordCount, "bytes", st.dataLength)
	return nil
}

// Compact rewrites the file from the current rows in the configured format
// and compression, whether or not anything changed. It upgrades files
// written in an older format.
func (t *Table[T]) Compact(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	cur, err := t.currentLocked()
	if err != nil {
		return err
	}
	before := t.stats.dataLength
	st, err := t.writeFile(cur, t.seq, t.seq2)
	if err != nil {
		return err
	}
	t.stats = st
	t.dirty = false
	t.logger.InfoContext(ctx, "Compacted table", "before", before, "after", st.dataLength, "compact", st.compactPercent)
	return nil
}

// flushCycle is the lazy worker's tick. Failures keep the table dirty so the
// next tick retries.
func (t *Table[T]) flushCycle(ctx context.Context) {
	if err := t.Flush(ctx); err != nil {
		t.logger.WarnContext(ctx, "Background flush failed", "err", err)
	}
}

// Close flushes pending changes, stops the background worker and removes the
// table from the database.
func (t *Table[T]) Close(ctx context.Context) error {
	return t.db.Unregister(ctx, t.name)
}

func (t *Table[T]) close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	if t.evictTimer != nil {
		t.evictTimer.Stop()
	}
	t.mu.Unlock()
	if t.flusher != nil {
		t.flusher.close()
	}
	err := t.Flush(ctx)
	if err != nil {
		t.logger.ErrorContext(ctx, "Final flush failed", "err", err)
	}
	t.mu.Lock()
	t.set = nil
	t.mu.Unlock()
	return errors.Join(err, t.lock.release())
}

// touch records an access for the sliding cache.
func (t *Table[T]) touch() {
	if t.sliding > 0 {
		t.lastAccess.Store(time.Now().UnixNano())
	}
}

// armEviction starts the sliding cache timer. The caller holds the write lock.
func (t *Table[T]) armEviction() {
	if t.sliding <= 0 {
		return
	}
	t.touch()
	if t.evictTimer == nil {
		t.evictTimer = time.AfterFunc(t.sliding, t.evict)
	} else {
		t.evictTimer.Reset(t.sliding)
	}
}

// evict drops the cached rows if they were not accessed for the sliding
// timeout. Dirty rows are kept until flushed.
func (t *Table[T]) evict() {
	idle := time.Since(time.Unix(0, t.lastAccess.Load()))
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.set == nil {
		return
	}
	if idle < t.sliding {
		t.evictTimer.Reset(t.sliding - idle)
		return
	}
	if t.dirty {
		t.evictTimer.Reset(t.sliding)
		return
	}
	t.set = nil
	t.logger.DebugContext(context.Background(), "Evicted table from cache", "idle", idle)
}

// checkBatch rejects nil rows, and rows or non-zero ids present twice.
func checkBatch[T Row[T]](rows []T) error {
	if err := checkRows(rows); err != nil {
		return err
	}
	seen := make(map[any]int, len(rows))
	ids := make(map[int64]int, len(rows))
	for i, row := range rows {
		if j, dup := seen[any(row)]; dup {
			return fmt.Errorf("rows %d and %d are the same row: %w", j, i, ErrArgument)
		}
		seen[any(row)] = i
		if id := row.GetID(); id != 0 {
			if j, dup := ids[id]; dup {
				return fmt.Errorf("rows %d and %d share id %d: %w", j, i, id, ErrArgument)
			}
			ids[id] = i
		}
	}
	return nil
}

// checkRows rejects nil rows.
func checkRows[T Row[T]](rows []T) error {
	var zero T
	for i, row := range rows {
		if any(row) == any(zero) {
			return fmt.Errorf("row %d is nil: %w", i, ErrArgument)
		}
	}
	return nil
}
