package pagedb

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"
)

// item is the row type used by the tests.
type item struct {
	Entity
	Name   string
	Parent int64
	Tags   *List[string]
}

func newItem(name string) *item {
	i := &item{Name: name}
	i.Tags = NewList[string](&i.Entity)
	return i
}

func (i *item) Clone() *item {
	c := *i
	c.Tags = i.Tags.CloneFor(&c.Entity)
	return &c
}

func (i *item) SetName(v string) {
	Set(&i.Entity, &i.Name, v)
}

func (i *item) SetParent(v int64) {
	Set(&i.Entity, &i.Parent, v)
}

var itemCodec = CodecFuncs[*item]{
	Encode: func(w *RecordWriter, i *item) error {
		w.WriteString(i.Name)
		w.WriteInt64(i.Parent)
		w.WriteLen(i.Tags.Len())
		for _, tag := range i.Tags.All() {
			w.WriteString(tag)
		}
		return nil
	},
	Decode: func(r *RecordReader) (*item, error) {
		i := &item{Name: r.ReadString(), Parent: r.ReadInt64()}
		n := r.ReadLen()
		tags := make([]string, 0, n)
		for range n {
			tags = append(tags, r.ReadString())
		}
		i.Tags = NewList(&i.Entity, tags...)
		return i, nil
	},
}

func itemSchema(name string) Schema[*item] {
	return Schema[*item]{
		Name:    name,
		Caching: CacheMemory,
		Codec:   itemCodec,
		Properties: map[string]func(*item) any{
			"Name": func(i *item) any { return i.Name },
		},
	}
}

func names(rows []*item) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Name
	}
	return out
}

func newDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	return openDB(t, t.TempDir(), opts)
}

func openDB(t *testing.T, root string, opts *Options) *DB {
	t.Helper()
	db, err := Open(root, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("Close failed: %v", err)
		}
	})
	return db
}

func register(t *testing.T, db *DB, s Schema[*item]) *Table[*item] {
	t.Helper()
	tbl, err := Register(t.Context(), db, s)
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", s.QualifiedName(), err)
	}
	return tbl
}

// fileRecordCount reads the record count from a table file header.
func fileRecordCount(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return int(binary.LittleEndian.Uint32(data[offRecordCount:]))
}
