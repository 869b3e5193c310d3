package pagedb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTable(t *testing.T) {
	t.Run("Insert", func(t *testing.T) {
		t.Run("assigns increasing ids", func(t *testing.T) {
			tbl := register(t, newDB(t, nil), itemSchema("items"))
			a, b := newItem("a"), newItem("b")
			if err := tbl.Insert(t.Context(), a, b); err != nil {
				t.Fatal(err)
			}
			if a.GetID() != 1 || b.GetID() != 2 {
				t.Errorf("ids = %d, %d", a.GetID(), b.GetID())
			}
			if a.Dirty() || b.Dirty() {
				t.Error("inserted rows should be clean")
			}
			if err := tbl.Delete(t.Context(), b); err != nil {
				t.Fatal(err)
			}
			c := newItem("c")
			if err := tbl.Insert(t.Context(), c); err != nil {
				t.Fatal(err)
			}
			if c.GetID() != 3 {
				t.Errorf("id after delete = %d, want 3", c.GetID())
			}
		})
		t.Run("deleted ids are not reused", func(t *testing.T) {
			tbl := register(t, newDB(t, nil), itemSchema("items"))
			a, b := newItem("a"), newItem("b")
			if err := tbl.Insert(t.Context(), a); err != nil {
				t.Fatal(err)
			}
			if err := tbl.Insert(t.Context(), b); err != nil {
				t.Fatal(err)
			}
			if err := tbl.Delete(t.Context(), a); err != nil {
				t.Fatal(err)
			}
			if err := tbl.InsertOrUpdate(t.Context(), a); !errors.Is(err, ErrArgument) {
				t.Fatalf("InsertOrUpdate of a deleted row: got %v", err)
			}
			if err := tbl.Insert(t.Context(), a); !errors.Is(err, ErrArgument) {
				t.Fatalf("Insert of a deleted row: got %v", err)
			}
			if got := tbl.Sequence(); got != 2 {
				t.Errorf("Sequence() = %d, want 2", got)
			}
			c := newItem("c")
			if err := tbl.InsertOrUpdate(t.Context(), c); err != nil {
				t.Fatal(err)
			}
			rows, err := tbl.Select(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			var ids []int64
			for _, r := range rows {
				ids = append(ids, r.GetID())
			}
			if diff := cmp.Diff([]int64{2, 3}, ids); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
		t.Run("same row twice", func(t *testing.T) {
			tbl := register(t, newDB(t, nil), itemSchema("items"))
			a := newItem("a")
			if err := tbl.Insert(t.Context(), a, a); !errors.Is(err, ErrArgument) {
				t.Fatalf("got %v", err)
			}
			x, y := newItem("x"), newItem("y")
			x.AssignID(5)
			y.AssignID(5)
			if err := tbl.Insert(t.Context(), x, y); !errors.Is(err, ErrArgument) {
				t.Fatalf("shared id: got %v", err)
			}
			if a.GetID() != 0 || tbl.RecordCount() != 0 || tbl.Sequence() != 0 {
				t.Errorf("id = %d, count = %d, seq = %d", a.GetID(), tbl.RecordCount(), tbl.Sequence())
			}
			if _, err := os.Stat(tbl.Path()); err != nil {
				t.Fatal(err)
			}
			if got := fileRecordCount(t, tbl.Path()); got != 0 {
				t.Errorf("file holds %d rows", got)
			}
		})
		t.Run("explicit id moves the sequence", func(t *testing.T) {
			tbl := register(t, newDB(t, nil), itemSchema("items"))
			a := newItem("a")
			a.AssignID(10)
			b := newItem("b")
			if err := tbl.Insert(t.Context(), a, b); err != nil {
				t.Fatal(err)
			}
			if b.GetID() != 11 {
				t.Errorf("id = %d, want 11", b.GetID())
			}
			dup := newItem("dup")
			dup.AssignID(10)
			var uve *UniqueViolationError
			if err := tbl.Insert(t.Context(), dup); !errors.As(err, &uve) || uve.Index != "Id" {
				t.Fatalf("got %v", err)
			}
		})
		t.Run("header of a single row file", func(t *testing.T) {
			s := itemSchema("items")
			s.Format = FormatFlat
			tbl := register(t, newDB(t, nil), s)
			if err := tbl.Insert(t.Context(), newItem("x")); err != nil {
				t.Fatal(err)
			}
			data, err := os.ReadFile(tbl.Path())
			if err != nil {
				t.Fatal(err)
			}
			// Payload: 16 bytes of sequences, then [4B len][8B id] and the
			// codec's 17 bytes for name "x", parent and an empty tag list.
			want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 45, 0x00, 0x00, 0x00}
			if diff := cmp.Diff(want, data[:headerSize]); diff != "" {
				t.Errorf("header mismatch (-want +got):\n%s", diff)
			}
			if got := tbl.RecordCount(); got != 1 {
				t.Errorf("RecordCount() = %d", got)
			}
			if got := tbl.DataLength(); got != int64(len(data)) {
				t.Errorf("DataLength() = %d, file has %d", got, len(data))
			}
		})
		t.Run("nil row", func(t *testing.T) {
			tbl := register(t, newDB(t, nil), itemSchema("items"))
			if err := tbl.Insert(t.Context(), nil); !errors.Is(err, ErrArgument) {
				t.Fatalf("got %v", err)
			}
		})
		t.Run("unique violation rejects the batch", func(t *testing.T) {
			s := itemSchema("items")
			s.UniqueIndexes = []UniqueIndex[*item]{{Name: "Name", Key: func(i *item) any { return i.Name }}}
			tbl := register(t, newDB(t, nil), s)
			if err := tbl.Insert(t.Context(), newItem("a")); err != nil {
				t.Fatal(err)
			}
			b, a2 := newItem("b"), newItem("a")
			err := tbl.Insert(t.Context(), b, a2)
			if !errors.Is(err, ErrUniqueViolation) {
				t.Fatalf("got %v", err)
			}
			if b.GetID() != 0 {
				t.Error("rejected row received an id")
			}
			rows, err := tbl.Select(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{"a"}, names(rows)); diff != "" {
				t.Errorf("rows mismatch (-want +got):\n%s", diff)
			}
			if tbl.Sequence() != 1 {
				t.Errorf("Sequence() = %d", tbl.Sequence())
			}
		})
	})

	t.Run("Update", func(t *testing.T) {
		var calls int
		s := itemSchema("items")
		s.Triggers = []Trigger[*item]{&TriggerFuncs[*item]{
			OnBeforeUpdate: func(_ context.Context, rows []*item) (bool, error) {
				calls += len(rows)
				return true, nil
			},
		}}
		tbl := register(t, newDB(t, nil), s)
		a := newItem("a")
		if err := tbl.Insert(t.Context(), a); err != nil {
			t.Fatal(err)
		}
		t.Run("clean rows are skipped", func(t *testing.T) {
			if err := tbl.Update(t.Context(), a); err != nil {
				t.Fatal(err)
			}
			if calls != 0 {
				t.Errorf("trigger called %d times", calls)
			}
		})
		t.Run("dirty rows are stored", func(t *testing.T) {
			a.SetName("renamed")
			a.Tags.Add("t")
			if err := tbl.Update(t.Context(), a); err != nil {
				t.Fatal(err)
			}
			if calls != 1 || a.Dirty() {
				t.Errorf("calls = %d, dirty = %t", calls, a.Dirty())
			}
			got, err := tbl.Get(t.Context(), a.GetID())
			if err != nil {
				t.Fatal(err)
			}
			if got.Name != "renamed" || got.Tags.Len() != 1 {
				t.Errorf("got %+v", got)
			}
		})
		t.Run("setter is required", func(t *testing.T) {
			a.Name = "assigned"
			if err := tbl.Update(t.Context(), a); err != nil {
				t.Fatal(err)
			}
			got, _ := tbl.Get(t.Context(), a.GetID())
			if got.Name != "renamed" {
				t.Errorf("direct assignment was stored: %q", got.Name)
			}
			a.Name = "renamed"
		})
		t.Run("same row twice", func(t *testing.T) {
			a.SetName("twice")
			if err := tbl.Update(t.Context(), a, a); !errors.Is(err, ErrArgument) {
				t.Fatalf("got %v", err)
			}
			a.SetName("renamed")
			a.Clean()
		})
		t.Run("row without id", func(t *testing.T) {
			n := newItem("n")
			n.SetName("m")
			if err := tbl.Update(t.Context(), n); !errors.Is(err, ErrArgument) {
				t.Fatalf("got %v", err)
			}
		})
		t.Run("unknown id", func(t *testing.T) {
			n := newItem("n")
			n.AssignID(99)
			n.SetName("m")
			if err := tbl.Update(t.Context(), n); !errors.Is(err, ErrNotFound) {
				t.Fatalf("got %v", err)
			}
		})
		t.Run("returned rows are copies", func(t *testing.T) {
			got, err := tbl.Get(t.Context(), a.GetID())
			if err != nil {
				t.Fatal(err)
			}
			got.Name = "mutated"
			again, _ := tbl.Get(t.Context(), a.GetID())
			if again.Name != "renamed" {
				t.Errorf("stored row changed to %q", again.Name)
			}
		})
	})

	t.Run("Update swaps unique keys", func(t *testing.T) {
		s := itemSchema("items")
		s.UniqueIndexes = []UniqueIndex[*item]{{Name: "Name", Key: func(i *item) any { return i.Name }}}
		tbl := register(t, newDB(t, nil), s)
		a, b, c := newItem("x"), newItem("y"), newItem("z")
		if err := tbl.Insert(t.Context(), a, b, c); err != nil {
			t.Fatal(err)
		}
		a.SetName("y")
		b.SetName("x")
		if err := tbl.Update(t.Context(), a, b); err != nil {
			t.Fatal(err)
		}
		got, err := tbl.Lookup(t.Context(), "Name", "x")
		if err != nil {
			t.Fatal(err)
		}
		if got.GetID() != b.GetID() {
			t.Errorf("x owned by %d, want %d", got.GetID(), b.GetID())
		}
		a.SetName("z")
		if err := tbl.Update(t.Context(), a); !errors.Is(err, ErrUniqueViolation) {
			t.Fatalf("got %v", err)
		}
		// The failed batch left the index untouched.
		if got, err := tbl.Lookup(t.Context(), "Name", "y"); err != nil || got.GetID() != a.GetID() {
			t.Errorf("Lookup(y) = %v, %v", got, err)
		}
	})

	t.Run("InsertOrUpdate", func(t *testing.T) {
		tbl := register(t, newDB(t, nil), itemSchema("items"))
		a := newItem("a")
		if err := tbl.InsertOrUpdate(t.Context(), a); err != nil {
			t.Fatal(err)
		}
		a.SetName("b")
		if err := tbl.InsertOrUpdate(t.Context(), a); err != nil {
			t.Fatal(err)
		}
		rows, _ := tbl.Select(t.Context())
		if diff := cmp.Diff([]string{"b"}, names(rows)); diff != "" {
			t.Errorf("rows mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		tbl := register(t, newDB(t, nil), itemSchema("items"))
		a, b, c := newItem("a"), newItem("b"), newItem("c")
		if err := tbl.Insert(t.Context(), a, b, c); err != nil {
			t.Fatal(err)
		}
		if err := tbl.Delete(t.Context(), b); err != nil {
			t.Fatal(err)
		}
		rows, _ := tbl.Select(t.Context())
		if diff := cmp.Diff([]string{"a", "c"}, names(rows)); diff != "" {
			t.Errorf("rows mismatch (-want +got):\n%s", diff)
		}
		if err := tbl.Delete(t.Context(), b); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v", err)
		}
		if _, err := tbl.Get(t.Context(), b.GetID()); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v", err)
		}
		if err := tbl.Truncate(t.Context()); err != nil {
			t.Fatal(err)
		}
		if n := fileRecordCount(t, tbl.Path()); n != 0 {
			t.Errorf("file has %d records", n)
		}
	})

	t.Run("Lookup and Ordered", func(t *testing.T) {
		s := itemSchema("items")
		s.UniqueIndexes = []UniqueIndex[*item]{
			{Name: "Name", Key: func(i *item) any { return i.Name }},
			{Name: "ParentDesc", Descending: true, Key: func(i *item) any {
				if i.Parent == 0 {
					return nil
				}
				return i.Parent
			}},
		}
		tbl := register(t, newDB(t, nil), s)
		rows := []*item{newItem("b"), newItem("c"), newItem("a")}
		rows[0].Parent = 5
		rows[2].Parent = 7
		if err := tbl.Insert(t.Context(), rows...); err != nil {
			t.Fatal(err)
		}
		got, err := tbl.Lookup(t.Context(), "Name", "c")
		if err != nil {
			t.Fatal(err)
		}
		if got.GetID() != 2 {
			t.Errorf("Lookup id = %d", got.GetID())
		}
		if _, err := tbl.Lookup(t.Context(), "Name", "z"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v", err)
		}
		if _, err := tbl.Lookup(t.Context(), "nope", "z"); !errors.Is(err, ErrArgument) {
			t.Errorf("got %v", err)
		}
		ordered, err := tbl.Ordered(t.Context(), "Name")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"a", "b", "c"}, names(ordered)); diff != "" {
			t.Errorf("ordered mismatch (-want +got):\n%s", diff)
		}
		desc, err := tbl.Ordered(t.Context(), "ParentDesc")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"a", "b"}, names(desc)); diff != "" {
			t.Errorf("descending mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Sequences", func(t *testing.T) {
		root := t.TempDir()
		db := openDB(t, root, nil)
		tbl := register(t, db, itemSchema("items"))
		first, err := tbl.NextSequenceN(t.Context(), 3)
		if err != nil {
			t.Fatal(err)
		}
		if first != 1 || tbl.Sequence() != 3 {
			t.Errorf("first = %d, sequence = %d", first, tbl.Sequence())
		}
		if _, err := tbl.NextSequenceN(t.Context(), 0); !errors.Is(err, ErrRange) {
			t.Errorf("got %v", err)
		}
		for want := int64(1); want <= 2; want++ {
			if v, err := tbl.NextSecondarySequence(t.Context()); err != nil || v != want {
				t.Fatalf("NextSecondarySequence() = %d, %v", v, err)
			}
		}
		if err := tbl.Close(t.Context()); err != nil {
			t.Fatal(err)
		}
		tbl = register(t, db, itemSchema("items"))
		if tbl.Sequence() != 3 || tbl.SecondarySequence() != 2 {
			t.Errorf("after reopen: %d, %d", tbl.Sequence(), tbl.SecondarySequence())
		}
		a := newItem("a")
		if err := tbl.Insert(t.Context(), a); err != nil {
			t.Fatal(err)
		}
		if a.GetID() != 4 {
			t.Errorf("id = %d", a.GetID())
		}
		if err := tbl.ResetSequence(t.Context(), 100); err != nil {
			t.Fatal(err)
		}
		if v, _ := tbl.NextSequence(t.Context()); v != 101 {
			t.Errorf("NextSequence() = %d", v)
		}
	})

	t.Run("Seed", func(t *testing.T) {
		s := itemSchema("items")
		s.Version = 2
		s.Seed = func(version int) (Seed[*item], bool, error) {
			rows := []*item{newItem("one")}
			if version >= 2 {
				rows = append(rows, newItem("two"))
			}
			return Seed[*item]{Sequence: 10, SecondarySequence: 5, Rows: rows}, true, nil
		}
		tbl := register(t, newDB(t, nil), s)
		rows, err := tbl.Select(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"one", "two"}, names(rows)); diff != "" {
			t.Errorf("rows mismatch (-want +got):\n%s", diff)
		}
		if rows[0].GetID() != 11 || rows[1].GetID() != 12 {
			t.Errorf("ids = %d, %d", rows[0].GetID(), rows[1].GetID())
		}
		if tbl.Sequence() != 12 || tbl.SecondarySequence() != 5 {
			t.Errorf("sequences = %d, %d", tbl.Sequence(), tbl.SecondarySequence())
		}
		t.Run("error", func(t *testing.T) {
			s := itemSchema("broken")
			s.Seed = func(int) (Seed[*item], bool, error) {
				return Seed[*item]{}, false, errors.New("boom")
			}
			if _, err := Register(t.Context(), newDB(t, nil), s); err == nil {
				t.Fatal("expected error")
			}
		})
	})

	t.Run("Compression", func(t *testing.T) {
		root := t.TempDir()
		db := openDB(t, root, nil)
		s := itemSchema("items")
		s.Compression = CompressionBrotli
		s.PageSize = 256
		tbl := register(t, db, s)
		rows := make([]*item, 200)
		for i := range rows {
			rows[i] = newItem(strings.Repeat("compressible ", 4))
		}
		if err := tbl.Insert(t.Context(), rows...); err != nil {
			t.Fatal(err)
		}
		if p := tbl.CompactPercent(); p <= 0 || p >= 100 {
			t.Errorf("CompactPercent() = %f", p)
		}
		written := tbl.CompactPercent()
		if err := tbl.Close(t.Context()); err != nil {
			t.Fatal(err)
		}
		// The page size of an existing file comes from the file.
		s.PageSize = DefaultPageSize
		tbl = register(t, db, s)
		got, err := tbl.Select(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 200 {
			t.Errorf("%d rows", len(got))
		}
		if p := tbl.CompactPercent(); p != written {
			t.Errorf("CompactPercent() after reopen = %f, want %f", p, written)
		}
	})

	t.Run("CacheNone", func(t *testing.T) {
		s := itemSchema("items")
		s.Caching = CacheNone
		tbl := register(t, newDB(t, nil), s)
		if err := tbl.Insert(t.Context(), newItem("a"), newItem("b")); err != nil {
			t.Fatal(err)
		}
		if tbl.Stats().Cached {
			t.Error("uncached table holds rows")
		}
		rows, err := tbl.Select(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"a", "b"}, names(rows)); diff != "" {
			t.Errorf("rows mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Lazy", func(t *testing.T) {
		root := t.TempDir()
		db := openDB(t, root, &Options{FlushInterval: time.Hour})
		s := itemSchema("items")
		s.Write = WriteLazy
		tbl := register(t, db, s)
		if err := tbl.Insert(t.Context(), newItem("a")); err != nil {
			t.Fatal(err)
		}
		if n := fileRecordCount(t, tbl.Path()); n != 0 {
			t.Errorf("file has %d records before flush", n)
		}
		if !tbl.Stats().Dirty {
			t.Error("table should be dirty")
		}
		rows, _ := tbl.Select(t.Context())
		if len(rows) != 1 {
			t.Errorf("%d rows visible", len(rows))
		}
		if err := db.Flush(t.Context()); err != nil {
			t.Fatal(err)
		}
		if n := fileRecordCount(t, tbl.Path()); n != 1 {
			t.Errorf("file has %d records after flush", n)
		}
		if tbl.Stats().Dirty {
			t.Error("table should be clean")
		}
		if err := tbl.Insert(t.Context(), newItem("b")); err != nil {
			t.Fatal(err)
		}
		if err := tbl.Close(t.Context()); err != nil {
			t.Fatal(err)
		}
		if n := fileRecordCount(t, tbl.Path()); n != 2 {
			t.Errorf("file has %d records after close", n)
		}
		if _, err := tbl.Select(t.Context()); !errors.Is(err, ErrClosed) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("Lazy background flush", func(t *testing.T) {
		db := newDB(t, &Options{FlushInterval: 5 * time.Millisecond})
		s := itemSchema("items")
		s.Write = WriteLazy
		tbl := register(t, db, s)
		if err := tbl.Insert(t.Context(), newItem("a")); err != nil {
			t.Fatal(err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for tbl.Stats().Dirty {
			if time.Now().After(deadline) {
				t.Fatal("background flush did not run")
			}
			time.Sleep(time.Millisecond)
		}
		if n := fileRecordCount(t, tbl.Path()); n != 1 {
			t.Errorf("file has %d records", n)
		}
	})

	t.Run("Sliding cache", func(t *testing.T) {
		s := itemSchema("items")
		s.Caching = CacheSlidingMemory
		if err := s.SetSlidingTimeout(10 * time.Millisecond); err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		tbl := register(t, newDB(t, &Options{Logger: logger}), s)
		if err := tbl.Insert(t.Context(), newItem("a")); err != nil {
			t.Fatal(err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for tbl.Stats().Cached {
			if time.Now().After(deadline) {
				t.Fatal("rows were not evicted")
			}
			time.Sleep(time.Millisecond)
		}
		// Eviction logs while holding the table lock that Stats waited on.
		if !strings.Contains(buf.String(), "Evicted table from cache") {
			t.Errorf("log = %q", buf.String())
		}
		rows, err := tbl.Select(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 1 || !tbl.Stats().Cached {
			t.Errorf("%d rows, cached = %t", len(rows), tbl.Stats().Cached)
		}
	})

	t.Run("Format", func(t *testing.T) {
		t.Run("older format is read then rewritten", func(t *testing.T) {
			db := newDB(t, nil)
			s := itemSchema("items")
			s.Format = FormatFlat
			tbl := register(t, db, s)
			if err := tbl.Insert(t.Context(), newItem("a")); err != nil {
				t.Fatal(err)
			}
			if err := tbl.Close(t.Context()); err != nil {
				t.Fatal(err)
			}
			s.Format = FormatPaged
			tbl = register(t, db, s)
			if err := tbl.Insert(t.Context(), newItem("b")); err != nil {
				t.Fatal(err)
			}
			data, err := os.ReadFile(tbl.Path())
			if err != nil {
				t.Fatal(err)
			}
			if _, _, err := (pagedLayout{}).Decode(data); err != nil {
				t.Errorf("file is not paged: %v", err)
			}
		})
		t.Run("below minimum", func(t *testing.T) {
			root := t.TempDir()
			db := openDB(t, root, nil)
			s := itemSchema("items")
			s.Format = FormatFlat
			tbl := register(t, db, s)
			if err := tbl.Close(t.Context()); err != nil {
				t.Fatal(err)
			}
			strict := openDB(t, root, &Options{MinFormat: FormatPaged})
			if _, err := Register(t.Context(), strict, s); !errors.Is(err, ErrFormat) {
				t.Errorf("flat schema: got %v", err)
			}
			s.Format = FormatPaged
			if _, err := Register(t.Context(), strict, s); !errors.Is(err, ErrFormat) {
				t.Errorf("flat file: got %v", err)
			}
		})
		t.Run("corrupt file", func(t *testing.T) {
			root := t.TempDir()
			if err := os.WriteFile(filepath.Join(root, "items.pdb"), []byte("garbage"), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Register(t.Context(), openDB(t, root, nil), itemSchema("items"))
			var fe *FormatError
			if !errors.As(err, &fe) || !IsPermanent(err) {
				t.Fatalf("got %v", err)
			}
		})
	})

	t.Run("Domain", func(t *testing.T) {
		db := newDB(t, nil)
		s := itemSchema("items")
		s.Domain = "shop/eu"
		tbl := register(t, db, s)
		if want := filepath.Join(db.Root(), "shop", "eu", "items.pdb"); tbl.Path() != want {
			t.Errorf("Path() = %q, want %q", tbl.Path(), want)
		}
		if tbl.Name() != "shop/eu/items" {
			t.Errorf("Name() = %q", tbl.Name())
		}
	})

	t.Run("Locking", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("flock is not available")
		}
		root := t.TempDir()
		register(t, openDB(t, root, nil), itemSchema("items"))
		other := openDB(t, root, nil)
		if _, err := Register(t.Context(), other, itemSchema("items")); !errors.Is(err, ErrBusy) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestTriggers(t *testing.T) {
	t.Run("veto writes nothing", func(t *testing.T) {
		s := itemSchema("items")
		s.Triggers = []Trigger[*item]{&TriggerFuncs[*item]{
			OnBeforeInsert: func(_ context.Context, rows []*item) (bool, error) {
				return rows[0].Name != "vetoed", nil
			},
		}}
		tbl := register(t, newDB(t, nil), s)
		before, err := os.ReadFile(tbl.Path())
		if err != nil {
			t.Fatal(err)
		}
		v := newItem("vetoed")
		if err := tbl.Insert(t.Context(), v); err != nil {
			t.Fatal(err)
		}
		after, err := os.ReadFile(tbl.Path())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(before, after) {
			t.Error("file changed")
		}
		if v.GetID() != 0 || tbl.Sequence() != 0 {
			t.Errorf("id = %d, sequence = %d", v.GetID(), tbl.Sequence())
		}
	})

	t.Run("error aborts the batch", func(t *testing.T) {
		s := itemSchema("items")
		s.Triggers = []Trigger[*item]{&TriggerFuncs[*item]{
			OnBeforeDelete: func(_ context.Context, rows []*item) (bool, error) {
				return false, &InvalidDataRowError{RowType: "item", Field: "Name", Reason: "locked"}
			},
		}}
		tbl := register(t, newDB(t, nil), s)
		a := newItem("a")
		if err := tbl.Insert(t.Context(), a); err != nil {
			t.Fatal(err)
		}
		var ide *InvalidDataRowError
		if err := tbl.Delete(t.Context(), a); !errors.As(err, &ide) || ide.Field != "Name" {
			t.Fatalf("got %v", err)
		}
		if err := tbl.Truncate(t.Context()); !errors.Is(err, ErrInvalidDataRow) {
			t.Fatalf("got %v", err)
		}
		if tbl.RecordCount() != 1 {
			t.Errorf("RecordCount() = %d", tbl.RecordCount())
		}
	})

	t.Run("position order", func(t *testing.T) {
		var order []int
		hook := func(n int) *TriggerFuncs[*item] {
			return &TriggerFuncs[*item]{
				Pos: n,
				OnBeforeInsert: func(context.Context, []*item) (bool, error) {
					order = append(order, n)
					return true, nil
				},
				OnAfterInsert: func(_ context.Context, rows []*item) error {
					if rows[0].GetID() == 0 {
						t.Error("after hook saw a row without id")
					}
					order = append(order, -n)
					return nil
				},
			}
		}
		s := itemSchema("items")
		s.Triggers = []Trigger[*item]{hook(3), hook(1), hook(2)}
		tbl := register(t, newDB(t, nil), s)
		if err := tbl.Insert(t.Context(), newItem("a")); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int{1, 2, 3, -1, -2, -3}, order); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("after errors are logged", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		s := itemSchema("items")
		s.Triggers = []Trigger[*item]{&TriggerFuncs[*item]{
			OnAfterInsert: func(context.Context, []*item) error {
				return errors.New("audit unavailable")
			},
		}}
		tbl := register(t, newDB(t, &Options{Logger: logger}), s)
		if err := tbl.Insert(t.Context(), newItem("a")); err != nil {
			t.Fatalf("after trigger error returned: %v", err)
		}
		if !strings.Contains(buf.String(), "audit unavailable") {
			t.Errorf("log = %q", buf.String())
		}
		if tbl.RecordCount() != 1 {
			t.Errorf("RecordCount() = %d", tbl.RecordCount())
		}
	})
}

func TestForeignKeys(t *testing.T) {
	setup := func(t *testing.T, allowDefault bool) (*Table[*item], *Table[*item]) {
		db := newDB(t, nil)
		parents := register(t, db, itemSchema("parents"))
		s := itemSchema("children")
		s.ForeignKeys = []ForeignKey[*item]{{
			Field:        "Parent",
			Table:        "parents",
			AllowDefault: allowDefault,
			Value:        func(i *item) any { return i.Parent },
		}}
		return parents, register(t, db, s)
	}

	t.Run("insert requires the parent", func(t *testing.T) {
		parents, children := setup(t, false)
		c := newItem("c")
		c.Parent = 1
		var rie *ReferentialIntegrityError
		if err := children.Insert(t.Context(), c); !errors.As(err, &rie) {
			t.Fatalf("got %v", err)
		}
		if rie.Op != "insert" || rie.Table != "children" || rie.Field != "Parent" || rie.RefTable != "parents" {
			t.Errorf("error = %+v", rie)
		}
		if err := parents.Insert(t.Context(), newItem("p")); err != nil {
			t.Fatal(err)
		}
		if err := children.Insert(t.Context(), c); err != nil {
			t.Fatal(err)
		}
		c.SetParent(42)
		if err := children.Update(t.Context(), c); !errors.Is(err, ErrReferentialIntegrity) {
			t.Fatalf("update: got %v", err)
		}
	})

	t.Run("zero value without AllowDefault", func(t *testing.T) {
		_, children := setup(t, false)
		if err := children.Insert(t.Context(), newItem("c")); !errors.Is(err, ErrReferentialIntegrity) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("referenced rows cannot be deleted", func(t *testing.T) {
		parents, children := setup(t, false)
		p := newItem("p")
		if err := parents.Insert(t.Context(), p); err != nil {
			t.Fatal(err)
		}
		c := newItem("c")
		c.Parent = p.GetID()
		if err := children.Insert(t.Context(), c); err != nil {
			t.Fatal(err)
		}
		var rie *ReferentialIntegrityError
		if err := parents.Delete(t.Context(), p); !errors.As(err, &rie) || rie.Op != "delete" {
			t.Fatalf("got %v", err)
		}
		if err := parents.Truncate(t.Context()); !errors.Is(err, ErrReferentialIntegrity) {
			t.Fatalf("truncate: got %v", err)
		}
		if err := children.Delete(t.Context(), c); err != nil {
			t.Fatal(err)
		}
		if err := parents.Delete(t.Context(), p); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("AllowDefault", func(t *testing.T) {
		parents, children := setup(t, true)
		if err := children.Insert(t.Context(), newItem("orphan")); err != nil {
			t.Fatal(err)
		}
		p := newItem("p")
		if err := parents.Insert(t.Context(), p); err != nil {
			t.Fatal(err)
		}
		c := newItem("c")
		c.Parent = p.GetID()
		if err := children.Insert(t.Context(), c); err != nil {
			t.Fatal(err)
		}
		if err := parents.Delete(t.Context(), p); err != nil {
			t.Fatalf("AllowDefault reference blocked delete: %v", err)
		}
	})

	t.Run("named property", func(t *testing.T) {
		db := newDB(t, nil)
		parents := register(t, db, itemSchema("parents"))
		s := itemSchema("tags")
		s.ForeignKeys = []ForeignKey[*item]{{
			Field:    "Name",
			Table:    "parents",
			Property: "Name",
			Value:    func(i *item) any { return i.Name },
		}}
		tags := register(t, db, s)
		if err := parents.Insert(t.Context(), newItem("red")); err != nil {
			t.Fatal(err)
		}
		if err := tags.Insert(t.Context(), newItem("red")); err != nil {
			t.Fatal(err)
		}
		if err := tags.Insert(t.Context(), newItem("blue")); !errors.Is(err, ErrReferentialIntegrity) {
			t.Fatalf("got %v", err)
		}
		if err := db.ValidateReference(t.Context(), "parents", "Name", "red"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("self reference", func(t *testing.T) {
		db := newDB(t, nil)
		s := itemSchema("tree")
		s.ForeignKeys = []ForeignKey[*item]{{
			Field:        "Parent",
			Table:        "tree",
			AllowDefault: true,
			Value:        func(i *item) any { return i.Parent },
		}}
		tree := register(t, db, s)
		root := newItem("root")
		if err := tree.Insert(t.Context(), root); err != nil {
			t.Fatal(err)
		}
		leaf := newItem("leaf")
		leaf.Parent = root.GetID()
		if err := tree.Insert(t.Context(), leaf); err != nil {
			t.Fatal(err)
		}
		// AllowDefault references never block, so the root can go first.
		if err := tree.Delete(t.Context(), root, leaf); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("self reference blocks", func(t *testing.T) {
		db := newDB(t, nil)
		s := itemSchema("tree")
		s.ForeignKeys = []ForeignKey[*item]{{
			Field: "Parent",
			Table: "tree",
			Value: func(i *item) any { return i.Parent },
		}}
		// Seed rows skip validation, which lets the root reference itself.
		s.Seed = func(int) (Seed[*item], bool, error) {
			root, leaf := newItem("root"), newItem("leaf")
			root.ID, root.Parent = 1, 1
			leaf.ID, leaf.Parent = 2, 1
			return Seed[*item]{Rows: []*item{root, leaf}}, true, nil
		}
		tree := register(t, db, s)
		root, err := tree.Get(t.Context(), 1)
		if err != nil {
			t.Fatal(err)
		}
		leaf, err := tree.Get(t.Context(), 2)
		if err != nil {
			t.Fatal(err)
		}
		if err := tree.Delete(t.Context(), root); !errors.Is(err, ErrReferentialIntegrity) {
			t.Fatalf("got %v", err)
		}
		if err := tree.Delete(t.Context(), root, leaf); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("unregistered target", func(t *testing.T) {
		db := newDB(t, nil)
		s := itemSchema("children")
		s.ForeignKeys = []ForeignKey[*item]{{Field: "Parent", Table: "missing", Value: func(i *item) any { return i.Parent }}}
		children := register(t, db, s)
		if err := children.Insert(t.Context(), newItem("c")); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestCompact(t *testing.T) {
	db := newDB(t, nil)
	s := itemSchema("items")
	s.Format = FormatFlat
	tbl := register(t, db, s)
	if err := tbl.Insert(t.Context(), newItem("a")); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Close(t.Context()); err != nil {
		t.Fatal(err)
	}
	s.Format = FormatPaged
	tbl = register(t, db, s)
	if err := db.Compact(t.Context()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(tbl.Path())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := (pagedLayout{}).Decode(data); err != nil {
		t.Errorf("file is not paged after compaction: %v", err)
	}
	if tbl.DataLength() != int64(len(data)) {
		t.Errorf("DataLength() = %d, file has %d", tbl.DataLength(), len(data))
	}
}

// plainItem is item without its unexported state, for comparisons.
type plainItem struct {
	ID     int64
	Name   string
	Parent int64
	Tags   []string
}

func plain(rows []*item) []plainItem {
	out := make([]plainItem, len(rows))
	for i, r := range rows {
		out[i] = plainItem{ID: r.GetID(), Name: r.Name, Parent: r.Parent}
		if r.Tags.Len() != 0 {
			out[i].Tags = r.Tags.Items()
		}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	makeRows := func(n int) []*item {
		rows := make([]*item, n)
		for i := range rows {
			rows[i] = newItem(fmt.Sprintf("row %03d", i))
			rows[i].SetParent(int64(i * 7))
			for j := range i % 4 {
				rows[i].Tags.Add(fmt.Sprintf("tag%d", j))
			}
		}
		return rows
	}
	tests := []struct {
		name        string
		format      FormatVersion
		compression Compression
		rows        int
	}{
		{"flat empty", FormatFlat, CompressionNone, 0},
		{"flat single", FormatFlat, CompressionNone, 1},
		{"flat many", FormatFlat, CompressionNone, 50},
		{"flat brotli", FormatFlat, CompressionBrotli, 50},
		{"paged empty", FormatPaged, CompressionNone, 0},
		{"paged single", FormatPaged, CompressionNone, 1},
		{"paged multi page", FormatPaged, CompressionNone, 50},
		{"paged brotli", FormatPaged, CompressionBrotli, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			db := openDB(t, root, nil)
			s := itemSchema("items")
			s.Format = tt.format
			s.Compression = tt.compression
			s.PageSize = 64
			tbl := register(t, db, s)
			rows := makeRows(tt.rows)
			if len(rows) > 0 {
				if err := tbl.Insert(t.Context(), rows...); err != nil {
					t.Fatal(err)
				}
			}
			want := plain(rows)
			if err := tbl.Close(t.Context()); err != nil {
				t.Fatal(err)
			}
			data, err := os.ReadFile(tbl.Path())
			if err != nil {
				t.Fatal(err)
			}
			if tt.format == FormatPaged && tt.compression == CompressionNone && tt.rows > 1 {
				if pages := binary.LittleEndian.Uint32(data[offPagedPageCount:]); pages < 2 {
					t.Errorf("%d pages, want several", pages)
				}
			}

			tbl = register(t, db, s)
			got, err := tbl.Select(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, plain(got)); diff != "" {
				t.Errorf("rows mismatch (-want +got):\n%s", diff)
			}
			for _, r := range got {
				if r.Dirty() {
					t.Errorf("row %d is dirty after load", r.GetID())
				}
			}
			if got := tbl.Sequence(); got != int64(tt.rows) {
				t.Errorf("Sequence() = %d, want %d", got, tt.rows)
			}
		})
	}
}
