// Package pagedb provides an embedded, file-backed table store with a compact
// binary format.
//
// # Overview
//
// A [DB] is a directory. Each [Table] registered in it with [Register] owns one
// file, "<root>/<domain>/<name>.pdb", described by a [Schema]: codec, caching
// and write strategies, compression, page size, foreign keys, unique indexes,
// seed content and triggers. Rows embed [Entity] which carries the id and the
// dirty flag; [List] fields propagate changes to their owner.
//
// # Concurrency
//
// Tables are safe for concurrent use. The published row set is immutable;
// mutations build a new one under the table's write lock and swap it in once
// the file is written (forced writes) or mark the table dirty (lazy writes).
// Triggers and foreign key checks run before the lock is taken, so tables
// referencing each other never wait on each other's locks.
//
// Every table file is guarded by an exclusive flock on a ".lock" sidecar.
// Opening a table already open in another process fails with [ErrBusy].
//
// # File Format
//
// All integers are little-endian. Every file starts with
//
//	[1B compression][4B record count][4B uncompressed payload length]
//
// followed by the layout of its [FormatVersion]. The payload is a 16-byte
// sequence block (primary then secondary sequence) followed by one record per
// row: [4B length][8B id][codec bytes], where length counts the id and the
// codec bytes. With [CompressionBrotli] the payload is stored compressed only
// when that makes it smaller.
//
// Files are replaced atomically on every write.
package pagedb
