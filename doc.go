// Package stratakv is an embedded, persistent, ordered key-value store
// built on a log-structured merge tree: writes land in a write-ahead
// log and an in-memory skip list, flush to immutable sorted table
// files, and background compactions migrate data down a small number
// of size-tiered levels.
//
// A DB is opened against a directory and is safe for concurrent use:
//
//	db, err := stratakv.Open("/tmp/demo", stratakv.DefaultOptions())
//	if err != nil { ... }
//	defer db.Close()
//
//	if err := db.Put(stratakv.WriteOptions{Sync: true}, []byte("k"), []byte("v")); err != nil { ... }
//	v, err := db.Get(stratakv.ReadOptions{}, []byte("k"))
//
// Reads see a consistent point-in-time view: every Get, iterator, and
// Snapshot is bound to a sequence number, and compactions never change
// what a bound reader observes. Batched writes commit atomically, and
// an optional MergeOperator turns read-modify-write sequences into
// single Merge records resolved lazily on read and during compaction.
package stratakv
