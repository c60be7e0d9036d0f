// Package common holds the low-level building blocks shared by every layer
// of the storage core: key/value abstractions, the node-hash function, the
// error taxonomy and a handful of byte-level helpers.
package common

// KVReader is a key/value reader. Get returning nil means the key is absent.
type KVReader interface {
	Get(key []byte) []byte
	Has(key []byte) bool
}

// KVWriter is a key/value writer. Set with value == nil deletes the key.
type KVWriter interface {
	Set(key, value []byte)
}

// KVIterator iterates a set of key/value pairs in unspecified order.
type KVIterator interface {
	Iterate(func(k, v []byte) bool)
}

// KVStore is a reader, a writer and an iterator.
type KVStore interface {
	KVReader
	KVWriter
	KVIterator
}

// KVBatchedWriter buffers Set calls and applies them atomically on Commit.
type KVBatchedWriter interface {
	KVWriter
	Commit() error
}

// BatchedUpdatable can produce a KVBatchedWriter bound to an atomic
// transaction of the underlying store.
type BatchedUpdatable interface {
	BatchedWriter() KVBatchedWriter
}

type readerPartition struct {
	prefix []byte
	r      KVReader
}

func (p *readerPartition) Get(key []byte) []byte { return p.r.Get(Concat(p.prefix, key)) }
func (p *readerPartition) Has(key []byte) bool    { return p.r.Has(Concat(p.prefix, key)) }

// MakeReaderPartition scopes a KVReader to keys sharing the given prefix.
func MakeReaderPartition(r KVReader, prefix []byte) KVReader {
	return &readerPartition{prefix: prefix, r: r}
}

type writerPartition struct {
	prefix []byte
	w      KVWriter
}

func (w *writerPartition) Set(key, value []byte) { w.w.Set(Concat(w.prefix, key), value) }

// MakeWriterPartition scopes a KVWriter to keys sharing the given prefix.
func MakeWriterPartition(w KVWriter, prefix []byte) KVWriter {
	return &writerPartition{prefix: prefix, w: w}
}

// CopyAll drains src into dst.
func CopyAll(dst KVWriter, src KVIterator) {
	src.Iterate(func(k, v []byte) bool {
		dst.Set(k, v)
		return true
	})
}
