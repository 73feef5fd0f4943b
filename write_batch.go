package stratakv

import (
	"github.com/stratakv/stratakv/internal/batch"
	"github.com/stratakv/stratakv/internal/keys"
)

// WriteBatch collects updates that commit atomically through DB.Write:
// either every record becomes visible, at consecutive sequence numbers,
// or none do. A batch can be reused after Clear.
type WriteBatch struct {
	b *batch.Batch
}

// NewWriteBatch returns an empty batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{b: batch.New()}
}

// Put queues setting key to value.
func (w *WriteBatch) Put(key, value []byte) {
	w.b.Put(key, value)
}

// Delete queues a tombstone for key.
func (w *WriteBatch) Delete(key []byte) {
	w.b.Delete(key)
}

// Merge queues a merge operand for key.
func (w *WriteBatch) Merge(key, value []byte) {
	w.b.Merge(key, value)
}

// Clear empties the batch for reuse.
func (w *WriteBatch) Clear() {
	w.b.Clear()
}

// Count returns the number of queued updates.
func (w *WriteBatch) Count() int {
	return int(w.b.Count())
}

// ApproximateSize returns the batch's wire size in bytes.
func (w *WriteBatch) ApproximateSize() int {
	return w.b.ApproximateSize()
}

// BatchHandler receives a batch's records from Iterate.
type BatchHandler interface {
	Put(key, value []byte)
	Delete(key []byte)
	Merge(key, value []byte)
}

// Iterate replays the queued records, in order, into h.
func (w *WriteBatch) Iterate(h BatchHandler) error {
	return w.b.Iterate(func(kind keys.Kind, key, value []byte) error {
		switch kind {
		case keys.KindSet:
			h.Put(key, value)
		case keys.KindDelete:
			h.Delete(key)
		case keys.KindMerge:
			h.Merge(key, value)
		}
		return nil
	})
}
