package stratakv

import "github.com/stratakv/stratakv/internal/filter"

// FilterPolicy builds per-table filters that let point reads skip
// tables that provably do not contain a key.
type FilterPolicy interface {
	// Name identifies the policy; it is stored with each filter and a
	// reader ignores filters built by an unknown policy.
	Name() string

	// CreateFilter appends a filter covering keys to dst.
	CreateFilter(dst []byte, keys [][]byte) []byte

	// KeyMayContain reports whether f possibly contains key. It must
	// never return false for a key the filter was built over.
	KeyMayContain(f, key []byte) bool
}

// NewBloomFilterPolicy returns a bloom filter policy using about
// bitsPerKey bits per key; 10 gives roughly a 1% false positive rate.
func NewBloomFilterPolicy(bitsPerKey int) FilterPolicy {
	return bloomPolicy{p: filter.NewBloomPolicy(bitsPerKey)}
}

type bloomPolicy struct {
	p *filter.BloomPolicy
}

func (b bloomPolicy) Name() string { return b.p.Name() }

func (b bloomPolicy) CreateFilter(dst []byte, keys [][]byte) []byte {
	return b.p.Append(dst, keys)
}

func (b bloomPolicy) KeyMayContain(f, key []byte) bool {
	return b.p.MayContain(f, key)
}

// filterAdapter presents a public FilterPolicy as an internal
// filter.Policy.
type filterAdapter struct {
	fp FilterPolicy
}

func (a filterAdapter) Name() string { return a.fp.Name() }

func (a filterAdapter) Append(dst []byte, keys [][]byte) []byte {
	return a.fp.CreateFilter(dst, keys)
}

func (a filterAdapter) MayContain(f, key []byte) bool {
	return a.fp.KeyMayContain(f, key)
}
