package cache

import "testing"

func key(file, off uint64) Key {
	return Key{FileNum: file, Offset: off}
}

func TestInsertLookup(t *testing.T) {
	c := New(1 << 20)
	h := c.Insert(key(1, 0), "value", 100)
	if h.Value().(string) != "value" {
		t.Errorf("inserted handle value = %v", h.Value())
	}
	h.Release()

	h = c.Lookup(key(1, 0))
	if h == nil {
		t.Fatal("Lookup missed a resident entry")
	}
	if h.Value().(string) != "value" {
		t.Errorf("Lookup value = %v", h.Value())
	}
	h.Release()

	if c.Lookup(key(1, 1)) != nil {
		t.Error("Lookup hit an absent key")
	}
}

func TestUsageAndEviction(t *testing.T) {
	c := New(250)
	for i := uint64(0); i < 5; i++ {
		c.Insert(key(1, i), i, 100).Release()
	}
	if got := c.Usage(); got > 250 {
		t.Errorf("Usage = %d, above capacity", got)
	}
	// The oldest entries must be gone.
	if c.Lookup(key(1, 0)) != nil {
		t.Error("oldest entry survived past capacity")
	}
	if h := c.Lookup(key(1, 4)); h == nil {
		t.Error("newest entry was evicted")
	} else {
		h.Release()
	}
}

func TestLookupRefreshesRecency(t *testing.T) {
	c := New(200)
	c.Insert(key(1, 0), "a", 100).Release()
	c.Insert(key(1, 1), "b", 100).Release()
	// Touch the older entry, then overflow; the untouched one should go.
	if h := c.Lookup(key(1, 0)); h != nil {
		h.Release()
	}
	c.Insert(key(1, 2), "c", 100).Release()
	if c.Lookup(key(1, 1)) != nil {
		t.Error("least recently used entry survived")
	}
	if h := c.Lookup(key(1, 0)); h == nil {
		t.Error("recently used entry was evicted")
	} else {
		h.Release()
	}
}

func TestPinnedEntrySurvivesEviction(t *testing.T) {
	c := New(100)
	h := c.Insert(key(1, 0), "pinned", 100)
	// Overflow the cache while holding the handle.
	c.Insert(key(1, 1), "other", 100).Release()
	if h.Value().(string) != "pinned" {
		t.Error("pinned value lost")
	}
	h.Release()
}

func TestErase(t *testing.T) {
	c := New(1000)
	c.Insert(key(1, 0), "v", 10).Release()
	c.Erase(key(1, 0))
	if c.Lookup(key(1, 0)) != nil {
		t.Error("erased entry still resident")
	}
	if c.Usage() != 0 {
		t.Errorf("Usage = %d after erase", c.Usage())
	}
}

func TestEvictFile(t *testing.T) {
	c := New(1000)
	c.Insert(key(7, 0), "a", 10).Release()
	c.Insert(key(7, 512), "b", 10).Release()
	c.Insert(key(8, 0), "c", 10).Release()

	c.EvictFile(7)
	if c.Lookup(key(7, 0)) != nil || c.Lookup(key(7, 512)) != nil {
		t.Error("blocks of evicted file still resident")
	}
	if h := c.Lookup(key(8, 0)); h == nil {
		t.Error("unrelated file was evicted")
	} else {
		h.Release()
	}
}

func TestStats(t *testing.T) {
	c := New(1000)
	c.Insert(key(1, 0), "v", 10).Release()
	if h := c.Lookup(key(1, 0)); h != nil {
		h.Release()
	}
	c.Lookup(key(1, 999))
	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("Stats = (%d, %d), want (1, 1)", hits, misses)
	}
}
