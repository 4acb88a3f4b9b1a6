package engine

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/BOT658/Stockfish/internal/mathutil"
)

const (
	bucketSize = 4  // entries probed per key
	entrySize  = 24 // packed Entry footprint used for MiB sizing
)

// Entry is one transposition-table record. Entries are immutable values;
// a slot is always rewritten as a whole under its stripe lock, so readers
// never observe a torn entry.
type Entry struct {
	Key   Key
	Move  Move
	Value Value
	Eval  Value
	Depth uint8
	Bound Bound
	PVHit bool
}

type bucket [bucketSize]Entry

// Table is the local store table shared by all search threads and by the
// cluster merge step. It is a fixed-capacity, power-of-two array of 4-way
// buckets with lock striping to keep contention off the probe path.
type Table struct {
	buckets    []bucket
	mask       uint64
	stripes    []sync.RWMutex
	stripeMask uint64

	hits   int64
	misses int64
	saves  int64
}

// TableStats is a point-in-time counter snapshot.
type TableStats struct {
	Hits   int64
	Misses int64
	Saves  int64
}

// NewTable allocates a table of approximately sizeMB mebibytes, rounded down
// to a power of two of buckets.
func NewTable(sizeMB int) *Table {
	if sizeMB < 1 {
		sizeMB = 1
	}
	entries := sizeMB << 20 / entrySize
	nb := mathutil.NextPowerOf2(entries/bucketSize + 1)
	if nb > entries/bucketSize && nb > 1 {
		nb >>= 1 // round down: stay within the requested size
	}
	ns := mathutil.NextPowerOf2(runtime.GOMAXPROCS(0) * 8)
	return &Table{
		buckets:    make([]bucket, nb),
		mask:       uint64(nb - 1),
		stripes:    make([]sync.RWMutex, ns),
		stripeMask: uint64(ns - 1),
	}
}

func (t *Table) bucketFor(k Key) (*bucket, *sync.RWMutex) {
	i := uint64(k) & t.mask
	return &t.buckets[i], &t.stripes[i&t.stripeMask]
}

// Probe looks up a key. The boolean reports whether a matching entry was
// found; on a miss it returns the zero Entry.
func (t *Table) Probe(k Key) (Entry, bool) {
	b, mu := t.bucketFor(k)
	mu.RLock()
	defer mu.RUnlock()
	for i := range b {
		if b[i].Key == k {
			atomic.AddInt64(&t.hits, 1)
			return b[i], true
		}
	}
	atomic.AddInt64(&t.misses, 1)
	return Entry{}, false
}

// Save stores an entry, overwriting a same-key slot if present and otherwise
// evicting the shallowest entry of the bucket. A same-key store always wins,
// matching the cluster merge policy where remote entries are trusted as-is.
func (t *Table) Save(k Key, v Value, b Bound, depth int, m Move, ev Value, pvHit bool) {
	if depth < 0 {
		depth = 0
	} else if depth > 255 {
		depth = 255
	}
	e := Entry{Key: k, Move: m, Value: v, Eval: ev, Depth: uint8(depth), Bound: b, PVHit: pvHit}

	bk, mu := t.bucketFor(k)
	mu.Lock()
	defer mu.Unlock()
	victim := 0
	for i := range bk {
		if bk[i].Key == k || bk[i].Key == 0 {
			victim = i
			break
		}
		if bk[i].Depth < bk[victim].Depth {
			victim = i
		}
	}
	bk[victim] = e
	atomic.AddInt64(&t.saves, 1)
}

// Clear empties the table. Not safe to call concurrently with Probe/Save.
func (t *Table) Clear() {
	for i := range t.buckets {
		t.buckets[i] = bucket{}
	}
	atomic.StoreInt64(&t.hits, 0)
	atomic.StoreInt64(&t.misses, 0)
	atomic.StoreInt64(&t.saves, 0)
}

// Hashfull reports an approximate fill rate in permill, sampled from the
// first 1000 buckets.
func (t *Table) Hashfull() int {
	sample := 1000
	if sample > len(t.buckets) {
		sample = len(t.buckets)
	}
	used, total := 0, sample*bucketSize
	for i := 0; i < sample; i++ {
		mu := &t.stripes[uint64(i)&t.stripeMask]
		mu.RLock()
		for j := range t.buckets[i] {
			if t.buckets[i][j].Key != 0 {
				used++
			}
		}
		mu.RUnlock()
	}
	return used * 1000 / total
}

// Stats returns the current hit/miss/save counters.
func (t *Table) Stats() TableStats {
	return TableStats{
		Hits:   atomic.LoadInt64(&t.hits),
		Misses: atomic.LoadInt64(&t.misses),
		Saves:  atomic.LoadInt64(&t.saves),
	}
}
