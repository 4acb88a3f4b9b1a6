package cluster

import (
	"container/heap"
	"sync"
	"sync/atomic"

	engine "github.com/BOT658/Stockfish"
)

// entryHeap keeps the shallowest retained entry at the root so replace can
// evict it in O(log n). The buffer therefore always holds the deepest entries
// offered since the last flush.
type entryHeap []KeyedEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].D < h[j].D }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(KeyedEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ttCache is one worker thread's bounded exchange buffer.
type ttCache struct {
	mu  sync.Mutex
	cap int
	h   entryHeap
}

// replace offers an entry: below capacity it is inserted; at capacity it
// evicts the shallowest retained entry unless it is not deeper than that one.
func (tc *ttCache) replace(e KeyedEntry) {
	if len(tc.h) < tc.cap {
		heap.Push(&tc.h, e)
		return
	}
	if e.D <= tc.h[0].D {
		return
	}
	tc.h[0] = e
	heap.Fix(&tc.h, 0)
}

// exchangeState is the ring side of the gossip exchange: two fixed buffers in
// ping/pong rotation, at most one in-flight send and one in-flight receive,
// and the per-thread caches feeding them. ex.mu guards the flip; the search
// path only ever TryLocks it.
type exchangeState struct {
	mu      sync.Mutex
	caches  []*ttCache
	counter uint64 // saves offered since the last flush, atomic
	bufs    [2][]KeyedEntry
	sendOp  *op
	recvOp  *op
	posted  uint64 // ring rounds posted so far
}

// sendRecvIndices returns the ping/pong buffer indices for a given round
// count: the buffer received into at round n is the one sent at round n+1.
func sendRecvIndices(posted uint64) (send, recv int) {
	recv = int(posted % 2)
	return recv ^ 1, recv
}

func (c *Cluster) initExchange() {
	threads := c.pool.Size()
	c.ex.caches = make([]*ttCache, threads)
	for i := range c.ex.caches {
		c.ex.caches[i] = &ttCache{cap: c.cfg.CacheSize}
	}
	if c.size == 1 {
		return
	}
	per := threads * c.cfg.CacheSize
	for i := range c.ex.bufs {
		c.ex.bufs[i] = make([]KeyedEntry, c.size*per)
	}
	c.ex.sendOp, c.ex.recvOp = doneOp(), doneOp()
}

func (c *Cluster) slotsPerRank() int {
	return c.pool.Size() * c.cfg.CacheSize
}

// Save writes an entry to the local store table and, when deep enough, offers
// it to the calling thread's exchange buffer. When enough entries accumulated
// it also attempts to progress the ring; if the previous round is still in
// flight the thread just keeps searching (back-pressure, retried on a later
// save).
func (c *Cluster) Save(th *engine.Thread, key engine.Key, v engine.Value, b engine.Bound, depth int, m engine.Move, ev engine.Value, pvHit bool) {
	c.table.Save(key, v, b, depth, m, ev, pvHit)
	th.AddSaves(1)

	if c.size == 1 || depth < c.cfg.MinExchangeDepth {
		return
	}

	tc := c.ex.caches[th.ID]
	tc.mu.Lock()
	tc.replace(KeyedEntry{
		K: uint64(key), V: int16(v), Ev: int16(ev),
		D: clampDepth(depth), B: uint8(b), M: uint32(m), PV: pvHit,
	})
	tc.mu.Unlock()

	n := atomic.AddUint64(&c.ex.counter, 1)
	if n > uint64(len(c.ex.bufs[0])) {
		c.tryProgress()
	}
}

// tryProgress runs the ring merge step in whichever goroutine first observes
// both prior transfers complete. The TryLock keeps it single-flight without
// ever parking a search thread.
func (c *Cluster) tryProgress() {
	if !c.ex.mu.TryLock() {
		return
	}
	defer c.ex.mu.Unlock()

	if !c.ex.recvOp.test() || !c.ex.sendOp.test() {
		return
	}
	if c.ex.recvOp.err != nil || c.ex.sendOp.err != nil {
		return // shutdown or lost peer; nothing sane to post
	}
	c.handleBuffer()
}

// handleBuffer merges the completed receive buffer, reloads this rank's slot
// range from the thread caches, and posts the next round. Caller holds ex.mu
// with both transfers complete.
func (c *Cluster) handleBuffer() {
	_, recvIdx := sendRecvIndices(c.ex.posted)
	buf := c.ex.bufs[recvIdx]

	c.mergeRemote(buf)

	per := c.slotsPerRank()
	i := c.rank * per
	for _, tc := range c.ex.caches {
		tc.mu.Lock()
		for _, e := range tc.h {
			buf[i] = e
			i++
		}
		tc.h = tc.h[:0]
		tc.mu.Unlock()
	}
	for ; i < (c.rank+1)*per; i++ {
		buf[i] = KeyedEntry{}
	}
	atomic.StoreUint64(&c.ex.counter, 0)

	c.postLocked()
}

// mergeRemote stores every other rank's entries into the local table. Remote
// entries overwrite unconditionally; last writer wins per key.
func (c *Cluster) mergeRemote(buf []KeyedEntry) {
	per := c.slotsPerRank()
	for r := 0; r < c.size; r++ {
		if r == c.rank {
			continue
		}
		for _, e := range buf[r*per : (r+1)*per] {
			if e.K == 0 {
				continue
			}
			c.table.Save(engine.Key(e.K), engine.Value(e.V), engine.Bound(e.B),
				int(e.D), engine.Move(e.M), engine.Value(e.Ev), e.PV)
		}
	}
}

// postLocked issues the next round's transfers: receive from the previous
// rank in ring order into one buffer, send the just-reloaded one to the next.
// The parity flip happens only here, after both prior operations completed,
// so a buffer half is never shared between the merge step and an in-flight
// transfer.
func (c *Cluster) postLocked() {
	c.ex.posted++
	sendIdx, recvIdx := sendRecvIndices(c.ex.posted)

	next := c.peers[(c.rank+1)%c.size]
	prev := (c.rank + c.size - 1) % c.size

	c.ex.sendOp = next.isend(&MsgEntries{
		Base:    Base{T: MTEntries, From: c.rank},
		Round:   c.ex.posted,
		Entries: c.ex.bufs[sendIdx],
	})
	c.ex.recvOp = c.irecvEntries(prev, recvIdx)
}

// irecvEntries posts an asynchronous receive of one ring payload into the
// given buffer half. The handle completes after the copy, so testing it
// publishes the buffer contents to the merge step.
func (c *Cluster) irecvEntries(from, idx int) *op {
	o := newOp()
	go func() {
		raw, err := c.recvWait(MTEntries, from)
		if err != nil {
			o.complete(err)
			return
		}
		var m MsgEntries
		if err := cborDec.Unmarshal(raw, &m); err != nil {
			o.complete(err)
			return
		}
		if len(m.Entries) != len(c.ex.bufs[idx]) {
			o.complete(ErrShortBuffer)
			return
		}
		copy(c.ex.bufs[idx], m.Entries)
		o.complete(nil)
	}()
	return o
}

// syncExchange drains the ring at end of search: reconcile posted-round
// counts cluster-wide, issue compensating rounds until equal, then wait for
// the final transfers and merge the last received payload.
func (c *Cluster) syncExchange() error {
	c.ex.mu.Lock()
	defer c.ex.mu.Unlock()

	max, err := c.allreduceMax(roundTable, c.ex.posted)
	if err != nil {
		return err
	}
	for c.ex.posted < max {
		if err := c.waitTransfers(); err != nil {
			return err
		}
		c.handleBuffer()
	}
	if err := c.waitTransfers(); err != nil {
		return err
	}
	_, recvIdx := sendRecvIndices(c.ex.posted)
	c.mergeRemote(c.ex.bufs[recvIdx])
	return nil
}

func (c *Cluster) waitTransfers() error {
	if err := c.ex.recvOp.wait(); err != nil {
		return err
	}
	return c.ex.sendOp.wait()
}

func clampDepth(d int) uint8 {
	if d < 0 {
		return 0
	}
	if d > 255 {
		return 255
	}
	return uint8(d)
}
