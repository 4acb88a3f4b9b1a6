package engine

import "sync/atomic"

// Thread carries the per-worker monotone counters the cluster layer snapshots.
// The search itself lives outside this module; workers only need an identity
// (used to address their cluster exchange buffer) and counter sinks.
type Thread struct {
	ID int

	nodes   uint64
	tbHits  uint64
	ttSaves uint64
}

func (t *Thread) AddNodes(n uint64)  { atomic.AddUint64(&t.nodes, n) }
func (t *Thread) AddTBHits(n uint64) { atomic.AddUint64(&t.tbHits, n) }
func (t *Thread) AddSaves(n uint64)  { atomic.AddUint64(&t.ttSaves, n) }

func (t *Thread) Nodes() uint64  { return atomic.LoadUint64(&t.nodes) }
func (t *Thread) TBHits() uint64 { return atomic.LoadUint64(&t.tbHits) }
func (t *Thread) Saves() uint64  { return atomic.LoadUint64(&t.ttSaves) }

// Pool is the thread-pool counter surface: per-thread counters summed on
// demand plus the sticky stop flag that is the search's only cancellation
// primitive.
type Pool struct {
	Threads []*Thread

	stop atomic.Bool
}

// NewPool creates n worker slots.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{Threads: make([]*Thread, n)}
	for i := range p.Threads {
		p.Threads[i] = &Thread{ID: i}
	}
	return p
}

func (p *Pool) Size() int      { return len(p.Threads) }
func (p *Pool) Stop() bool     { return p.stop.Load() }
func (p *Pool) SetStop(v bool) { p.stop.Store(v) }

// NodesSearched sums the per-thread node counters. Monotone while a search
// runs; Reset starts the next search from zero.
func (p *Pool) NodesSearched() uint64 {
	var sum uint64
	for _, t := range p.Threads {
		sum += t.Nodes()
	}
	return sum
}

func (p *Pool) TBHits() uint64 {
	var sum uint64
	for _, t := range p.Threads {
		sum += t.TBHits()
	}
	return sum
}

func (p *Pool) TTSaves() uint64 {
	var sum uint64
	for _, t := range p.Threads {
		sum += t.Saves()
	}
	return sum
}

// Reset zeroes all counters and lowers the stop flag for a new search.
func (p *Pool) Reset() {
	for _, t := range p.Threads {
		atomic.StoreUint64(&t.nodes, 0)
		atomic.StoreUint64(&t.tbHits, 0)
		atomic.StoreUint64(&t.ttSaves, 0)
	}
	p.stop.Store(false)
}
