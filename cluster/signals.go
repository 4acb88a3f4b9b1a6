package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// signalState drives the free-running counter aggregation: IDLE -> SENT ->
// (poll completes) -> IDLE, re-armed immediately. One reduction is in flight
// at most; sig.mu serializes the transitions while the hot path only ever
// TryLocks it.
type signalState struct {
	mu      sync.Mutex
	send    [SigNB]uint64 // this rank's contribution to the in-flight round
	recv    [SigNB]uint64 // last completed cluster sum
	rounds  uint64        // reductions issued; read atomically by Stats
	pending *reduction

	// Others' contribution, written on round completion, read by the
	// counter getters from any goroutine.
	nodesOthers uint64
	tbOthers    uint64
	savesOthers uint64
	stopPosted  uint64

	epoch atomic.Int64 // SignalsInit time, unix nanos; feeds rounds/sec
}

// reduction tracks one in-flight non-blocking sum across all ranks: the
// running sum, which peers contributed, and the outstanding sends.
type reduction struct {
	round uint64
	sum   [SigNB]uint64
	got   []bool
	need  int
	sends []*op
}

func (c *Cluster) initSignals() {
	c.sig.epoch.Store(time.Now().UnixNano())
}

// SignalsInit zeroes the counter views for a new search. The round counter
// survives across searches; SignalsSync reconciles it cluster-wide.
func (c *Cluster) SignalsInit() {
	c.sig.mu.Lock()
	defer c.sig.mu.Unlock()
	c.sig.send = [SigNB]uint64{}
	c.sig.recv = [SigNB]uint64{}
	atomic.StoreUint64(&c.sig.nodesOthers, 0)
	atomic.StoreUint64(&c.sig.tbOthers, 0)
	atomic.StoreUint64(&c.sig.savesOthers, 0)
	atomic.StoreUint64(&c.sig.stopPosted, 0)
	c.sig.epoch.Store(time.Now().UnixNano())
}

// SignalsSend snapshots the local counters and issues one non-blocking sum
// reduction. Returns immediately; SignalsPoll picks up the result.
func (c *Cluster) SignalsSend() {
	if c.size == 1 {
		return
	}
	c.sig.mu.Lock()
	defer c.sig.mu.Unlock()
	c.sendLocked()
}

func (c *Cluster) sendLocked() {
	snap := [SigNB]uint64{
		SigNodes: c.pool.NodesSearched(),
		SigStop:  b2u(c.pool.Stop()),
		SigTB:    c.pool.TBHits(),
		SigSaves: c.pool.TTSaves(),
	}
	c.sig.send = snap

	red := &reduction{
		round: atomic.LoadUint64(&c.sig.rounds),
		sum:   snap,
		got:   make([]bool, c.size),
		need:  c.size - 1,
	}
	msg := &MsgSignals{Base: Base{T: MTSignals, From: c.rank}, Round: red.round, Counts: snap}
	for _, p := range c.peers {
		if p != nil {
			red.sends = append(red.sends, p.isend(msg))
		}
	}
	c.sig.pending = red
	atomic.AddUint64(&c.sig.rounds, 1)
}

// SignalsPoll is the opportunistic hot-path check: if the in-flight reduction
// has completed, fold in the result and immediately start the next round.
// Cheap when nothing is ready; never parks the caller.
func (c *Cluster) SignalsPoll() {
	if c.size == 1 {
		return
	}
	if !c.sig.mu.TryLock() {
		return // someone else is already polling
	}
	defer c.sig.mu.Unlock()
	c.pollLocked()
}

func (c *Cluster) pollLocked() {
	red := c.sig.pending
	if red == nil {
		return
	}

	for r := 0; r < c.size && red.need > 0; r++ {
		if r == c.rank || red.got[r] {
			continue
		}
		raw, ok := c.recvTest(MTSignals, r)
		if !ok {
			continue
		}
		c.foldContribution(red, r, raw)
	}
	if red.need > 0 {
		return
	}
	for _, o := range red.sends {
		if !o.test() {
			return
		}
	}

	c.processLocked(red)
	c.sendLocked()
}

// foldContribution adds one peer's counter tuple into the running sum.
// Rounds are strictly sequential per rank and frames are FIFO per peer, so
// the next signals message from a peer is always its next round; a round-tag
// mismatch is an invariant violation, not a recoverable condition.
func (c *Cluster) foldContribution(red *reduction, r int, raw []byte) {
	var m MsgSignals
	if err := cborDec.Unmarshal(raw, &m); err != nil {
		c.log.Error().Err(err).Int("peer", r).Msg("undecodable signals frame")
		return
	}
	if m.Round != red.round {
		c.log.Error().Uint64("got", m.Round).Uint64("want", red.round).Int("peer", r).
			Msg("signals round skew")
	}
	for i := range red.sum {
		red.sum[i] += m.Counts[i]
	}
	red.got[r] = true
	red.need--
}

// processLocked derives others' contribution by subtracting this rank's own
// snapshot from the cluster sum, so re-adding the live local counters never
// double-counts. A non-zero summed stop count forces the local stop flag.
func (c *Cluster) processLocked(red *reduction) {
	c.sig.recv = red.sum
	atomic.StoreUint64(&c.sig.nodesOthers, red.sum[SigNodes]-c.sig.send[SigNodes])
	atomic.StoreUint64(&c.sig.tbOthers, red.sum[SigTB]-c.sig.send[SigTB])
	atomic.StoreUint64(&c.sig.savesOthers, red.sum[SigSaves]-c.sig.send[SigSaves])
	atomic.StoreUint64(&c.sig.stopPosted, red.sum[SigStop])
	if red.sum[SigStop] > 0 {
		c.pool.SetStop(true)
	}
	c.sig.pending = nil
}

// waitReductionLocked completes the in-flight reduction, blocking as needed.
func (c *Cluster) waitReductionLocked() error {
	red := c.sig.pending
	if red == nil {
		return nil
	}
	for r := 0; r < c.size; r++ {
		if r == c.rank || red.got[r] {
			continue
		}
		raw, err := c.recvWait(MTSignals, r)
		if err != nil {
			return err
		}
		c.foldContribution(red, r, raw)
	}
	for _, o := range red.sends {
		if err := o.wait(); err != nil {
			return err
		}
	}
	c.processLocked(red)
	return nil
}

// SignalsSync is the end-of-search drain, the only signals operation allowed
// to block. It polls until every rank has aggregated a raised stop flag, then
// reconciles the round counter cluster-wide (ranks may be exactly one round
// behind), and finally drains the gossip ring the same way. Afterwards no
// reduction or ring transfer is outstanding on any rank.
func (c *Cluster) SignalsSync() error {
	if c.size == 1 {
		return nil
	}

	c.sig.mu.Lock()
	defer c.sig.mu.Unlock()

	if c.sig.pending == nil {
		c.sendLocked()
	}
	for atomic.LoadUint64(&c.sig.stopPosted) < uint64(c.size) {
		c.pollLocked()
		time.Sleep(100 * time.Microsecond)
	}

	max, err := c.allreduceMax(roundSignals, atomic.LoadUint64(&c.sig.rounds))
	if err != nil {
		return err
	}
	if atomic.LoadUint64(&c.sig.rounds) < max {
		if err := c.waitReductionLocked(); err != nil {
			return err
		}
		c.sendLocked()
	}
	if r := atomic.LoadUint64(&c.sig.rounds); r != max {
		return fmt.Errorf("%w: %d rounds after reconcile, cluster max %d", ErrRoundSkew, r, max)
	}
	if err := c.waitReductionLocked(); err != nil {
		return err
	}

	return c.syncExchange()
}

// Cluster-wide counter views: others' last aggregated contribution plus the
// live local counters. Equal to the local values on a single-rank cluster.

func (c *Cluster) NodesSearched() uint64 {
	return atomic.LoadUint64(&c.sig.nodesOthers) + c.pool.NodesSearched()
}

func (c *Cluster) TBHits() uint64 {
	return atomic.LoadUint64(&c.sig.tbOthers) + c.pool.TBHits()
}

func (c *Cluster) TTSaves() uint64 {
	return atomic.LoadUint64(&c.sig.savesOthers) + c.pool.TTSaves()
}

// Stats is the periodic-info snapshot: observational only.
type Stats struct {
	Rounds        uint64
	RoundsPerSec  float64
	SavesPerSec   float64
	NodesSearched uint64
	TBHits        uint64
	TTSaves       uint64
}

func (c *Cluster) Stats() Stats {
	elapsed := time.Since(time.Unix(0, c.sig.epoch.Load())).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-9
	}
	saves := c.TTSaves()
	return Stats{
		Rounds:        atomic.LoadUint64(&c.sig.rounds),
		RoundsPerSec:  float64(atomic.LoadUint64(&c.sig.rounds)) / elapsed,
		SavesPerSec:   float64(saves) / elapsed,
		NodesSearched: c.NodesSearched(),
		TBHits:        c.TBHits(),
		TTSaves:       saves,
	}
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
