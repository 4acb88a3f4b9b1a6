// Package cluster coordinates many independent search processes ("ranks")
// searching one logical game tree. It owns the inter-rank traffic only: a
// periodic non-blocking counter aggregation, a gossip ring exchanging the most
// valuable store-table entries, a command-input relay and an end-of-search
// move arbiter. The search itself (threads, evaluation, time management) is an
// external collaborator reached through engine.Pool and engine.Table.
//
// Every entry point is safe for concurrent use by any number of goroutines;
// nothing on the search path blocks for longer than a non-blocking poll.
package cluster

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	engine "github.com/BOT658/Stockfish"
)

// Cluster is the owned coordination state of one rank, created by Init and
// released by Finalize. Rank identity and size are immutable in between.
type Cluster struct {
	cfg  Config
	log  zerolog.Logger
	rank int
	size int

	pool  *engine.Pool
	table *engine.Table

	ln      net.Listener
	peers   []*peerConn // indexed by rank, nil at own index
	inboxes map[MsgType][]chan []byte

	sig signalState
	ex  exchangeState

	closed   chan struct{}
	finished atomic.Bool
}

// Init establishes the full mesh and allocates the per-channel inboxes and
// exchange buffers. Ranks may start in any order; dialing retries until
// ConnectTimeout. A failed Init leaves nothing running. A single-rank cluster
// performs no networking at all and degenerates to the local search.
func Init(cfg Config, pool *engine.Pool, table *engine.Table) (*Cluster, error) {
	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:    cfg,
		log:    cfg.Logger,
		rank:   cfg.Rank,
		size:   len(cfg.Peers),
		pool:   pool,
		table:  table,
		closed: make(chan struct{}),
	}
	c.initSignals()
	c.initExchange()

	if c.size == 1 {
		return c, nil
	}

	c.inboxes = make(map[MsgType][]chan []byte)
	for _, t := range []MsgType{MTSignals, MTEntries, MTLine, MTMove, MTPV, MTMaxRound} {
		boxes := make([]chan []byte, c.size)
		for i := range boxes {
			if i != c.rank {
				boxes[i] = make(chan []byte, 64)
			}
		}
		c.inboxes[t] = boxes
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster listen %s: %w", cfg.BindAddr, err)
	}
	c.ln = ln

	deadline := time.Now().Add(cfg.ConnectTimeout)
	c.peers = make([]*peerConn, c.size)

	var g errgroup.Group
	if higher := c.size - c.rank - 1; higher > 0 {
		g.Go(func() error {
			if tl, ok := ln.(*net.TCPListener); ok {
				_ = tl.SetDeadline(deadline)
			}
			for n := 0; n < higher; {
				conn, err := ln.Accept()
				if err != nil {
					return fmt.Errorf("accept: %w", err)
				}
				pc, err := acceptRank(conn, c.rank, c.size, cfg.MaxFrame, cfg.WriteTimeout)
				if err != nil {
					_ = conn.Close()
					c.log.Warn().Err(err).Msg("rejected inbound peer")
					continue
				}
				if c.peers[pc.rank] != nil {
					pc.close()
					continue
				}
				c.peers[pc.rank] = pc
				n++
			}
			return nil
		})
	}
	for r := 0; r < c.rank; r++ {
		r := r
		g.Go(func() error {
			pc, err := dialRank(cfg.Peers[r], c.rank, r, c.size, cfg.MaxFrame,
				cfg.WriteTimeout, cfg.DialRetry, deadline)
			if err != nil {
				return err
			}
			c.peers[r] = pc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.teardown()
		return nil, err
	}

	for _, p := range c.peers {
		if p != nil {
			go c.readLoop(p)
		}
	}

	c.log.Info().Int("rank", c.rank).Int("size", c.size).Msg("cluster initialized")
	return c, nil
}

// Finalize releases all connections. Using the cluster afterwards is invalid;
// callers must drain outstanding rounds with SignalsSync first.
func (c *Cluster) Finalize() {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	close(c.closed)
	c.teardown()
	if c.size > 1 {
		c.log.Info().Int("rank", c.rank).Msg("cluster finalized")
	}
}

func (c *Cluster) teardown() {
	if c.ln != nil {
		_ = c.ln.Close()
	}
	for _, p := range c.peers {
		if p != nil {
			p.close()
		}
	}
}

func (c *Cluster) Rank() int    { return c.rank }
func (c *Cluster) Size() int    { return c.size }
func (c *Cluster) IsRoot() bool { return c.rank == 0 }

// readLoop routes inbound frames of one peer into the per-(type,peer)
// inboxes. One goroutine per connection for the whole run.
func (c *Cluster) readLoop(p *peerConn) {
	for {
		raw, err := p.readFrame()
		if err != nil {
			select {
			case <-c.closed:
			default:
				if isFatalTransport(err) {
					// No rank-loss recovery exists: collectives on this
					// peer will hang from here on.
					c.log.Error().Err(err).Int("peer", p.rank).Msg("peer connection lost")
				}
			}
			return
		}

		var base Base
		if err := cborDec.Unmarshal(raw, &base); err != nil {
			c.log.Warn().Err(err).Int("peer", p.rank).Msg("undecodable frame")
			continue
		}
		if base.From != p.rank || channelOf(base.T) == 0 {
			c.log.Warn().Int("peer", p.rank).Uint8("type", uint8(base.T)).Msg("misrouted frame")
			continue
		}

		select {
		case c.inboxes[base.T][p.rank] <- raw:
		case <-c.closed:
			return
		}
	}
}

func (c *Cluster) box(t MsgType, from int) chan []byte {
	return c.inboxes[t][from]
}

// recvTest is the non-blocking probe of an inbox.
func (c *Cluster) recvTest(t MsgType, from int) ([]byte, bool) {
	select {
	case raw := <-c.box(t, from):
		return raw, true
	default:
		return nil, false
	}
}

// recvWait blocks until a message of the given type arrives from the peer.
func (c *Cluster) recvWait(t MsgType, from int) ([]byte, error) {
	select {
	case raw := <-c.box(t, from):
		return raw, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

// bcast sends one message to every peer and waits for the writes to land.
func (c *Cluster) bcast(msg any) error {
	ops := make([]*op, 0, c.size-1)
	for _, p := range c.peers {
		if p != nil {
			ops = append(ops, p.isend(msg))
		}
	}
	for _, o := range ops {
		if err := o.wait(); err != nil {
			return err
		}
	}
	return nil
}

// allreduceMax combines one value per rank with max. Blocking; used only for
// the end-of-search round reconciliation on the move channel.
func (c *Cluster) allreduceMax(kind uint8, v uint64) (uint64, error) {
	msg := &MsgMaxRound{Base: Base{T: MTMaxRound, From: c.rank}, Kind: kind, Round: v}
	if err := c.bcast(msg); err != nil {
		return 0, err
	}

	max := v
	for r := 0; r < c.size; r++ {
		if r == c.rank {
			continue
		}
		raw, err := c.recvWait(MTMaxRound, r)
		if err != nil {
			return 0, err
		}
		var m MsgMaxRound
		if err := cborDec.Unmarshal(raw, &m); err != nil {
			return 0, err
		}
		if m.Kind != kind {
			return 0, fmt.Errorf("%w: reconcile kind %d from rank %d, want %d", ErrRoundSkew, m.Kind, r, kind)
		}
		if m.Round > max {
			max = m.Round
		}
	}
	return max, nil
}
