// clusterfish is one rank of a distributed search cluster. Every rank runs
// the same binary with the same -peers list; commands typed at rank 0 are
// relayed so all ranks interpret identical input. The search load here is a
// synthetic driver standing in for the real search threads: it exercises the
// store table, the gossip ring and the signal rounds end to end.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	engine "github.com/BOT658/Stockfish"
	"github.com/BOT658/Stockfish/cluster"
)

func main() {
	var (
		rank    = flag.Int("rank", 0, "this process's rank index")
		peers   = flag.String("peers", "localhost:9010", "comma-separated rank addresses, list index = rank")
		bind    = flag.String("bind", "", "listen address override (default \":port\" of own peers entry)")
		threads = flag.Int("threads", 4, "worker threads")
		hashMB  = flag.Int("hash", 64, "store table size (MiB)")
		connTO  = flag.Duration("connect-timeout", 30*time.Second, "mesh establishment budget")
		debug   = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Int("rank", *rank).Logger()
	if !*debug {
		logger = logger.Level(zerolog.InfoLevel)
	}

	pool := engine.NewPool(*threads)
	table := engine.NewTable(*hashMB)

	cfg := cluster.Config{
		Rank:           *rank,
		Peers:          strings.Split(*peers, ","),
		BindAddr:       *bind,
		ConnectTimeout: *connTO,
		Logger:         logger,
	}
	cl, err := cluster.Init(cfg, pool, table)
	if err != nil {
		// Unrecoverable by design: no cluster operation is safe without
		// the full mesh.
		logger.Fatal().Err(err).Msg("cluster init failed")
	}

	s := &session{cl: cl, pool: pool, table: table, log: logger}
	sc := bufio.NewScanner(os.Stdin)

loop:
	for {
		line, ok := cl.Getline(sc)
		if !ok {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "go":
			movetime := 1000
			for i := 1; i+1 < len(fields); i += 2 {
				if fields[i] == "movetime" {
					if v, err := strconv.Atoi(fields[i+1]); err == nil {
						movetime = v
					}
				}
			}
			s.startSearch(time.Duration(movetime) * time.Millisecond)
		case "stop":
			pool.SetStop(true)
		case "info":
			s.logStats()
		case "quit":
			break loop
		default:
			logger.Warn().Str("cmd", fields[0]).Msg("unknown command")
		}
	}

	pool.SetStop(true)
	s.waitSearch()
	cl.Finalize()
}

type session struct {
	cl    *cluster.Cluster
	pool  *engine.Pool
	table *engine.Table
	log   zerolog.Logger

	wg        sync.WaitGroup
	searching atomic.Bool

	mu   sync.Mutex
	best cluster.MoveInfo
	pv   []engine.Move
}

func (s *session) startSearch(movetime time.Duration) {
	if !s.searching.CompareAndSwap(false, true) {
		s.log.Warn().Msg("search already running")
		return
	}
	s.pool.Reset()
	s.best = cluster.MoveInfo{}
	s.pv = nil
	s.cl.SignalsInit()
	s.cl.SignalsSend()

	stopTimer := time.AfterFunc(movetime, func() { s.pool.SetStop(true) })

	var workers sync.WaitGroup
	for _, th := range s.pool.Threads {
		workers.Add(1)
		go func(th *engine.Thread) {
			defer workers.Done()
			s.worker(th)
		}(th)
	}

	infoDone := make(chan struct{})
	go func() {
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.logStats()
			case <-infoDone:
				return
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		workers.Wait()
		stopTimer.Stop()
		close(infoDone)
		s.finishSearch()
		s.searching.Store(false)
	}()
}

func (s *session) waitSearch() {
	s.wg.Wait()
}

// worker is the synthetic stand-in for one search thread: a deterministic
// key stream with pseudo-random depths/scores, saved through the cluster so
// deep entries travel the ring, polling the signal rounds along the way.
func (s *session) worker(th *engine.Thread) {
	k := uint64(s.cl.Rank()*s.pool.Size()+th.ID)*0x9e3779b97f4a7c15 + 1
	for i := 0; !s.pool.Stop(); i++ {
		k ^= k << 13
		k ^= k >> 7
		k ^= k << 17
		if k == 0 {
			k = 1
		}

		depth := 1 + int(k%28)
		score := engine.Value(int16(k>>32%400) - 200)
		move := engine.Move(1 + k%0xfff)
		s.cl.Save(th, engine.Key(k), score, engine.BoundExact, depth, move, score, k%8 == 0)

		th.AddNodes(1)
		if k%4096 == 0 {
			th.AddTBHits(1)
		}
		if i%256 == 0 {
			s.cl.SignalsPoll()
			s.table.Probe(engine.Key(k ^ 0xff))
		}
		if i%1024 == 0 {
			s.observe(move, depth, int(score))
			time.Sleep(50 * time.Microsecond)
		}
	}
}

func (s *session) observe(m engine.Move, depth, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if depth > s.best.Depth {
		s.best = cluster.MoveInfo{Move: m, Ponder: engine.MoveNone, Depth: depth, Score: score}
		s.pv = []engine.Move{m}
	}
}

func (s *session) finishSearch() {
	if err := s.cl.SignalsSync(); err != nil {
		s.log.Error().Err(err).Msg("signals sync failed")
		return
	}

	s.mu.Lock()
	best := s.best
	pvParts := make([]string, len(s.pv))
	for i, m := range s.pv {
		pvParts[i] = m.String()
	}
	s.mu.Unlock()

	winner, pvLine, err := s.cl.PickMoves(best, strings.Join(pvParts, " "))
	if err != nil {
		s.log.Error().Err(err).Msg("move arbitration failed")
		return
	}
	if s.cl.IsRoot() {
		fmt.Printf("info depth %d score cp %d pv %s\n", winner.Depth, winner.Score, pvLine)
		fmt.Printf("bestmove %s\n", winner.Move)
	}
	s.logStats()
	s.log.Info().Int("winner_rank", winner.Rank).Str("move", winner.Move.String()).Msg("search finished")
}

func (s *session) logStats() {
	st := s.cl.Stats()
	s.log.Info().
		Uint64("rounds", st.Rounds).
		Float64("rounds_per_sec", st.RoundsPerSec).
		Float64("saves_per_sec", st.SavesPerSec).
		Uint64("nodes", st.NodesSearched).
		Uint64("tb_hits", st.TBHits).
		Int("hashfull", s.table.Hashfull()).
		Msg("cluster stats")
}
