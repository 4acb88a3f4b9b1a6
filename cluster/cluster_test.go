package cluster

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	engine "github.com/BOT658/Stockfish"
)

// freeAddrs reserves n loopback addresses by listening and closing.
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserve addr: %v", err)
		}
		addrs[i] = ln.Addr().String()
		_ = ln.Close()
	}
	return addrs
}

type testRank struct {
	cl    *Cluster
	pool  *engine.Pool
	table *engine.Table
}

// newTestCluster boots n ranks in-process over loopback TCP.
func newTestCluster(t *testing.T, n, threads int, tweak func(*Config)) []testRank {
	t.Helper()
	addrs := freeAddrs(t, n)
	ranks := make([]testRank, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		ranks[r].pool = engine.NewPool(threads)
		ranks[r].table = engine.NewTable(1)
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			cfg := Config{
				Rank:           r,
				Peers:          addrs,
				ConnectTimeout: 10 * time.Second,
				Logger:         zerolog.Nop(),
			}
			if tweak != nil {
				tweak(&cfg)
			}
			ranks[r].cl, errs[r] = Init(cfg, ranks[r].pool, ranks[r].table)
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("init rank %d: %v", r, err)
		}
	}
	t.Cleanup(func() {
		for _, tr := range ranks {
			if tr.cl != nil {
				tr.cl.Finalize()
			}
		}
	})
	return ranks
}

// syncAll raises every stop flag and drains all ranks concurrently, as the
// engine does at end of search.
func syncAll(t *testing.T, ranks []testRank) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(ranks))
	for i, tr := range ranks {
		tr.pool.SetStop(true)
		wg.Add(1)
		go func(i int, tr testRank) {
			defer wg.Done()
			errs[i] = tr.cl.SignalsSync()
		}(i, tr)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("sync rank %d: %v", i, err)
		}
	}
}

func TestRankQueries(t *testing.T) {
	ranks := newTestCluster(t, 3, 1, nil)
	for r, tr := range ranks {
		if tr.cl.Rank() != r {
			t.Errorf("rank %d reports %d", r, tr.cl.Rank())
		}
		if tr.cl.Size() != 3 {
			t.Errorf("rank %d reports size %d", r, tr.cl.Size())
		}
		if tr.cl.IsRoot() != (r == 0) {
			t.Errorf("rank %d IsRoot = %v", r, tr.cl.IsRoot())
		}
	}
}

func TestSingleRankDegeneration(t *testing.T) {
	pool := engine.NewPool(2)
	table := engine.NewTable(1)
	cfg := Config{Rank: 0, Peers: []string{"localhost:0"}, Logger: zerolog.Nop()}
	cl, err := Init(cfg, pool, table)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer cl.Finalize()

	// Signals are pure no-ops; cluster counters must equal local ones.
	cl.SignalsInit()
	cl.SignalsSend()
	cl.SignalsPoll()
	pool.Threads[0].AddNodes(123)
	pool.Threads[1].AddTBHits(7)
	cl.Save(pool.Threads[0], engine.KeyFrom("startpos"), 10, engine.BoundExact, 12, engine.MoveFromUCI("e2e4"), 10, false)

	if got := cl.NodesSearched(); got != pool.NodesSearched() {
		t.Errorf("NodesSearched = %d, want local %d", got, pool.NodesSearched())
	}
	if got := cl.TBHits(); got != 7 {
		t.Errorf("TBHits = %d, want 7", got)
	}
	if got := cl.TTSaves(); got != 1 {
		t.Errorf("TTSaves = %d, want 1", got)
	}
	if _, found := table.Probe(engine.KeyFrom("startpos")); !found {
		t.Error("saved entry not in local table")
	}

	pool.SetStop(true)
	if err := cl.SignalsSync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	sc := bufio.NewScanner(strings.NewReader("go depth 10\n"))
	line, ok := cl.Getline(sc)
	if !ok || line != "go depth 10" {
		t.Errorf("Getline = %q, %v", line, ok)
	}
	if _, ok := cl.Getline(sc); ok {
		t.Error("expected end of stream")
	}

	mi, pv, err := cl.PickMoves(MoveInfo{Move: engine.MoveFromUCI("e2e4"), Depth: 10, Score: 30}, "e2e4 e7e5")
	if err != nil {
		t.Fatalf("pick moves: %v", err)
	}
	if mi.Move != engine.MoveFromUCI("e2e4") || pv != "e2e4 e7e5" {
		t.Errorf("single-rank PickMoves changed result: %+v %q", mi, pv)
	}
}

func TestGetlineRelayIdentical(t *testing.T) {
	ranks := newTestCluster(t, 3, 1, nil)

	type result struct {
		lines []string
		oks   []bool
	}
	results := make([]result, 3)

	var wg sync.WaitGroup
	for r, tr := range ranks {
		wg.Add(1)
		go func(r int, tr testRank) {
			defer wg.Done()
			input := ""
			if r == 0 {
				input = "go depth 10\nstop\n"
			}
			sc := bufio.NewScanner(strings.NewReader(input))
			for i := 0; i < 3; i++ {
				line, ok := tr.cl.Getline(sc)
				results[r].lines = append(results[r].lines, line)
				results[r].oks = append(results[r].oks, ok)
			}
		}(r, tr)
	}
	wg.Wait()

	want := result{lines: []string{"go depth 10", "stop", ""}, oks: []bool{true, true, false}}
	for r := range results {
		for i := range want.lines {
			if results[r].lines[i] != want.lines[i] || results[r].oks[i] != want.oks[i] {
				t.Errorf("rank %d call %d: got %q/%v want %q/%v",
					r, i, results[r].lines[i], results[r].oks[i], want.lines[i], want.oks[i])
			}
		}
	}
}

func TestStopPropagation(t *testing.T) {
	ranks := newTestCluster(t, 3, 1, nil)

	for _, tr := range ranks {
		tr.cl.SignalsInit()
		tr.cl.SignalsSend()
	}
	// One rank decides to stop; the flag must reach every rank through the
	// aggregation rounds alone.
	ranks[1].pool.SetStop(true)

	deadline := time.Now().Add(5 * time.Second)
	for {
		all := true
		for _, tr := range ranks {
			tr.cl.SignalsPoll()
			if !tr.pool.Stop() {
				all = false
			}
		}
		if all {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stop flag did not propagate")
		}
		time.Sleep(time.Millisecond)
	}

	syncAll(t, ranks)
}

func TestAggregatedCountersExact(t *testing.T) {
	ranks := newTestCluster(t, 2, 1, nil)

	ranks[0].pool.Threads[0].AddNodes(1000)
	ranks[1].pool.Threads[0].AddNodes(234)
	ranks[0].pool.Threads[0].AddTBHits(5)
	ranks[1].pool.Threads[0].AddSaves(9)

	for _, tr := range ranks {
		tr.cl.SignalsInit()
		tr.cl.SignalsSend()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		done := true
		for _, tr := range ranks {
			tr.cl.SignalsPoll()
			if tr.cl.NodesSearched() != 1234 {
				done = false
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("counters never converged: %d / %d",
				ranks[0].cl.NodesSearched(), ranks[1].cl.NodesSearched())
		}
		time.Sleep(time.Millisecond)
	}

	for r, tr := range ranks {
		if got := tr.cl.TBHits(); got != 5 {
			t.Errorf("rank %d TBHits = %d, want 5", r, got)
		}
		if got := tr.cl.TTSaves(); got != 9 {
			t.Errorf("rank %d TTSaves = %d, want 9", r, got)
		}
	}

	// Live local counters keep advancing: totals must stay monotone.
	before := ranks[0].cl.NodesSearched()
	ranks[0].pool.Threads[0].AddNodes(50)
	if after := ranks[0].cl.NodesSearched(); after < before {
		t.Errorf("total went backwards: %d -> %d", before, after)
	}

	syncAll(t, ranks)
}

func TestSignalsSyncEqualRounds(t *testing.T) {
	ranks := newTestCluster(t, 2, 1, nil)

	// Rank 0 starts a round; rank 1 never sends before the drain, so the
	// reconciliation path has to even the round counters out.
	ranks[0].cl.SignalsInit()
	ranks[0].cl.SignalsSend()
	ranks[1].cl.SignalsInit()

	syncAll(t, ranks)

	r0 := ranks[0].cl.Stats().Rounds
	r1 := ranks[1].cl.Stats().Rounds
	if r0 != r1 {
		t.Errorf("round counters differ after sync: %d != %d", r0, r1)
	}
}
