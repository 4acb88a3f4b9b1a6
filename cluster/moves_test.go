package cluster

import (
	"sync"
	"testing"

	engine "github.com/BOT658/Stockfish"
)

func TestVoteWinnerWeighting(t *testing.T) {
	moveA := engine.MoveFromUCI("a2a3")
	moveB := engine.MoveFromUCI("b2b3")

	// moveA = (50-10+10)+(40-10+12) = 92, moveB = (10-10+20) = 20.
	cands := []MoveInfo{
		{Move: moveA, Depth: 10, Score: 50, Rank: 0},
		{Move: moveA, Depth: 12, Score: 40, Rank: 1},
		{Move: moveB, Depth: 20, Score: 10, Rank: 2},
	}
	w := voteWinner(cands)
	if w.Move != moveA {
		t.Errorf("winner = %s, want %s", w.Move, moveA)
	}
	if w.Rank != 0 {
		t.Errorf("winner record from rank %d, want first proposer 0", w.Rank)
	}
}

func TestVoteWinnerTieIsStable(t *testing.T) {
	moveA := engine.MoveFromUCI("a2a3")
	moveB := engine.MoveFromUCI("b2b3")

	cands := []MoveInfo{
		{Move: moveA, Depth: 10, Score: 0, Rank: 0},
		{Move: moveB, Depth: 10, Score: 0, Rank: 1},
	}
	if w := voteWinner(cands); w.Rank != 0 {
		t.Errorf("tie broke to rank %d, want rank 0", w.Rank)
	}
}

func TestPickMovesCluster(t *testing.T) {
	ranks := newTestCluster(t, 3, 1, nil)

	moveA := engine.MoveFromUCI("a2a3")
	moveB := engine.MoveFromUCI("h7h8q")
	cands := []MoveInfo{
		{Move: moveA, Depth: 1, Score: 0},
		{Move: moveA, Depth: 1, Score: 0},
		{Move: moveB, Depth: 50, Score: 100},
	}
	pvs := []string{"a2a3 a7a6", "a2a3 h7h6", "h7h8q g8h8"}

	winners := make([]MoveInfo, 3)
	pvLines := make([]string, 3)
	var wg sync.WaitGroup
	for r, tr := range ranks {
		wg.Add(1)
		go func(r int, tr testRank) {
			defer wg.Done()
			var err error
			winners[r], pvLines[r], err = tr.cl.PickMoves(cands[r], pvs[r])
			if err != nil {
				t.Errorf("rank %d pick: %v", r, err)
			}
		}(r, tr)
	}
	wg.Wait()

	// moveB earns 100-0+50 = 150 votes against moveA's 2: rank 2 wins.
	for r, w := range winners {
		if w.Move != moveB || w.Rank != 2 || w.Depth != 50 {
			t.Errorf("rank %d winner = %+v, want rank 2's moveB", r, w)
		}
	}

	// The coordinating rank must end up with the winner's PV text.
	if pvLines[0] != pvs[2] {
		t.Errorf("root PV = %q, want relayed %q", pvLines[0], pvs[2])
	}
	// The winning rank keeps its own line.
	if pvLines[2] != pvs[2] {
		t.Errorf("winner PV changed: %q", pvLines[2])
	}
}
