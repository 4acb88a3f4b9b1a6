package cluster

import (
	engine "github.com/BOT658/Stockfish"
)

// MoveInfo is one rank's candidate result for a completed search.
type MoveInfo struct {
	Move   engine.Move
	Ponder engine.Move
	Depth  int
	Score  int
	Rank   int
}

// PickMoves is the collective end-of-search decision: candidates are gathered
// at the coordinating rank, a winner is picked by weighted vote and broadcast
// back, and when the winner is not the coordinating rank the winning rank
// relays its principal-variation line so the rank that prints the result
// always has the PV text matching the chosen move.
func (c *Cluster) PickMoves(mi MoveInfo, pvLine string) (MoveInfo, string, error) {
	if c.size == 1 {
		return mi, pvLine, nil
	}
	mi.Rank = c.rank

	if c.IsRoot() {
		cands := make([]MoveInfo, c.size) // scratch scoped to this call
		cands[0] = mi
		for r := 1; r < c.size; r++ {
			raw, err := c.recvWait(MTMove, r)
			if err != nil {
				return mi, pvLine, err
			}
			var m MsgMove
			if err := cborDec.Unmarshal(raw, &m); err != nil {
				return mi, pvLine, err
			}
			cands[r] = MoveInfo{
				Move:   engine.Move(m.Move),
				Ponder: engine.Move(m.Ponder),
				Depth:  int(m.Depth),
				Score:  int(m.Score),
				Rank:   int(m.Rank),
			}
		}

		mi = voteWinner(cands)
		if err := c.bcast(moveMsg(c.rank, mi)); err != nil {
			return mi, pvLine, err
		}
	} else {
		if err := c.peers[0].send(moveMsg(c.rank, mi)); err != nil {
			return mi, pvLine, err
		}
		raw, err := c.recvWait(MTMove, 0)
		if err != nil {
			return mi, pvLine, err
		}
		var m MsgMove
		if err := cborDec.Unmarshal(raw, &m); err != nil {
			return mi, pvLine, err
		}
		mi = MoveInfo{
			Move:   engine.Move(m.Move),
			Ponder: engine.Move(m.Ponder),
			Depth:  int(m.Depth),
			Score:  int(m.Score),
			Rank:   int(m.Rank),
		}
	}

	// PV relay: winner -> root, point to point.
	if mi.Rank != 0 && mi.Rank == c.rank {
		msg := &MsgPV{Base: Base{T: MTPV, From: c.rank}, Text: pvLine}
		if err := c.peers[0].send(msg); err != nil {
			return mi, pvLine, err
		}
	}
	if mi.Rank != 0 && c.IsRoot() {
		raw, err := c.recvWait(MTPV, mi.Rank)
		if err != nil {
			return mi, pvLine, err
		}
		var m MsgPV
		if err := cborDec.Unmarshal(raw, &m); err != nil {
			return mi, pvLine, err
		}
		pvLine = m.Text
	}
	return mi, pvLine, nil
}

// voteWinner accumulates, per distinct move, (score - minScore + depth) over
// all ranks proposing it: depth alone favors lucky pruning, score alone
// favors overestimating ranks, the sum favors moves that are deep and not
// terrible. Ties keep the earliest candidate in rank order.
func voteWinner(cands []MoveInfo) MoveInfo {
	minScore := cands[0].Score
	for _, cd := range cands {
		if cd.Score < minScore {
			minScore = cd.Score
		}
	}

	votes := make(map[engine.Move]int, len(cands))
	for _, cd := range cands {
		votes[cd.Move] += cd.Score - minScore + cd.Depth
	}

	best := cands[0]
	bestVote := votes[best.Move]
	for _, cd := range cands[1:] {
		if votes[cd.Move] > bestVote {
			bestVote = votes[cd.Move]
			best = cd
		}
	}
	return best
}

func moveMsg(from int, mi MoveInfo) *MsgMove {
	return &MsgMove{
		Base:   Base{T: MTMove, From: from},
		Move:   uint32(mi.Move),
		Ponder: uint32(mi.Ponder),
		Depth:  int32(mi.Depth),
		Score:  int32(mi.Score),
		Rank:   int32(mi.Rank),
	}
}
