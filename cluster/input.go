package cluster

import (
	"bufio"
	"time"
)

// Getline is a collective line read: the coordinating rank scans one line
// from its input and relays it, so every rank's command interpreter sees
// bit-identical input. The boolean mirrors Scanner.Scan: false once the
// stream has ended, on every rank.
//
// Non-root ranks poll their relay inbox with a small sleep quantum instead of
// busy-spinning: this loop runs on the command thread for the whole process
// lifetime and must not pin a CPU while the cluster is idle. The 10ms default
// trades input latency for not starving local search work.
func (c *Cluster) Getline(sc *bufio.Scanner) (string, bool) {
	if c.size == 1 {
		ok := sc.Scan()
		return sc.Text(), ok
	}

	if c.IsRoot() {
		ok := sc.Scan()
		line := sc.Text()
		// Payloads are tiny and length-framed; blocking sends are fine here.
		msg := &MsgLine{Base: Base{T: MTLine, From: c.rank}, Text: line, OK: ok}
		if err := c.bcast(msg); err != nil {
			c.log.Error().Err(err).Msg("input relay broadcast failed")
			return "", false
		}
		return line, ok
	}

	for {
		if raw, ok := c.recvTest(MTLine, 0); ok {
			var m MsgLine
			if err := cborDec.Unmarshal(raw, &m); err != nil {
				c.log.Error().Err(err).Msg("undecodable input relay frame")
				return "", false
			}
			return m.Text, m.OK
		}
		select {
		case <-c.closed:
			return "", false
		case <-time.After(c.cfg.InputPoll):
		}
	}
}
