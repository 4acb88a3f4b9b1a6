package engine

import (
	"sync"
	"testing"
)

func TestPoolCounterSums(t *testing.T) {
	p := NewPool(4)

	var wg sync.WaitGroup
	for _, th := range p.Threads {
		wg.Add(1)
		go func(th *Thread) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				th.AddNodes(1)
			}
			th.AddTBHits(2)
			th.AddSaves(3)
		}(th)
	}
	wg.Wait()

	if n := p.NodesSearched(); n != 4000 {
		t.Errorf("nodes = %d, want 4000", n)
	}
	if n := p.TBHits(); n != 8 {
		t.Errorf("tb hits = %d, want 8", n)
	}
	if n := p.TTSaves(); n != 12 {
		t.Errorf("tt saves = %d, want 12", n)
	}
}

func TestPoolStopStickyAndReset(t *testing.T) {
	p := NewPool(2)
	if p.Stop() {
		t.Fatal("stop set on fresh pool")
	}
	p.SetStop(true)
	if !p.Stop() {
		t.Fatal("stop did not latch")
	}

	p.Threads[0].AddNodes(10)
	p.Reset()
	if p.Stop() || p.NodesSearched() != 0 {
		t.Error("reset did not clear state")
	}
}

func TestPoolMinimumSize(t *testing.T) {
	if n := NewPool(0).Size(); n != 1 {
		t.Errorf("size = %d, want 1", n)
	}
}
