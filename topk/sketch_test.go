package topk

import (
	"fmt"
	"sync"
	"testing"
)

func newTestSketch(tickSize uint64) *Sketch {
	return New(SketchParams{K: 3, WindowSize: 5, Width: 1024, Depth: 3, TickSize: tickSize})
}

func TestSketch_TopOrdersByCount(t *testing.T) {
	s := newTestSketch(1000)

	counts := map[string]int{"1.1.1.1": 50, "2.2.2.2": 20, "3.3.3.3": 5}
	for ip, n := range counts {
		for i := 0; i < n; i++ {
			s.Observe(ip)
		}
	}

	top := s.Top()
	if len(top) != 3 {
		t.Fatalf("Top() len = %d, want 3: %+v", len(top), top)
	}
	want := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}
	for i, o := range top {
		if o.ClientID != want[i] {
			t.Errorf("Top()[%d] = %s, want %s", i, o.ClientID, want[i])
		}
	}
	if top[0].Count < 50 {
		t.Errorf("count for heaviest client = %d, want >= 50", top[0].Count)
	}
}

func TestSketch_KeepsOnlyK(t *testing.T) {
	s := newTestSketch(1000)
	for i := 0; i < 10; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i)
		for j := 0; j <= i; j++ {
			s.Observe(ip)
		}
	}
	if got := len(s.Top()); got > 3 {
		t.Errorf("Top() len = %d, want at most K=3", got)
	}
}

func TestSketch_Ticks(t *testing.T) {
	s := newTestSketch(10)
	for i := 0; i < 35; i++ {
		s.Observe("1.1.1.1")
	}
	if got := s.Ticks(); got != 3 {
		t.Errorf("Ticks() = %d, want 3", got)
	}
}

func TestSketch_Concurrent(t *testing.T) {
	s := newTestSketch(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Observe(fmt.Sprintf("192.168.0.%d", g))
				if i%20 == 0 {
					_ = s.Top()
				}
			}
		}(g)
	}
	wg.Wait()
	if s.Ticks() != 32 {
		t.Errorf("Ticks() = %d, want 32", s.Ticks())
	}
}
