package activity

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/caasmo/threatguard/topk"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTracker_WindowCount(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{Now: clock.Now})

	// 10 events spread over 10 minutes, every other one suspicious
	for i := 0; i < 10; i++ {
		if i > 0 {
			clock.Advance(time.Minute)
		}
		tr.Record("1.2.3.4", RequestEvent{Path: "/", Method: "GET", Suspicious: i%2 == 0})
	}

	testCases := []struct {
		name   string
		window time.Duration
		pred   func(RequestEvent) bool
		want   int
	}{
		{"last minute", time.Minute, nil, 1},
		{"last five minutes", 5 * time.Minute, nil, 5},
		{"last hour", time.Hour, nil, 10},
		{"suspicious last hour", time.Hour, IsSuspicious, 5},
		{"suspicious last minute", time.Minute, IsSuspicious, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tr.WindowCount("1.2.3.4", tc.window, tc.pred); got != tc.want {
				t.Errorf("WindowCount(%v) = %d, want %d", tc.window, got, tc.want)
			}
		})
	}

	if got := tr.WindowCount("9.9.9.9", time.Hour, nil); got != 0 {
		t.Errorf("WindowCount for unknown client = %d, want 0", got)
	}
}

func TestTracker_SlidingMinute(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{Now: clock.Now})

	for i := 0; i < 61; i++ {
		tr.Record("5.5.5.5", RequestEvent{Path: "/"})
		clock.Advance(500 * time.Millisecond)
	}
	// 61 events within 30.5s
	if got := tr.WindowCount("5.5.5.5", time.Minute, nil); got != 61 {
		t.Fatalf("WindowCount = %d, want 61", got)
	}
	clock.Advance(40 * time.Second)
	// first events are now older than a minute
	if got := tr.WindowCount("5.5.5.5", time.Minute, nil); got >= 61 {
		t.Errorf("WindowCount after sliding = %d, want < 61", got)
	}
}

func TestTracker_RecordTrimsRetention(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{Retention: time.Hour, Now: clock.Now})

	tr.Record("1.1.1.1", RequestEvent{Path: "/old"})
	clock.Advance(61 * time.Minute)
	tr.Record("1.1.1.1", RequestEvent{Path: "/new"})

	a, ok := tr.Get("1.1.1.1")
	if !ok {
		t.Fatal("Get() found nothing")
	}
	if len(a.Events) != 1 || a.Events[0].Path != "/new" {
		t.Errorf("events after trim = %+v, want only /new", a.Events)
	}
	if !a.FirstSeen.Before(a.LastSeen) {
		t.Errorf("FirstSeen %v should be before LastSeen %v", a.FirstSeen, a.LastSeen)
	}
}

func TestTracker_RecordCapsEvents(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{MaxEvents: 5, Now: clock.Now})

	for i := 0; i < 8; i++ {
		tr.Record("1.1.1.1", RequestEvent{Path: fmt.Sprintf("/%d", i)})
		clock.Advance(time.Second)
	}
	a, _ := tr.Get("1.1.1.1")
	if len(a.Events) != 5 {
		t.Fatalf("len(events) = %d, want 5", len(a.Events))
	}
	if a.Events[0].Path != "/3" {
		t.Errorf("oldest kept event = %s, want /3", a.Events[0].Path)
	}
}

func TestTracker_GetReturnsCopy(t *testing.T) {
	tr := NewTracker(Options{})
	tr.Record("1.1.1.1", RequestEvent{Path: "/a"})

	a, _ := tr.Get("1.1.1.1")
	a.Events[0].Path = "/mutated"

	b, _ := tr.Get("1.1.1.1")
	if b.Events[0].Path != "/a" {
		t.Errorf("Get() leaked internal slice, got %s", b.Events[0].Path)
	}
}

func TestTracker_Summarize(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{Now: clock.Now})
	for i := 0; i < 7; i++ {
		tr.Record("1.1.1.1", RequestEvent{Path: fmt.Sprintf("/p%d", i)})
		clock.Advance(time.Second)
	}

	s, ok := tr.Summarize("1.1.1.1", 5)
	if !ok {
		t.Fatal("Summarize() found nothing")
	}
	if s.Attempts != 7 {
		t.Errorf("Attempts = %d, want 7", s.Attempts)
	}
	want := []string{"/p2", "/p3", "/p4", "/p5", "/p6"}
	if fmt.Sprint(s.RecentPaths) != fmt.Sprint(want) {
		t.Errorf("RecentPaths = %v, want %v", s.RecentPaths, want)
	}

	if _, ok := tr.Summarize("2.2.2.2", 5); ok {
		t.Errorf("Summarize() for unknown client returned ok")
	}
}

func TestTracker_RecentAndEvictIdle(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{Now: clock.Now})

	tr.Record("old", RequestEvent{Path: "/"})
	clock.Advance(25 * time.Hour)
	tr.Record("mid", RequestEvent{Path: "/"})
	clock.Advance(time.Minute)
	tr.Record("new", RequestEvent{Path: "/"})

	if tr.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tr.Len())
	}
	recent := tr.Recent(2)
	if len(recent) != 2 || recent[0].ClientID != "new" || recent[1].ClientID != "mid" {
		t.Errorf("Recent(2) = %+v, want [new mid]", recent)
	}

	if removed := tr.EvictIdle(24 * time.Hour); removed != 1 {
		t.Errorf("EvictIdle() removed %d, want 1", removed)
	}
	if _, ok := tr.Get("old"); ok {
		t.Errorf("idle client still present")
	}
	if tr.Len() != 2 {
		t.Errorf("Len() after eviction = %d, want 2", tr.Len())
	}

	// an evicted client starts fresh
	tr.Record("old", RequestEvent{Path: "/again"})
	a, ok := tr.Get("old")
	if !ok || len(a.Events) != 1 {
		t.Errorf("re-recorded client = %+v, %v", a, ok)
	}
}

func TestTracker_TopOffenders(t *testing.T) {
	sketch := topk.New(topk.SketchParams{K: 5, WindowSize: 10, Width: 512, Depth: 3, TickSize: 1000})
	tr := NewTracker(Options{Sketch: sketch})

	for i := 0; i < 20; i++ {
		tr.Record("bad", RequestEvent{Path: "/.env", Suspicious: true})
	}
	tr.Record("good", RequestEvent{Path: "/"})

	top := tr.TopOffenders()
	if len(top) != 1 || top[0].ClientID != "bad" {
		t.Errorf("TopOffenders() = %+v, want only bad", top)
	}

	if got := NewTracker(Options{}).TopOffenders(); got != nil {
		t.Errorf("TopOffenders() without sketch = %v, want nil", got)
	}
}

func TestTracker_ConcurrentRecordAndEvict(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{Now: clock.Now})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("10.0.0.%d", g)
			for i := 0; i < 100; i++ {
				tr.Record(id, RequestEvent{Path: "/"})
				_ = tr.WindowCount(id, time.Minute, nil)
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			tr.EvictIdle(time.Hour)
			_ = tr.Recent(3)
		}
	}()
	wg.Wait()

	for g := 0; g < 8; g++ {
		id := fmt.Sprintf("10.0.0.%d", g)
		if got := tr.WindowCount(id, time.Minute, nil); got != 100 {
			t.Errorf("%s: WindowCount = %d, want 100", id, got)
		}
	}
}
