// Package activity keeps a short, per-client history of requests so rates
// can be computed over sliding windows.
package activity

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caasmo/threatguard/topk"
)

type RequestEvent struct {
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	UserAgent  string    `json:"user_agent"`
	Timestamp  time.Time `json:"timestamp"`
	Suspicious bool      `json:"suspicious"`
}

// IsSuspicious is a WindowCount predicate selecting events that matched a
// path or user agent rule when recorded.
func IsSuspicious(ev RequestEvent) bool { return ev.Suspicious }

type ClientActivity struct {
	ClientID  string         `json:"client_id"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	Events    []RequestEvent `json:"events"`
}

// Summary is the condensed view used by alerts and stats.
type Summary struct {
	ClientID    string    `json:"client_id"`
	Attempts    int       `json:"attempts"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	RecentPaths []string  `json:"recent_paths,omitempty"`
}

type Options struct {
	// Retention bounds how far back events are kept. Default one hour.
	Retention time.Duration
	// MaxEvents caps events per client; the oldest go first.
	MaxEvents int
	// Sketch receives suspicious events. Optional.
	Sketch *topk.Sketch
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Tracker is safe for concurrent use. Each client has its own lock so
// unrelated clients never contend.
type Tracker struct {
	clients   sync.Map // string -> *entry
	size      atomic.Int64
	retention time.Duration
	maxEvents int
	sketch    *topk.Sketch
	now       func() time.Time
}

type entry struct {
	mu        sync.Mutex
	evicted   bool
	firstSeen time.Time
	lastSeen  time.Time
	events    []RequestEvent
}

func NewTracker(opts Options) *Tracker {
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		retention: opts.Retention,
		maxEvents: opts.MaxEvents,
		sketch:    opts.Sketch,
		now:       opts.Now,
	}
}

// Record appends ev to the client's history and trims events older than
// the retention window. A zero Timestamp is set to now.
func (t *Tracker) Record(clientID string, ev RequestEvent) {
	now := t.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	for {
		e := t.load(clientID)
		e.mu.Lock()
		if e.evicted {
			// lost a race with EvictIdle; the map no longer holds e
			e.mu.Unlock()
			continue
		}
		if e.firstSeen.IsZero() {
			e.firstSeen = ev.Timestamp
		}
		e.lastSeen = ev.Timestamp
		e.events = append(e.events, ev)
		e.trim(now.Add(-t.retention), t.maxEvents)
		e.mu.Unlock()
		break
	}

	if ev.Suspicious && t.sketch != nil {
		t.sketch.Observe(clientID)
	}
}

func (t *Tracker) load(clientID string) *entry {
	if v, ok := t.clients.Load(clientID); ok {
		return v.(*entry)
	}
	v, loaded := t.clients.LoadOrStore(clientID, &entry{})
	if !loaded {
		t.size.Add(1)
	}
	return v.(*entry)
}

// trim drops events at or before cutoff and enforces the cap. Events are
// appended in arrival order so the oldest are at the front.
func (e *entry) trim(cutoff time.Time, maxEvents int) {
	drop := 0
	for drop < len(e.events) && !e.events[drop].Timestamp.After(cutoff) {
		drop++
	}
	if over := len(e.events) - drop - maxEvents; over > 0 {
		drop += over
	}
	if drop > 0 {
		n := copy(e.events, e.events[drop:])
		clear(e.events[n:])
		e.events = e.events[:n]
	}
}

// WindowCount returns how many events of clientID fall in (now-d, now] and
// satisfy pred. A nil pred counts every event.
func (t *Tracker) WindowCount(clientID string, d time.Duration, pred func(RequestEvent) bool) int {
	v, ok := t.clients.Load(clientID)
	if !ok {
		return 0
	}
	e := v.(*entry)
	cutoff := t.now().Add(-d)

	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for i := len(e.events) - 1; i >= 0; i-- {
		ev := e.events[i]
		if !ev.Timestamp.After(cutoff) {
			break
		}
		if pred == nil || pred(ev) {
			count++
		}
	}
	return count
}

// Get returns a copy of the client's activity.
func (t *Tracker) Get(clientID string) (ClientActivity, bool) {
	v, ok := t.clients.Load(clientID)
	if !ok {
		return ClientActivity{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return ClientActivity{}, false
	}

	events := make([]RequestEvent, len(e.events))
	copy(events, e.events)
	return ClientActivity{
		ClientID:  clientID,
		FirstSeen: e.firstSeen,
		LastSeen:  e.lastSeen,
		Events:    events,
	}, true
}

// Summarize condenses the client's activity, keeping the last recentPaths paths.
func (t *Tracker) Summarize(clientID string, recentPaths int) (Summary, bool) {
	v, ok := t.clients.Load(clientID)
	if !ok {
		return Summary{ClientID: clientID}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Summary{ClientID: clientID}, false
	}
	return e.summary(clientID, recentPaths), true
}

func (e *entry) summary(clientID string, recentPaths int) Summary {
	s := Summary{
		ClientID:  clientID,
		Attempts:  len(e.events),
		FirstSeen: e.firstSeen,
		LastSeen:  e.lastSeen,
	}
	if recentPaths > 0 && len(e.events) > 0 {
		start := max(len(e.events)-recentPaths, 0)
		s.RecentPaths = make([]string, 0, len(e.events)-start)
		for _, ev := range e.events[start:] {
			s.RecentPaths = append(s.RecentPaths, ev.Path)
		}
	}
	return s
}

// Recent returns the n most recently active clients, newest first.
func (t *Tracker) Recent(n int) []Summary {
	var out []Summary
	t.clients.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.evicted {
			out = append(out, e.summary(k.(string), 0))
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// EvictIdle removes clients whose last request is older than maxIdle and
// returns how many were removed.
func (t *Tracker) EvictIdle(maxIdle time.Duration) int {
	cutoff := t.now().Add(-maxIdle)
	removed := 0
	t.clients.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.evicted && e.lastSeen.Before(cutoff) {
			e.evicted = true
			if t.clients.CompareAndDelete(k, e) {
				t.size.Add(-1)
				removed++
			}
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked clients.
func (t *Tracker) Len() int {
	return int(t.size.Load())
}

// TopOffenders returns the heaviest suspicious clients seen by the sketch.
func (t *Tracker) TopOffenders() []topk.Offender {
	if t.sketch == nil {
		return nil
	}
	return t.sketch.Top()
}
