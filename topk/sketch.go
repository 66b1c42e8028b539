package topk

import (
	"sync"

	"github.com/keilerkonzept/topk/sliding"
)

// SketchParams sizes the sliding heavy hitter sketch.
type SketchParams struct {
	K          int    // number of offenders kept
	WindowSize int    // ticks per sliding window
	Width      int    // counters per row
	Depth      int    // rows
	TickSize   uint64 // observations per tick
}

// Offender is one client with its approximate count within the window.
type Offender struct {
	ClientID string `json:"client_id"`
	Count    uint32 `json:"count"`
}

// Sketch tracks the clients producing the most suspicious requests over a
// window of WindowSize ticks. Time advances by observations, not wall
// clock: every TickSize calls to Observe move the window by one tick.
type Sketch struct {
	mu       sync.Mutex
	sketch   *sliding.Sketch
	tickSize uint64
	tickReq  uint64
	ticks    uint64
}

func New(params SketchParams) *Sketch {
	if params.TickSize == 0 {
		params.TickSize = 100
	}
	instance := sliding.New(params.K, params.WindowSize,
		sliding.WithWidth(params.Width),
		sliding.WithDepth(params.Depth))

	return &Sketch{
		sketch:   instance,
		tickSize: params.TickSize,
	}
}

// Observe counts one suspicious request for clientID.
func (s *Sketch) Observe(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sketch.Incr(clientID)
	s.tickReq++
	if s.tickReq >= s.tickSize {
		s.sketch.Tick()
		s.ticks++
		s.tickReq = 0
	}
}

// Top returns the current offenders, highest count first.
func (s *Sketch) Top() []Offender {
	s.mu.Lock()
	items := s.sketch.SortedSlice()
	s.mu.Unlock()

	out := make([]Offender, 0, len(items))
	for _, item := range items {
		if item.Count == 0 {
			continue
		}
		out = append(out, Offender{ClientID: item.Item, Count: item.Count})
	}
	return out
}

// Ticks returns how many times the window advanced.
func (s *Sketch) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

func (s *Sketch) SizeBytes() int {
	return s.sketch.SizeBytes()
}
