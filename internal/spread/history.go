package spread

import (
	"sync"
	"time"

	"spreadarb/internal/core"

	"github.com/shopspring/decimal"
)

// Point is one recorded spread observation
type Point struct {
	Direction core.Direction
	Entry     decimal.Decimal
	Exit      decimal.Decimal
	At        time.Time
}

// Stats summarizes one direction's observations for the session
type Stats struct {
	Direction core.Direction
	Count     int
	Best      decimal.Decimal
	Worst     decimal.Decimal
	Last      decimal.Decimal
	BestAt    time.Time
}

// History keeps a bounded rolling window of spread observations per
// direction plus session best/worst stats. It is written by the engine tick
// and read by status snapshots.
type History struct {
	mu      sync.RWMutex
	maxSize int
	points  map[core.Direction][]Point
	stats   map[core.Direction]*Stats
}

// NewHistory creates a history window holding up to maxSize points per direction
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 600
	}
	return &History{
		maxSize: maxSize,
		points:  make(map[core.Direction][]Point),
		stats:   make(map[core.Direction]*Stats),
	}
}

// Record appends an observation and updates session stats
func (h *History) Record(ds DirectionalSpread, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := Point{Direction: ds.Direction, Entry: ds.Entry, Exit: ds.Exit, At: at}
	pts := append(h.points[ds.Direction], p)
	if len(pts) > h.maxSize {
		pts = pts[len(pts)-h.maxSize:]
	}
	h.points[ds.Direction] = pts

	st, ok := h.stats[ds.Direction]
	if !ok {
		st = &Stats{Direction: ds.Direction, Best: ds.Entry, Worst: ds.Entry, BestAt: at}
		h.stats[ds.Direction] = st
	}
	st.Count++
	st.Last = ds.Entry
	if ds.Entry.GreaterThan(st.Best) {
		st.Best = ds.Entry
		st.BestAt = at
	}
	if ds.Entry.LessThan(st.Worst) {
		st.Worst = ds.Entry
	}
}

// Window returns a copy of the recorded points for one direction
func (h *History) Window(d core.Direction) []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pts := h.points[d]
	out := make([]Point, len(pts))
	copy(out, pts)
	return out
}

// SessionStats returns per-direction stats for the current session
func (h *History) SessionStats() []Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Stats, 0, len(h.stats))
	for _, d := range []core.Direction{core.DirectionV1ToV2, core.DirectionV2ToV1} {
		if st, ok := h.stats[d]; ok {
			out = append(out, *st)
		}
	}
	return out
}
