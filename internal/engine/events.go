package engine

import (
	"sync"
	"time"
)

// Event is one timestamped decision record: an action taken or the reason
// one was suppressed
type Event struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Direction  string    `json:"direction,omitempty"`
	PositionID int64     `json:"position_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// eventRing is a fixed-capacity ring of recent events. Old entries are
// overwritten; readers get a chronological copy.
type eventRing struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) append(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// list returns the retained events oldest first
func (r *eventRing) list() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
