package mealscan

import "sync"

// Progress event kinds emitted over one analysis run.
const (
	ProgressAnalysisStarted    = "analysis_started"
	ProgressFoodsIdentified    = "foods_identified"
	ProgressResolutionStarted  = "resolution_started"
	ProgressResolutionProgress = "resolution_progress"
	ProgressAnalysisComplete   = "analysis_complete"
)

// ProgressEvent is a point-in-time snapshot of a running analysis.
type ProgressEvent struct {
	Kind       string           `json:"kind"`
	AnalysisID string           `json:"analysis_id,omitempty"`
	FoodName   string           `json:"food_name,omitempty"`
	Completed  int              `json:"completed,omitempty"`
	Total      int              `json:"total,omitempty"`
	Foods      []IdentifiedFood `json:"foods,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// ProgressFunc receives progress events synchronously from the analyzer.
// A nil ProgressFunc is valid and means no reporting. Handlers must return
// quickly; slow consumers belong behind a Broadcaster.
type ProgressFunc func(ProgressEvent)

// Emit invokes the function when non-nil.
func (f ProgressFunc) Emit(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}

// Broadcaster fans progress events out to any number of subscribers.
// Publish never blocks: an event for a subscriber whose buffer is full is
// dropped rather than stalling the analysis.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan ProgressEvent]struct{}
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan ProgressEvent]struct{})}
}

// Subscribe registers a subscriber and returns its event channel plus a
// cancel function that unsubscribes and closes it. Cancel is idempotent.
func (b *Broadcaster) Subscribe() (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Broadcaster) Publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close unsubscribes every subscriber and closes their channels. Further
// Publish calls are no-ops; further Subscribe calls get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
