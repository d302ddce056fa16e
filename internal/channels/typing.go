package channels

import "sync"

// TypingController ref-counts typing indicators per peer, so overlapping
// turns on the same peer keep the indicator alive until the last one
// releases it. The stop function returned by Acquire is idempotent.
type TypingController struct {
	mu     sync.Mutex
	counts map[string]int
	stops  map[string]func()
}

func NewTypingController() *TypingController {
	return &TypingController{
		counts: make(map[string]int),
		stops:  make(map[string]func()),
	}
}

// Acquire increments the peer's count, starting the underlying indicator via
// begin on the 0→1 transition. The returned release decrements and stops the
// indicator on the 1→0 transition.
func (t *TypingController) Acquire(peerID string, begin func(string) func()) (release func()) {
	t.mu.Lock()
	t.counts[peerID]++
	if t.counts[peerID] == 1 && begin != nil {
		t.stops[peerID] = begin(peerID)
	}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.counts[peerID]--
			if t.counts[peerID] > 0 {
				return
			}
			delete(t.counts, peerID)
			if stop := t.stops[peerID]; stop != nil {
				stop()
			}
			delete(t.stops, peerID)
		})
	}
}
