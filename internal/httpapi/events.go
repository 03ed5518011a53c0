package httpapi

import (
	"sync"

	"llamad/pkg/types"
)

const subscriberBuffer = 256

// hub fans session events out to /events subscribers. Only the current
// generation may emit tokens; terminal and load events always pass.
type hub struct {
	mu      sync.Mutex
	current uint64
	subs    map[chan types.StreamEvent]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan types.StreamEvent]struct{})}
}

// setCurrent makes id the generation whose tokens are forwarded.
func (h *hub) setCurrent(id uint64) {
	h.mu.Lock()
	h.current = id
	h.mu.Unlock()
}

func (h *hub) subscribe() (<-chan types.StreamEvent, func()) {
	ch := make(chan types.StreamEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// publish delivers ev without blocking. A subscriber whose buffer is full
// misses the event.
func (h *hub) publish(ev types.StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Type == "token" && ev.GenerationID != h.current {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			eventsDropped.Inc()
		}
	}
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
