package docs

import (
	"log/slog"
	"sync"

	"weavelab/proto"
)

const (
	eventQueueSize      = 1024
	subscriberQueueSize = 64
)

// hub fans state events of one document out to its watchers.
type hub struct {
	events chan proto.StateEvent
	quit   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan proto.StateEvent]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		events: make(chan proto.StateEvent, eventQueueSize),
		quit:   make(chan struct{}),
		logger: logger,
		subs:   make(map[chan proto.StateEvent]struct{}),
	}
}

func (h *hub) subscribe() (<-chan proto.StateEvent, func()) {
	ch := make(chan proto.StateEvent, subscriberQueueSize)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) publish(ev proto.StateEvent) {
	select {
	case h.events <- ev:
	default:
		// Queue full, skip
		h.logger.Warn("event queue full, dropping state event", "index", ev.Index)
	}
}

// run delivers queued events until the hub is closed.
func (h *hub) run() {
	for {
		select {
		case <-h.quit:
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *hub) broadcast(ev proto.StateEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("watcher too slow, dropping state event")
		}
	}
}

// close stops delivery and closes every watcher channel.
func (h *hub) close() {
	h.once.Do(func() {
		close(h.quit)
		h.mu.Lock()
		for ch := range h.subs {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	})
}
