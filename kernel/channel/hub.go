package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/primitive"
	"aide.dev/aide/kernel/telemetry"
)

type (
	// Hub fans frames out to the subscribers of each page. Every subscriber
	// of a page receives the same frames in the same order; a subscriber that
	// falls behind its buffer is detached rather than reordering or blocking
	// the others.
	Hub struct {
		log     telemetry.Logger
		metrics telemetry.Metrics
		buffer  int

		mu     sync.Mutex
		pages  map[string][]*Subscription
		closed bool
	}

	// Subscription is one attached client. Frames arrive on C in broadcast
	// order. The channel closes when the subscriber is detached, the hub
	// shuts down, or the subscriber overflows its buffer.
	Subscription struct {
		// ID is the unique subscriber identifier.
		ID string

		pageID string
		ch     chan Frame

		mu     sync.Mutex
		closed bool
	}

	// HubOptions configures a Hub.
	HubOptions struct {
		// Buffer is the per-subscriber frame buffer. Defaults to 256.
		Buffer int
		// Logger receives detach diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts broadcasts and overflows. Defaults to noop.
		Metrics telemetry.Metrics
	}
)

const defaultSubscriberBuffer = 256

// NewHub returns an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultSubscriberBuffer
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Hub{
		log:     opts.Logger,
		metrics: opts.Metrics,
		buffer:  opts.Buffer,
		pages:   make(map[string][]*Subscription),
	}
}

// Attach registers a subscriber for a page and replays the given state into
// its buffer before any live frame, so a new client always catches up first.
// The state is the caller's freshly loaded copy of the page.
func (h *Hub) Attach(ctx context.Context, pageID string, state *page.State) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		pageID: pageID,
		ch:     make(chan Frame, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	for _, f := range SnapshotFrames(pageID, state) {
		// Replay must fit the buffer; a page large enough to overflow it is
		// detached immediately and the client should reconnect with a larger
		// buffer.
		if !sub.send(f) {
			h.log.Warn(ctx, "subscriber overflow during snapshot replay",
				"page_id", pageID, "subscriber", sub.ID)
			sub.close()
			return sub
		}
	}
	h.pages[pageID] = append(h.pages[pageID], sub)
	h.metrics.IncCounter("channel.subscribers", 1, "page_id", pageID)
	return sub
}

// Detach removes a subscriber and closes its channel.
func (h *Hub) Detach(sub *Subscription) {
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
	sub.close()
}

// Broadcast delivers frames, in order, to every subscriber of the page.
// Subscribers whose buffers overflow are detached.
func (h *Hub) Broadcast(ctx context.Context, pageID string, frames ...Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.pages[pageID]
	for _, sub := range subs {
		ok := true
		for _, f := range frames {
			if !sub.send(f) {
				ok = false
				break
			}
		}
		if !ok {
			h.log.Warn(ctx, "subscriber too slow, detaching",
				"page_id", pageID, "subscriber", sub.ID)
			h.metrics.IncCounter("channel.overflows", 1, "page_id", pageID)
			h.removeLocked(sub)
			sub.close()
		}
	}
	h.metrics.IncCounter("channel.frames", float64(len(frames)), "page_id", pageID)
}

// Subscribers returns the number of attached subscribers for a page.
func (h *Hub) Subscribers(pageID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages[pageID])
}

// Close detaches every subscriber and rejects further attaches.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, subs := range h.pages {
		all = append(all, subs...)
	}
	h.pages = make(map[string][]*Subscription)
	h.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	subs := h.pages[sub.pageID]
	for i, s := range subs {
		if s == sub {
			h.pages[sub.pageID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.pages[sub.pageID]) == 0 {
		delete(h.pages, sub.pageID)
	}
}

// C returns the subscriber's frame channel.
func (s *Subscription) C() <-chan Frame { return s.ch }

// PageID returns the page the subscription is attached to.
func (s *Subscription) PageID() string { return s.pageID }

// send enqueues without blocking. Reports false on overflow or after close.
func (s *Subscription) send(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// SnapshotFrames flattens the current state into a replay: snapshot.start,
// one synthetic create frame per live entity (parents before children, render
// order), one rel.set frame per relationship, snapshot.end.
func SnapshotFrames(pageID string, state *page.State) []Frame {
	frames := []Frame{{Type: FrameSnapshotStart, PageID: pageID}}
	var walk func(parent string)
	walk = func(parent string) {
		for _, e := range state.Children(parent) {
			payload := primitive.MustPayload(primitive.CreateEntity{
				ID:      e.ID,
				Parent:  e.Parent,
				Display: e.Display,
				Props:   e.Props,
			})
			ev := page.Event{
				Type:     primitive.EntityCreate,
				Payload:  payload,
				Sequence: e.CreatedSeq,
			}
			frames = append(frames, DeltaFrame(pageID, ev))
			walk(e.ID)
		}
	}
	walk(page.RootID)
	for _, rel := range state.Relationships {
		payload := primitive.MustPayload(primitive.SetRelationship{
			From: rel.From,
			To:   rel.To,
			Type: rel.Type,
		})
		frames = append(frames, DeltaFrame(pageID, page.Event{
			Type:    primitive.RelSet,
			Payload: payload,
		}))
	}
	frames = append(frames, Frame{Type: FrameSnapshotEnd, PageID: pageID})
	return frames
}
