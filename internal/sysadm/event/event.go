// Package event implements the Event type and EventWatcher described
// in spec §4.6: a multiplexer that fans tailed log files, periodic
// probes, and dispatcher signals into one typed event stream with a
// per-type "last event" cache.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an Event (spec §3). Log-file types are
// formed as "logfile:<tag>".
type Type string

const (
	TypeDispatcher Type = "dispatcher"
	TypeHealth     Type = "health"
)

// LogfileType builds the "logfile:<tag>" type for a tagged watched
// file (spec §3).
func LogfileType(tag string) Type { return Type("logfile:" + tag) }

// Event is one typed, timestamped occurrence (spec §3).
type Event struct {
	Type      Type
	Payload   map[string]interface{}
	Timestamp time.Time
}

// EventMetrics receives event-throughput instrumentation. A nil
// EventMetrics is a no-op.
type EventMetrics interface {
	EventEmitted(eventType string)
}

// Watcher fans events from any number of producers into one ordered
// stream, while keeping a "last event per type" cache (spec §4.6). All
// mutable state is confined to the owning goroutine started by Run;
// Publish and the read-only accessors communicate with it by channel
// (spec §5).
type Watcher struct {
	publish chan Event
	sub     chan subscribeReq
	last    chan lastReq

	// Metrics, if set, is reported to once per published event.
	Metrics EventMetrics

	subscribers map[string]chan Event
	lastEvents  map[Type]Event
}

type subscribeReq struct {
	resp chan<- subscribeResp
}

type subscribeResp struct {
	id string
	ch <-chan Event
}

type lastReq struct {
	t    Type
	resp chan<- lastResp
}

type lastResp struct {
	event Event
	ok    bool
}

// New creates a Watcher. Call Run to start its owning goroutine.
func New() *Watcher {
	return &Watcher{
		publish:     make(chan Event, 256),
		sub:         make(chan subscribeReq),
		last:        make(chan lastReq),
		subscribers: make(map[string]chan Event),
		lastEvents:  make(map[Type]Event),
	}
}

// Run is the Watcher's single owning goroutine; it blocks until done
// is closed.
func (w *Watcher) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			for _, ch := range w.subscribers {
				close(ch)
			}
			return

		case ev := <-w.publish:
			w.lastEvents[ev.Type] = ev
			if w.Metrics != nil {
				w.Metrics.EventEmitted(string(ev.Type))
			}
			for _, ch := range w.subscribers {
				select {
				case ch <- ev:
				default:
				}
			}

		case req := <-w.sub:
			id := uuid.NewString()
			ch := make(chan Event, 64)
			w.subscribers[id] = ch
			req.resp <- subscribeResp{id: id, ch: ch}

		case req := <-w.last:
			ev, ok := w.lastEvents[req.t]
			req.resp <- lastResp{event: ev, ok: ok}
		}
	}
}

// Publish feeds ev into the Watcher (spec §6's "synchronous fire domain
// event" entry point). It never blocks on a slow subscriber: a full
// subscriber buffer drops the event for that subscriber only, never the
// "last event" cache update.
func (w *Watcher) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	w.publish <- ev
}

// Subscribe returns a hot stream of events in emission order, with no
// replay (spec §4.6).
func (w *Watcher) Subscribe() <-chan Event {
	resp := make(chan subscribeResp, 1)
	w.sub <- subscribeReq{resp: resp}
	return (<-resp).ch
}

// LastEvent returns the last event of type t, if any (spec §4.6).
func (w *Watcher) LastEvent(t Type) (Event, bool) {
	resp := make(chan lastResp, 1)
	w.last <- lastReq{t: t, resp: resp}
	r := <-resp
	return r.event, r.ok
}
