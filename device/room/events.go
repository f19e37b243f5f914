package room

import (
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/event"

	"github.com/kabili207/feedroom/core/message"
)

// EventKind identifies a room event.
type EventKind int

const (
	// EventLoadingInitUsers reports the initial directory load.
	EventLoadingInitUsers EventKind = iota
	// EventLoadingUsers reports a directory poll.
	EventLoadingUsers
	// EventLoadingRegistration reports a registration in progress.
	EventLoadingRegistration
	// EventLoadMessage carries the message history after a new message.
	EventLoadMessage
)

func (k EventKind) String() string {
	switch k {
	case EventLoadingInitUsers:
		return "loadingInitUsers"
	case EventLoadingUsers:
		return "loadingUsers"
	case EventLoadingRegistration:
		return "loadingRegistration"
	case EventLoadMessage:
		return "loadMessage"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. Loading is set for the loading kinds;
// Messages is the full ordered history for EventLoadMessage.
type Event struct {
	Kind     EventKind
	Loading  bool
	Messages []message.Data
}

// events fans room events out to subscribers. Loading events are only
// sent when the value changes.
type events struct {
	feed event.FeedOf[Event]
	log  *slog.Logger

	mu    sync.Mutex
	state map[EventKind]bool
}

func newEvents(log *slog.Logger) *events {
	return &events{log: log, state: make(map[EventKind]bool)}
}

// loading emits a loading event for kind unless v equals the last value.
func (e *events) loading(kind EventKind, v bool) {
	e.mu.Lock()
	prev, seen := e.state[kind]
	if seen && prev == v || !seen && !v {
		e.mu.Unlock()
		return
	}
	e.state[kind] = v
	e.mu.Unlock()

	e.log.Debug("loading", "event", kind.String(), "value", v)
	e.send(Event{Kind: kind, Loading: v})
}

func (e *events) send(ev Event) {
	e.feed.Send(ev)
}

// Subscribe delivers room events to ch until the subscription is
// cancelled. Sends block until ch receives, so ch should be buffered and
// drained promptly.
func (r *Room) Subscribe(ch chan<- Event) event.Subscription {
	return r.events.feed.Subscribe(ch)
}
