package realtime

import "sync"

// EventType names a connection lifecycle event.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventError
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
//
// EventMessage carries Frame. EventError carries Err; Fatal is set when the
// retry budget is exhausted and the connection has given up.
type Event struct {
	Type  EventType
	Frame Frame
	Err   error
	Fatal bool
}

// Handler receives events. Handlers run on the goroutine that produced the
// event with no Connection lock held, so they may call back into the
// Connection.
type Handler func(Event)

type subscriber struct {
	id uint64
	h  Handler
}

// emitter fans events out to every subscriber of their type.
type emitter struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[EventType][]subscriber
}

func (e *emitter) subscribe(t EventType, h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[EventType][]subscriber)
	}
	e.nextID++
	id := e.nextID
	e.subs[t] = append(e.subs[t], subscriber{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			list := e.subs[t]
			for i, s := range list {
				if s.id == id {
					e.subs[t] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *emitter) emit(events ...Event) {
	for _, ev := range events {
		e.mu.Lock()
		list := make([]subscriber, len(e.subs[ev.Type]))
		copy(list, e.subs[ev.Type])
		e.mu.Unlock()

		for _, s := range list {
			s.h(ev)
		}
	}
}
