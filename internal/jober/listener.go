package jober

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// eventBufferSize is the buffer of an Events subscription channel. A
// subscriber that falls further behind than this loses events.
const eventBufferSize = 64

// Listener observes every collected event. Listeners run on the collector
// goroutine, so one that blocks stalls event delivery; long work belongs on
// the listener's own goroutine. A panicking listener is logged and isolated,
// never affecting state updates or delivery to other listeners.
type Listener func(Event)

// AddListener registers a listener and returns an id for RemoveListener.
func (j *Jober) AddListener(fn Listener) int {
	j.lmu.Lock()
	defer j.lmu.Unlock()

	id := j.nextListener
	j.nextListener++
	j.listeners[id] = fn

	return id
}

// RemoveListener unregisters the listener with the given id.
func (j *Jober) RemoveListener(id int) {
	j.lmu.Lock()
	defer j.lmu.Unlock()

	delete(j.listeners, id)
}

func (j *Jober) fanout(ev Event) {
	j.lmu.Lock()
	listeners := slices.Collect(maps.Values(j.listeners))
	j.lmu.Unlock()

	for _, fn := range listeners {
		j.notify(fn, ev)
	}
}

func (j *Jober) notify(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("listener panicked", "err", r)
		}
	}()

	fn(ev)
}

// subscriber bridges a listener callback to a channel. The mutex orders the
// last push against close so the collector can never send on a closed
// channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
	default:
		// Slow consumer; drop rather than stall the collector.
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	close(s.ch)
}

// Events returns a channel of every collected event, closed when ctx is
// done. The channel is buffered; a consumer that falls behind loses events
// rather than stalling the collector.
func (j *Jober) Events(ctx context.Context) <-chan Event {
	sub := &subscriber{ch: make(chan Event, eventBufferSize)}

	id := j.AddListener(sub.push)

	go func() {
		<-ctx.Done()
		j.RemoveListener(id)
		sub.close()
	}()

	return sub.ch
}
