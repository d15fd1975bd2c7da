package events

import (
	"sync"
	"sync/atomic"
)

// Filter selects the registers a subscriber wants. An empty filter
// accepts every address.
type Filter map[uint8]struct{}

// NewFilter builds a filter from a list of addresses.
func NewFilter(addresses ...uint8) Filter {
	if len(addresses) == 0 {
		return nil
	}
	f := make(Filter, len(addresses))
	for _, a := range addresses {
		f[a] = struct{}{}
	}
	return f
}

func (f Filter) Match(address uint8) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[address]
	return ok
}

type subscription struct {
	ch     chan Event
	filter Filter
}

// Streamer is a Sink that fans events out to subscriber channels.
type Streamer struct {
	mu          sync.RWMutex
	subscribers []*subscription
	bufferSize  int

	dropped atomic.Uint64
}

func NewStreamer(bufferSize int) *Streamer {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Streamer{bufferSize: bufferSize}
}

func (s *Streamer) Subscribe(filter Filter) <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, s.bufferSize)
	s.subscribers = append(s.subscribers, &subscription{ch: ch, filter: filter})
	return ch
}

func (s *Streamer) Unsubscribe(ch <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub.ch == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub.ch)
			break
		}
	}
}

// Publish implements Sink.
func (s *Streamer) Publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscribers {
		if !sub.filter.Match(ev.Address) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped counts events a subscriber missed because its buffer was full.
func (s *Streamer) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Streamer) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
