// Package events fans out transfer progress and operation status to
// in-process subscribers.
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/fruitsalade/snapfolder/internal/metrics"
)

const (
	TypeProgress = "progress"
	TypeStatus   = "status"
)

// Operation states carried by status events.
const (
	StateStarted   = "started"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// bufferSize bounds the progress events queued per subscriber.
const bufferSize = 64

// Event is a progress or status notification for one operation.
type Event struct {
	Type      string `json:"type"`
	OpID      string `json:"op_id"`
	Op        string `json:"op"`
	Address   string `json:"address,omitempty"`
	Path      string `json:"path,omitempty"`
	Loaded    int64  `json:"loaded,omitempty"`
	Total     int64  `json:"total,omitempty"`
	State     string `json:"state,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster fans events out to listeners. Publish never blocks: progress
// events beyond a listener's backlog are dropped, status events are always
// queued so every operation's outcome is delivered.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*subscriber]struct{}),
	}
}

type subscriber struct {
	types []string // empty means every type

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	progress int // queued progress events
	closed   bool
}

func newSubscriber(types []string) *subscriber {
	s := &subscriber{types: types}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

// offer queues e and reports false when it was dropped.
func (s *subscriber) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if e.Type == TypeProgress {
		if s.progress >= bufferSize {
			return false
		}
		s.progress++
	}
	s.queue = append(s.queue, e)
	s.cond.Signal()
	return true
}

// next blocks for the next queued event. After close it drains what is
// left, then reports false.
func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	if e.Type == TypeProgress {
		s.progress--
	}
	return e, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Publish queues event for every listener that wants its type.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if sub.wants(event.Type) && !sub.offer(event) {
			metrics.RecordEventDropped()
		}
	}
}

// Listen delivers events of the given types (all types when none are
// given) to handle, in publish order, on a goroutine until the returned
// function is called. Stopping delivers what was already queued, then
// waits for the goroutine.
func (b *Broadcaster) Listen(handle func(Event), types ...string) func() {
	sub := newSubscriber(types)
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			e, ok := sub.next()
			if !ok {
				return
			}
			handle(e)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub)
			n := len(b.subscribers)
			b.mu.Unlock()
			metrics.SetEventSubscribers(n)
			sub.close()
			<-done
		})
	}
}

// Count returns the current number of listeners.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
