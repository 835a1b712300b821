package events

import (
	"sync"
	"testing"
	"time"
)

// collector records delivered events.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestListenAndStop(t *testing.T) {
	b := NewBroadcaster()

	var c1, c2 collector
	stop1 := b.Listen(c1.handle)
	stop2 := b.Listen(c2.handle)
	if b.Count() != 2 {
		t.Fatalf("expected 2 listeners, got %d", b.Count())
	}

	stop1()
	stop1()
	if b.Count() != 1 {
		t.Fatalf("expected 1 listener after stop, got %d", b.Count())
	}
	stop2()
	if b.Count() != 0 {
		t.Fatalf("expected 0 listeners, got %d", b.Count())
	}
}

func TestPublish(t *testing.T) {
	b := NewBroadcaster()
	var c collector
	stop := b.Listen(c.handle)

	b.Publish(Event{Type: TypeProgress, OpID: "op-1", Loaded: 10, Total: 100})
	stop()

	got := c.all()
	if len(got) != 1 {
		t.Fatalf("expected one event, got %d", len(got))
	}
	if got[0].Loaded != 10 || got[0].Total != 100 {
		t.Errorf("unexpected progress %d/%d", got[0].Loaded, got[0].Total)
	}
	if got[0].Timestamp == 0 {
		t.Error("expected non-zero timestamp")
	}
}

func TestListenFiltersByType(t *testing.T) {
	b := NewBroadcaster()
	var progress, status, all collector
	stops := []func(){
		b.Listen(progress.handle, TypeProgress),
		b.Listen(status.handle, TypeStatus),
		b.Listen(all.handle),
	}

	b.Publish(Event{Type: TypeStatus, State: StateStarted, Op: "upload"})
	b.Publish(Event{Type: TypeProgress, Op: "upload", Loaded: 1})
	for _, stop := range stops {
		stop()
	}

	if got := progress.all(); len(got) != 1 || got[0].Type != TypeProgress {
		t.Errorf("progress listener got %v", got)
	}
	if got := status.all(); len(got) != 1 || got[0].Type != TypeStatus {
		t.Errorf("status listener got %v", got)
	}
	if got := all.all(); len(got) != 2 {
		t.Errorf("unfiltered listener got %d events, want 2", len(got))
	}
}

func TestSlowListenerDropsProgressButKeepsStatus(t *testing.T) {
	b := NewBroadcaster()

	release := make(chan struct{})
	var c collector
	stop := b.Listen(func(e Event) {
		<-release
		c.handle(e)
	})

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TypeStatus, OpID: "op", State: StateStarted})
		for i := 0; i < bufferSize*4; i++ {
			b.Publish(Event{Type: TypeProgress, OpID: "op", Loaded: int64(i)})
		}
		b.Publish(Event{Type: TypeStatus, OpID: "op", State: StateSucceeded})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow listener")
	}
	close(release)
	stop()

	var progress int
	var states []string
	for _, e := range c.all() {
		switch e.Type {
		case TypeProgress:
			progress++
		case TypeStatus:
			states = append(states, e.State)
		}
	}
	if progress == 0 || progress > bufferSize+1 {
		t.Errorf("delivered %d progress events, want between 1 and %d", progress, bufferSize+1)
	}
	if len(states) != 2 || states[0] != StateStarted || states[1] != StateSucceeded {
		t.Errorf("status events = %v, want started then succeeded", states)
	}
}

func TestStopDeliversQueuedEvents(t *testing.T) {
	b := NewBroadcaster()
	var c collector
	stop := b.Listen(c.handle)

	b.Publish(Event{Type: TypeStatus, OpID: "a"})
	b.Publish(Event{Type: TypeStatus, OpID: "b"})
	stop()
	stop()
	b.Publish(Event{Type: TypeStatus, OpID: "c"})

	got := c.all()
	if len(got) != 2 || got[0].OpID != "a" || got[1].OpID != "b" {
		t.Errorf("unexpected delivery: %v", got)
	}
	if b.Count() != 0 {
		t.Errorf("expected listener removed, %d left", b.Count())
	}
}
