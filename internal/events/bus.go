package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Handler func(Event)

type SubscribeOptions struct {
	Name   string
	Buffer int
	Filter func(Event) bool
	// Blocking subscribers make Publish wait for buffer space instead of dropping
	Blocking bool
}

type subscription struct {
	opts SubscribeOptions
	ch   chan Event
	done chan struct{}
}

// Bus delivers events to subscribers asynchronously, each on its own
// goroutine, in publish order per subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	nowFn  func() time.Time
	onDrop func(subscriber string)
}

func NewBus() *Bus {
	return &Bus{nowFn: time.Now}
}

// Called whenever a non-blocking subscriber loses an event
func (b *Bus) OnDrop(fn func(subscriber string)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

func (b *Bus) Subscribe(opts SubscribeOptions, handler Handler) {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	sub := &subscription{
		opts: opts,
		ch:   make(chan Event, opts.Buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for e := range sub.ch {
			b.deliver(sub, handler, e)
		}
	}()
}

func (b *Bus) deliver(sub *subscription, handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"subscriber": sub.opts.Name, "event_id": e.ID, "panic": r}).Error("event handler panicked")
		}
	}()
	handler(e)
}

func (b *Bus) Publish(e Event) {
	e = e.Stamp(b.nowFn())

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.opts.Filter != nil && !sub.opts.Filter(e) {
			continue
		}
		if sub.opts.Blocking {
			sub.ch <- e
			continue
		}
		select {
		case sub.ch <- e:
		default:
			log.WithFields(log.Fields{"subscriber": sub.opts.Name, "stream": e.Stream, "kind": e.Kind}).Warn("event subscriber full, dropping event")
			if b.onDrop != nil {
				b.onDrop(sub.opts.Name)
			}
		}
	}
}

// Stops accepting events and waits for subscribers to drain
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	for _, sub := range subs {
		<-sub.done
	}
}

// Filter matching any of the given streams
func Streams(streams ...Stream) func(Event) bool {
	set := make(map[Stream]bool, len(streams))
	for _, s := range streams {
		set[s] = true
	}
	return func(e Event) bool {
		return set[e.Stream]
	}
}
