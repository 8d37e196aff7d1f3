package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the per-subscriber backlog of NewEventBus.
const DefaultQueueSize = 256

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans lobby events out to subscribers. Each subscriber name owns
// one queue drained by one goroutine, so a subscriber sees a match's
// events in the order the control loop emitted them, across every event
// type it subscribed to. Emit never blocks: when a subscriber's queue is
// full the event is dropped for that subscriber and counted.
type EventBus struct {
	mu        sync.RWMutex
	queueSize int
	subs      map[string]*subscriber
	byType    map[EventType][]*subscriber
	stopped   bool

	workers sync.WaitGroup
	pending sync.WaitGroup
	dropped atomic.Uint64
}

type subscriber struct {
	name     string
	handlers map[EventType]HandlerFunc
	queue    chan delivery
}

type delivery struct {
	ctx     context.Context
	event   Event
	handler HandlerFunc
}

// NewEventBus creates a bus with DefaultQueueSize per subscriber.
func NewEventBus() *EventBus {
	return NewBufferedEventBus(DefaultQueueSize)
}

// NewBufferedEventBus creates a bus whose subscribers queue up to size
// events each.
func NewBufferedEventBus(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	return &EventBus{
		queueSize: size,
		subs:      make(map[string]*subscriber),
		byType:    make(map[EventType][]*subscriber),
	}
}

// Subscribe registers handler under name for an event type. Subscribing
// the same name again adds to the same ordered queue; a second handler for
// the same name and type replaces the first.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		log.Warn().Str("event", string(eventType)).Str("handler", name).Msg("subscribe on stopped event bus")
		return
	}

	sub, ok := eb.subs[name]
	if !ok {
		sub = &subscriber{
			name:     name,
			handlers: make(map[EventType]HandlerFunc),
			queue:    make(chan delivery, eb.queueSize),
		}
		eb.subs[name] = sub
		eb.workers.Add(1)
		go eb.run(sub)
	}
	if _, dup := sub.handlers[eventType]; !dup {
		eb.byType[eventType] = append(eb.byType[eventType], sub)
	}
	sub.handlers[eventType] = handler

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeAll registers the same handler for several event types on one
// queue.
func (eb *EventBus) SubscribeAll(eventTypes []EventType, name string, handler HandlerFunc) {
	for _, t := range eventTypes {
		eb.Subscribe(t, name, handler)
	}
}

// Emit queues event for every subscriber of its type. A nil or stopped
// bus drops the event.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if eb == nil {
		return
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	subs := eb.byType[event.Type]
	if len(subs) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Str("match_id", event.MatchID()).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, sub := range subs {
		eb.pending.Add(1)
		select {
		case sub.queue <- delivery{ctx: ctx, event: event, handler: sub.handlers[event.Type]}:
		default:
			eb.pending.Done()
			eb.dropped.Add(1)
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Str("match_id", event.MatchID()).
				Msg("event queue full, event dropped")
		}
	}
}

func (eb *EventBus) run(sub *subscriber) {
	defer eb.workers.Done()
	for d := range sub.queue {
		eb.deliver(sub.name, d)
		eb.pending.Done()
	}
}

func (eb *EventBus) deliver(name string, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(d.event.Type)).
				Str("handler", name).
				Str("match_id", d.event.MatchID()).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := d.handler(d.ctx, d.event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(d.event.Type)).
			Str("handler", name).
			Str("match_id", d.event.MatchID()).
			Msg("handler returned error")
	}
}

// Wait blocks until every event queued so far has been handled.
func (eb *EventBus) Wait() {
	eb.pending.Wait()
}

// Stop rejects further events, lets subscribers finish their queues and
// waits for them.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	for _, sub := range eb.subs {
		close(sub.queue)
	}
	eb.mu.Unlock()

	eb.workers.Wait()
	log.Info().Uint64("dropped", eb.dropped.Load()).Msg("event bus stopped")
}

// Dropped is the number of deliveries lost to full queues.
func (eb *EventBus) Dropped() uint64 {
	if eb == nil {
		return 0
	}
	return eb.dropped.Load()
}

// HandlerCount returns the number of subscribers for an event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.byType[eventType])
}
