// Package events is the in-process lifecycle event bus.
//
// Components publish tagged events (queue transitions, pool lifecycle,
// account state changes); subscribers pull from their own buffered channel.
// A slow subscriber loses oldest-first rather than blocking publishers.
package events

import (
	"sync"
	"time"
)

// Kind tags an event variant.
type Kind string

const (
	TaskSubmitted    Kind = "task.submitted"
	TaskLeased       Kind = "task.leased"
	TaskCompleted    Kind = "task.completed"
	TaskRetried      Kind = "task.retried"
	TaskDead         Kind = "task.dead"
	TaskReclaimed    Kind = "task.reclaimed"
	PoolSpawned      Kind = "pool.spawned"
	PoolLeased       Kind = "pool.leased"
	PoolReleased     Kind = "pool.released"
	PoolEvicted      Kind = "pool.evicted"
	AccountSuspended Kind = "account.suspended"
	AccountRecovered Kind = "account.recovered"
	AlertRaised      Kind = "alert.raised"
	EnginePaused     Kind = "engine.paused"
	EngineResumed    Kind = "engine.resumed"
)

// Event is one tagged occurrence on the bus.
type Event struct {
	Kind      Kind
	At        time.Time
	TaskID    string
	AccountID string
	WindowID  string
	Detail    string
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func. The channel is
// buffered; when full, the oldest event is dropped to make room.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop oldest, then deliver. Keeps laggards from
			// stalling the engine.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close shuts the bus down; subsequent publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
