// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package pubsub fans values out to bounded subscriber channels.
//
// Publishing never blocks: when a subscriber's channel is full the oldest
// queued value is dropped to make room, and the drop is counted on that
// subscription.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Subscription is one receiver of a Broadcaster.
type Subscription[T any] struct {
	C       <-chan T
	ch      chan T
	dropped atomic.Uint64
	b       *Broadcaster[T]
}

// Dropped returns how many values were discarded for this subscriber.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Close removes the subscription and closes C.
func (s *Subscription[T]) Close() { s.b.remove(s) }

// Broadcaster delivers every published value to all current subscribers.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// New returns an empty Broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a subscriber with a queue of size buf (minimum 1).
func (b *Broadcaster[T]) Subscribe(buf int) *Subscription[T] {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan T, buf)
	s := &Subscription[T]{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber, dropping the oldest queued value
// of any subscriber that is full.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		for {
			select {
			case s.ch <- v:
			default:
				select {
				case <-s.ch:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Len reports the number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are closed at once.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}
