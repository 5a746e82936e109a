// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package link

import (
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/powerflux/internal/ble"
)

// stream is one subscribed characteristic with its own worker. Frames are
// handled in arrival order; when the worker lags the oldest queued frame
// is dropped.
type stream struct {
	name   string
	char   ble.Characteristic
	handle func([]byte)
	drops  *atomic.Uint64

	mu     sync.Mutex
	closed bool
	queue  chan []byte
	done   chan struct{}
}

func newStream(name string, char ble.Characteristic, size int, drops *atomic.Uint64, handle func([]byte)) *stream {
	s := &stream{
		name:   name,
		char:   char,
		handle: handle,
		drops:  drops,
		queue:  make(chan []byte, size),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) push(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.queue <- b:
			return
		default:
		}
		select {
		case <-s.queue:
			s.drops.Add(1)
		default:
		}
	}
}

func (s *stream) run() {
	defer close(s.done)
	for b := range s.queue {
		s.handle(b)
	}
}

// stop closes the queue and waits for the worker to drain it. Call only
// after notifications were disabled on the characteristic.
func (s *stream) stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}
