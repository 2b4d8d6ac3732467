// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package canbus

import (
	"sync"
	"time"
)

// Frames queued per virtual endpoint before new ones are dropped.
const virtualQueueLen = 64

// virtualNet is one named in-process CAN network. A frame sent by an
// endpoint is delivered to every other endpoint open at that moment.
type virtualNet struct {
	mu   sync.Mutex
	ends map[*virtualBus]struct{}
}

var virtualNets = struct {
	sync.Mutex
	m map[string]*virtualNet
}{m: make(map[string]*virtualNet)}

type virtualBus struct {
	net  *virtualNet
	rx   chan Frame
	done chan struct{}
	once sync.Once
}

// DialVirtual attaches a new endpoint to the in-process network called
// channel, creating the network on first use.
func DialVirtual(channel string) Bus {
	virtualNets.Lock()
	n, ok := virtualNets.m[channel]
	if !ok {
		n = &virtualNet{ends: make(map[*virtualBus]struct{})}
		virtualNets.m[channel] = n
	}
	virtualNets.Unlock()

	b := &virtualBus{
		net:  n,
		rx:   make(chan Frame, virtualQueueLen),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	n.ends[b] = struct{}{}
	n.mu.Unlock()

	return b
}

func (b *virtualBus) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}

	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	b.net.mu.Lock()
	defer b.net.mu.Unlock()

	for end := range b.net.ends {
		if end == b {
			continue
		}
		select {
		case end.rx <- f:
		default:
			// Receiver overrun, the frame is lost like on a real bus.
		}
	}

	return nil
}

func (b *virtualBus) Receive(timeout time.Duration) (Frame, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case f := <-b.rx:
		return f, nil
	case <-b.done:
		return Frame{}, ErrClosed
	case <-t.C:
		return Frame{}, ErrTimeout
	}
}

func (b *virtualBus) Close() error {
	b.once.Do(func() {
		b.net.mu.Lock()
		delete(b.net.ends, b)
		b.net.mu.Unlock()
		close(b.done)
	})
	return nil
}
