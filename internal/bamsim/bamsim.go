// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

// Package bamsim emulates the target side of the BAM CAN protocol.
// It is used by tests and by the loader's --simulate mode.
package bamsim

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/tillitis/bamcan/bam"
	"github.com/tillitis/bamcan/canbus"
)

// How often Run checks its context while the bus is quiet.
const pollInterval = 50 * time.Millisecond

// Target answers BAM requests received on a bus. Create it with New
// and start it with Run.
type Target struct {
	bus      canbus.Bus
	proto    bam.Target
	password uint64

	// fault injection, data chunk indexes, -1 when unused
	corruptChunk int
	dropChunk    int

	mu         sync.Mutex
	unlocked   bool
	negotiated bool
	address    [4]byte
	vle        bool
	size       uint32
	image      []byte
	chunks     int
	done       chan struct{}
}

// New returns a Target listening on bus with the MPC56xx protocol
// table and the default password.
func New(bus canbus.Bus, options ...func(*Target)) *Target {
	t := &Target{
		bus:          bus,
		proto:        bam.MPC56xx,
		password:     bam.DefaultPassword,
		corruptChunk: -1,
		dropChunk:    -1,
		done:         make(chan struct{}),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

func WithProtocol(p bam.Target) func(*Target) {
	return func(t *Target) {
		t.proto = p
	}
}

func WithPassword(password uint64) func(*Target) {
	return func(t *Target) {
		t.password = password
	}
}

// WithCorruptEcho makes the target flip a bit in its echo of the
// data chunk with 0-based index chunk.
func WithCorruptEcho(chunk int) func(*Target) {
	return func(t *Target) {
		t.corruptChunk = chunk
	}
}

// WithDroppedEcho makes the target stay silent after receiving the
// data chunk with 0-based index chunk.
func WithDroppedEcho(chunk int) func(*Target) {
	return func(t *Target) {
		t.dropChunk = chunk
	}
}

// Run serves requests until ctx is done or the bus fails. It returns
// nil when stopped through ctx.
func (t *Target) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rx, err := t.bus.Receive(pollInterval)
		switch {
		case errors.Is(err, canbus.ErrTimeout):
			continue
		case errors.Is(err, canbus.ErrClosed):
			return nil
		case err != nil:
			return err
		}

		if tx, ok := t.handle(rx); ok {
			if err = t.bus.Send(tx); err != nil {
				return err
			}
		}
	}
}

// handle updates the target state for one request and returns the
// frame to answer with, if any.
func (t *Target) handle(rx canbus.Frame) (canbus.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload := rx.Payload()

	switch {
	case rx.ID == t.proto.PasswordID && !t.unlocked:
		// A wrong password makes the BAM ignore the bus.
		if len(payload) != 8 || binary.BigEndian.Uint64(payload) != t.password {
			return canbus.Frame{}, false
		}
		t.unlocked = true
		return t.echo(t.proto.PasswordEchoID, payload)

	case rx.ID == t.proto.AddressID && t.unlocked && !t.negotiated:
		if len(payload) != 8 {
			return canbus.Frame{}, false
		}
		copy(t.address[:], payload[0:4])
		field := binary.BigEndian.Uint32(payload[4:8])
		t.vle = field&0x8000_0000 != 0
		t.size = field &^ 0x8000_0000
		t.negotiated = true
		return t.echo(t.proto.AddressEchoID, payload)

	case rx.ID == t.proto.DataID && t.negotiated && uint32(len(t.image)) < t.size:
		chunk := t.chunks
		t.chunks++
		t.image = append(t.image, payload...)
		if uint32(len(t.image)) >= t.size {
			close(t.done)
		}

		switch chunk {
		case t.dropChunk:
			return canbus.Frame{}, false
		case t.corruptChunk:
			corrupted := bytes.Clone(payload)
			corrupted[0] ^= 0x01
			return t.echo(t.proto.DataEchoID, corrupted)
		}
		return t.echo(t.proto.DataEchoID, payload)
	}

	return canbus.Frame{}, false
}

func (t *Target) echo(id uint32, payload []byte) (canbus.Frame, bool) {
	f, err := canbus.NewFrame(id, payload)
	return f, err == nil
}

// Done is closed when the negotiated number of bytes has arrived.
func (t *Target) Done() <-chan struct{} {
	return t.done
}

// Image returns a copy of the bytes received so far.
func (t *Target) Image() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.image)
}

// Chunks returns the number of data frames received.
func (t *Target) Chunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.chunks
}

// Negotiated returns the load address, size and VLE flag from the
// address phase.
func (t *Target) Negotiated() ([4]byte, uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.address, t.size, t.vle
}
