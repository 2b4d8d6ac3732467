// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

// Package bam loads a raw binary image into the RAM of an MPC56xx
// microcontroller through its Boot Assist Module (BAM) over CAN.
//
// The BAM protocol has three phases, each confirmed by the target
// echoing every frame back verbatim on a dedicated echo identifier:
// the 64 bit password, the load address and image size, and the image
// itself in chunks of up to 8 bytes. To load an image:
//
//	cfg := canbus.Config{Interface: "socketcan", Channel: "can0", Bitrate: 500000}
//	l := bam.New(cfg)
//	err := l.Load(bam.DefaultPassword, image)
//
// The phases can also be driven one at a time with SendPassword,
// SendLoadingAddress and SendCode, which must be called in that order.
//
// Every request/echo exchange opens its own connection to the bus and
// closes it again before returning.
package bam

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/tillitis/bamcan/canbus"
)

var le = log.New(os.Stderr, "", 0)

func SilenceLogging() {
	le.SetOutput(io.Discard)
}

// DefaultTimeout is how long an exchange waits for the echo.
const DefaultTimeout = time.Second

// State is the position of a Loader in the protocol. It names the
// phase most recently entered.
type State int

const (
	Idle State = iota
	Authenticating
	Negotiating
	Transferring
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"

	case Authenticating:
		return "authenticating"

	case Negotiating:
		return "negotiating"

	case Transferring:
		return "transferring"

	case Complete:
		return "complete"

	case Failed:
		return "failed"

	default:
		return "unknown state"
	}
}

// Progress is reported after every acknowledged data chunk.
type Progress struct {
	Chunk     int // 0-based index of the acknowledged chunk
	Chunks    int
	BytesSent int
	Total     int
}

// Loader drives the BAM protocol against one target. It is not safe
// for concurrent use.
type Loader struct {
	opener   canbus.Opener
	target   Target
	timeout  time.Duration
	progress func(Progress)

	state State
	size  uint32
}

// New returns a Loader in state Idle that opens bus connections with
// o.
func New(o canbus.Opener, options ...func(*Loader)) *Loader {
	l := &Loader{
		opener:  o,
		target:  MPC56xx,
		timeout: DefaultTimeout,
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

func WithTarget(t Target) func(*Loader) {
	return func(l *Loader) {
		l.target = t
	}
}

func WithTimeout(d time.Duration) func(*Loader) {
	return func(l *Loader) {
		l.timeout = d
	}
}

func WithProgress(fn func(Progress)) func(*Loader) {
	return func(l *Loader) {
		l.progress = fn
	}
}

func (l *Loader) State() State {
	return l.state
}

// withBus opens a connection, runs fn with it and always closes it
// again.
func (l *Loader) withBus(fn func(canbus.Bus) error) error {
	bus, err := l.opener.Open()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			le.Printf("Close: %v\n", err)
		}
	}()

	return fn(bus)
}

// Exchange sends tx on a bus connection of its own and waits for one
// frame. It reports true if that frame has identifier echoID and
// exactly the payload of tx. No frame within the timeout, or a
// different or malformed frame, reports false without error. Errors
// are returned only when the bus could not be opened, the frame could
// not be sent, or receiving failed.
func (l *Loader) Exchange(tx canbus.Frame, echoID uint32) (bool, error) {
	var echoed bool

	err := l.withBus(func(bus canbus.Bus) error {
		Dump("tx", tx)
		if err := bus.Send(tx); err != nil {
			return fmt.Errorf("%w: %w", ErrSend, err)
		}

		rx, err := bus.Receive(l.timeout)
		switch {
		case errors.Is(err, canbus.ErrTimeout):
			le.Printf("No echo on ID 0x%03x within %v\n", echoID, l.timeout)
			return nil

		case errors.Is(err, canbus.ErrExtendedID), errors.Is(err, canbus.ErrNotDataFrame),
			errors.Is(err, canbus.ErrInvalidID), errors.Is(err, canbus.ErrInvalidLen):
			le.Printf("Got %v instead of echo on ID 0x%03x\n", err, echoID)
			return nil

		case err != nil:
			return fmt.Errorf("%w: %w", ErrReceive, err)
		}

		Dump("rx", rx)
		echoed = rx.ID == echoID && bytes.Equal(rx.Payload(), tx.Payload())
		if !echoed {
			le.Printf("Expected echo %03X#%X, got %v\n", echoID, tx.Payload(), rx)
		}

		return nil
	})

	return echoed, err
}

// enter moves the loader from state from to state to, or refuses if
// the loader is somewhere else.
func (l *Loader) enter(phase Phase, from State, to State) error {
	if l.state != from {
		return &PhaseError{
			Phase: phase,
			Err:   fmt.Errorf("%w: loader is %v, want %v", ErrPhaseOrder, l.state, from),
		}
	}
	l.state = to

	return nil
}

func (l *Loader) fail(e *PhaseError) error {
	l.state = Failed
	return e
}

// exchangePhase runs one exchange for phase and turns a missing echo
// into ErrEchoMismatch.
func (l *Loader) exchangePhase(phase Phase, tx canbus.Frame, echoID uint32) error {
	echoed, err := l.Exchange(tx, echoID)
	if err != nil {
		return l.fail(&PhaseError{Phase: phase, Err: err})
	}
	if !echoed {
		return l.fail(&PhaseError{Phase: phase, Err: ErrEchoMismatch})
	}

	return nil
}

// SendPassword sends the 64 bit password and waits for its echo.
func (l *Loader) SendPassword(password uint64) error {
	if err := l.enter(PhasePassword, Idle, Authenticating); err != nil {
		return err
	}

	tx, err := l.target.PasswordFrame(password)
	if err != nil {
		return l.fail(&PhaseError{Phase: PhasePassword, Err: err})
	}

	return l.exchangePhase(PhasePassword, tx, l.target.PasswordEchoID)
}

// SendLoadingAddress sends the load address and the image size, which
// must fit in 31 bits, and waits for the echo.
func (l *Loader) SendLoadingAddress(size uint32) error {
	if err := l.enter(PhaseAddress, Authenticating, Negotiating); err != nil {
		return err
	}

	tx, err := l.target.AddressFrame(size)
	if err != nil {
		return l.fail(&PhaseError{Phase: PhaseAddress, Err: err})
	}

	if err = l.exchangePhase(PhaseAddress, tx, l.target.AddressEchoID); err != nil {
		return err
	}
	l.size = size

	return nil
}

// SendCode sends image in chunks of up to 8 bytes, each of which must
// be echoed before the next is sent. The first chunk without a
// matching echo ends the transfer; chunks after it are never sent.
// The length of image must equal the size sent by SendLoadingAddress.
func (l *Loader) SendCode(image []byte) error {
	if err := l.enter(PhaseCode, Negotiating, Transferring); err != nil {
		return err
	}

	if len(image) == 0 {
		return l.fail(&PhaseError{Phase: PhaseCode, Err: ErrEmptyImage})
	}
	if uint64(len(image)) != uint64(l.size) {
		return l.fail(&PhaseError{
			Phase: PhaseCode,
			Err:   fmt.Errorf("%w: %d bytes, negotiated %d", ErrSizeMismatch, len(image), l.size),
		})
	}

	chunks := Chunks(image)
	var sent int

	for i, chunk := range chunks {
		tx, err := l.target.DataFrame(chunk)
		if err != nil {
			return l.fail(&PhaseError{Phase: PhaseCode, Chunk: i, Chunks: len(chunks), Err: err})
		}

		echoed, err := l.Exchange(tx, l.target.DataEchoID)
		if err == nil && !echoed {
			err = ErrEchoMismatch
		}
		if err != nil {
			return l.fail(&PhaseError{Phase: PhaseCode, Chunk: i, Chunks: len(chunks), Err: err})
		}

		sent += len(chunk)
		if l.progress != nil {
			l.progress(Progress{
				Chunk:     i,
				Chunks:    len(chunks),
				BytesSent: sent,
				Total:     len(image),
			})
		}
	}

	l.state = Complete

	return nil
}

// Load runs all three phases in order, stopping at the first failure.
// An empty image is refused before anything is sent.
func (l *Loader) Load(password uint64, image []byte) error {
	if len(image) == 0 {
		return ErrEmptyImage
	}
	if uint64(len(image)) > MaxImageSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(image))
	}

	le.Printf("Sending password\n")
	if err := l.SendPassword(password); err != nil {
		return err
	}

	le.Printf("Sending load address 0x%x and size %d\n", l.target.LoadAddress[:], len(image))
	if err := l.SendLoadingAddress(uint32(len(image))); err != nil {
		return err
	}

	le.Printf("Sending %d bytes of code\n", len(image))
	return l.SendCode(image)
}
