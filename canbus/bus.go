// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

// Package canbus provides the small part of a CAN stack needed by a
// request/echo bootloader: a classical frame type with standard
// identifiers, and a Bus that can send one frame and wait a bounded
// time for one frame.
//
// A Bus is opened from a Config:
//
//	cfg := canbus.Config{Interface: "socketcan", Channel: "can0", Bitrate: 500000}
//	bus, err := cfg.Open()
//	defer bus.Close()
//
// Supported interfaces are "socketcan" (Linux), "slcan" (Lawicel
// ASCII protocol over a serial port) and "virtual" (in-process).
package canbus

import (
	"fmt"
	"time"
)

type constError string

func (err constError) Error() string {
	return string(err)
}

const (
	ErrInvalidID          = constError("invalid standard CAN identifier")
	ErrInvalidLen         = constError("invalid CAN data length")
	ErrShortFrame         = constError("short CAN frame")
	ErrExtendedID         = constError("extended CAN identifiers not supported")
	ErrNotDataFrame       = constError("not a CAN data frame")
	ErrTimeout            = constError("receive timeout")
	ErrClosed             = constError("bus closed")
	ErrUnknownInterface   = constError("unknown CAN interface")
	ErrUnsupported        = constError("CAN interface not supported on this platform")
	ErrUnsupportedBitrate = constError("unsupported bitrate")
)

// Bus is an open connection to a CAN bus.
type Bus interface {
	// Send transmits one frame.
	Send(f Frame) error

	// Receive blocks for at most timeout waiting for one frame. It
	// returns ErrTimeout if nothing arrived in time.
	Receive(timeout time.Duration) (Frame, error)

	// Close releases the connection.
	Close() error
}

// Opener hands out a new Bus connection each time Open is called.
type Opener interface {
	Open() (Bus, error)
}

// Interface names understood by Config.
const (
	SocketCAN = "socketcan"
	SLCAN     = "slcan"
	Virtual   = "virtual"
)

// Default speed of the serial link to an SLCAN adapter. USB CDC
// adapters ignore it.
const SerialSpeed = 115200

// Config selects and parameterises a CAN interface.
type Config struct {
	// Interface is one of SocketCAN, SLCAN or Virtual.
	Interface string
	// Channel is the network interface (can0), serial device path
	// (/dev/ttyACM0) or virtual network name, depending on Interface.
	Channel string
	// Bitrate of the CAN bus in bits per second.
	Bitrate int
	// SerialSpeed is the baud rate of the serial link, SLCAN only.
	SerialSpeed int
}

// Open opens a new connection according to c. Every call returns an
// independent Bus that the caller must Close.
func (c Config) Open() (Bus, error) {
	if c.Channel == "" {
		return nil, fmt.Errorf("%s: no channel given", c.Interface)
	}
	if c.Bitrate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitrate, c.Bitrate)
	}

	switch c.Interface {
	case SocketCAN:
		return openSocketCAN(c.Channel)

	case SLCAN:
		speed := c.SerialSpeed
		if speed == 0 {
			speed = SerialSpeed
		}
		return openSLCAN(c.Channel, speed, c.Bitrate)

	case Virtual:
		return DialVirtual(c.Channel), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInterface, c.Interface)
	}
}

// String describes c for diagnostics.
func (c Config) String() string {
	return fmt.Sprintf("%s:%s@%d", c.Interface, c.Channel, c.Bitrate)
}
