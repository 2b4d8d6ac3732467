// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package canbus

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// Time to wait for an adapter to acknowledge a command.
const slcanCmdTimeout = 500 * time.Millisecond

const (
	slcanOK   = '\r'
	slcanBell = '\a'
)

// Bitrates selectable with the Lawicel "Sn" command.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// serialPort is the part of serial.Port used by the SLCAN bus.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

type slcan struct {
	port serialPort
	// bytes read from the adapter but not yet consumed
	rx []byte
}

// openSLCAN opens the serial device at path, sets the CAN bitrate and
// opens the CAN channel of the adapter.
func openSLCAN(path string, speed int, bitrate int) (Bus, error) {
	if _, ok := slcanBitrates[bitrate]; !ok {
		return nil, fmt.Errorf("%w: %d for slcan", ErrUnsupportedBitrate, bitrate)
	}

	port, err := serial.Open(path, &serial.Mode{BaudRate: speed})
	if err != nil {
		return nil, fmt.Errorf("Open %s: %w", path, err)
	}

	s, err := newSLCAN(port, bitrate)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	return s, nil
}

func newSLCAN(port serialPort, bitrate int) (*slcan, error) {
	s := &slcan{port: port}

	// The channel may have been left open by an earlier run. Closing
	// an already closed channel is answered with a bell; ignore it.
	_ = s.command("C")

	if err := s.command("S" + string(slcanBitrates[bitrate])); err != nil {
		return nil, err
	}
	if err := s.command("O"); err != nil {
		return nil, err
	}

	return s, nil
}

// command sends cmd and waits for the adapter's acknowledgement.
func (s *slcan) command(cmd string) error {
	if _, err := s.port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("Write: %w", err)
	}

	deadline := time.Now().Add(slcanCmdTimeout)
	buf := make([]byte, 64)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("slcan command %q: %w", cmd, ErrTimeout)
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return fmt.Errorf("SetReadTimeout: %w", err)
		}

		n, err := s.port.Read(buf)
		if err != nil {
			return fmt.Errorf("Read: %w", err)
		}
		if n == 0 {
			continue
		}

		for _, b := range buf[:n] {
			switch b {
			case slcanOK:
				return nil
			case slcanBell:
				return fmt.Errorf("slcan command %q refused by adapter", cmd)
			}
		}
	}
}

func (s *slcan) Send(f Frame) error {
	line, err := encodeSLCAN(f)
	if err != nil {
		return err
	}

	if _, err = s.port.Write(line); err != nil {
		return fmt.Errorf("Write: %w", err)
	}

	return nil
}

func (s *slcan) Receive(timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64)

	for {
		if f, ok, err := s.nextFrame(); ok || err != nil {
			return f, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, ErrTimeout
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return Frame{}, fmt.Errorf("SetReadTimeout: %w", err)
		}

		n, err := s.port.Read(buf)
		if err != nil {
			return Frame{}, fmt.Errorf("Read: %w", err)
		}
		// Read returns 0 bytes when the timeout expires.
		if n == 0 {
			return Frame{}, ErrTimeout
		}
		s.rx = append(s.rx, buf[:n]...)
	}
}

// nextFrame consumes complete lines from the receive buffer until it
// finds a frame. Command and transmit acknowledgements are skipped.
func (s *slcan) nextFrame() (Frame, bool, error) {
	for {
		i := bytes.IndexByte(s.rx, slcanOK)
		if i < 0 {
			return Frame{}, false, nil
		}

		line := bytes.Trim(s.rx[:i], string(slcanBell))
		s.rx = s.rx[i+1:]

		if len(line) == 0 || line[0] == 'z' || line[0] == 'Z' {
			continue
		}

		f, err := decodeSLCAN(line)
		return f, true, err
	}
}

func (s *slcan) Close() error {
	_, werr := s.port.Write([]byte("C\r"))
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	if werr != nil {
		return fmt.Errorf("Write: %w", werr)
	}
	return nil
}

// encodeSLCAN formats f as a Lawicel transmit command, for example
// "t0118FEEDFACECAFEBEEF\r".
func encodeSLCAN(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	line := fmt.Sprintf("t%03X%d%X\r", f.ID, f.Len, f.Payload())
	return []byte(line), nil
}

// decodeSLCAN parses one received line without its terminating CR. A
// trailing 4 digit timestamp is accepted and ignored.
func decodeSLCAN(line []byte) (Frame, error) {
	switch line[0] {
	case 't':
	case 'T':
		return Frame{}, ErrExtendedID
	case 'r', 'R':
		return Frame{}, fmt.Errorf("%w: %q", ErrNotDataFrame, line)
	default:
		return Frame{}, fmt.Errorf("slcan: unexpected line %q", line)
	}

	if len(line) < 5 {
		return Frame{}, fmt.Errorf("%w: %q", ErrShortFrame, line)
	}

	id, err := strconv.ParseUint(string(line[1:4]), 16, 16)
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad identifier in %q", line)
	}

	dlc := int(line[4] - '0')
	if dlc > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: %q", ErrInvalidLen, line)
	}

	data := line[5:]
	switch len(data) {
	case 2 * dlc, 2*dlc + 4:
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrShortFrame, line)
	}

	payload := make([]byte, dlc)
	if _, err = hex.Decode(payload, data[:2*dlc]); err != nil {
		return Frame{}, fmt.Errorf("slcan: bad data in %q: %w", line, err)
	}

	return NewFrame(uint32(id), payload)
}
