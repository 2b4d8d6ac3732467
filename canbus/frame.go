// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package canbus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// MaxStdID is the largest standard (11-bit) identifier.
	MaxStdID = 0x7FF
	// MaxDataLen is the payload capacity of a classical CAN frame.
	MaxDataLen = 8

	// Flags in the can_id word of Linux struct can_frame.
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000

	// Size of Linux struct can_frame.
	wireLen = 16
)

// Frame is a classical CAN data frame with a standard identifier.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [MaxDataLen]byte
}

// NewFrame builds a frame carrying a copy of payload and validates it.
func NewFrame(id uint32, payload []byte) (Frame, error) {
	var f Frame

	if len(payload) > MaxDataLen {
		return f, fmt.Errorf("%w: %d bytes", ErrInvalidLen, len(payload))
	}

	f.ID = id
	f.Len = uint8(len(payload))
	copy(f.Data[:], payload)

	if err := f.Validate(); err != nil {
		return Frame{}, err
	}

	return f, nil
}

// Validate returns an error if the identifier does not fit in 11 bits
// or if the length exceeds 8 bytes.
func (f Frame) Validate() error {
	if f.ID > MaxStdID {
		return fmt.Errorf("%w: 0x%x", ErrInvalidID, f.ID)
	}
	if f.Len > MaxDataLen {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLen, f.Len)
	}

	return nil
}

// Payload returns the used part of the data field.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// String formats the frame the way candump does, e.g. "011#FEEDFACECAFEBEEF".
func (f Frame) String() string {
	return fmt.Sprintf("%03X#%s", f.ID, strings.ToUpper(hex.EncodeToString(f.Payload())))
}

// MarshalBinary encodes the frame in the 16 byte Linux struct
// can_frame layout:
//
//	0..3  can_id, host (little) endian
//	4     can_dlc
//	5..7  padding
//	8..15 data
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, wireLen)
	binary.LittleEndian.PutUint32(buf[0:4], f.ID)
	buf[4] = f.Len
	copy(buf[8:], f.Data[:])

	return buf, nil
}

// UnmarshalBinary decodes a Linux struct can_frame. Extended, remote
// and error frames are refused.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < wireLen {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrShortFrame, wireLen, len(data))
	}

	id := binary.LittleEndian.Uint32(data[0:4])
	switch {
	case id&effFlag != 0:
		return ErrExtendedID
	case id&(rtrFlag|errFlag) != 0:
		return fmt.Errorf("%w: can_id 0x%08x", ErrNotDataFrame, id)
	}

	f.ID = id & MaxStdID
	f.Len = data[4]
	copy(f.Data[:], data[8:wireLen])

	return f.Validate()
}
