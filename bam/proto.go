// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package bam

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/tillitis/bamcan/canbus"
)

const (
	// DefaultPassword is the public password of a blank MPC5646.
	DefaultPassword uint64 = 0xFEEDFACECAFEBEEF
	// ChunkSize is the largest payload of one data frame.
	ChunkSize = canbus.MaxDataLen
	// MaxImageSize is the largest image the size field can express.
	MaxImageSize = 0x7FFF_FFFF

	vleFlag = 0x8000_0000
)

// Target describes the CAN identifiers and load address used by one
// family of BAM targets. A Target is a value; the library never
// modifies one.
type Target struct {
	Name string

	PasswordID     uint32
	PasswordEchoID uint32
	AddressID      uint32
	AddressEchoID  uint32
	DataID         uint32
	DataEchoID     uint32

	// LoadAddress is the RAM address the image is loaded to, as sent
	// on the wire.
	LoadAddress [4]byte
	// VLE sets the top bit of the size field, telling the BAM that
	// the code uses the VLE instruction set.
	VLE bool
}

// MPC56xx is the protocol table of the MPC56xx BAM.
var MPC56xx = Target{
	Name:           "mpc56xx",
	PasswordID:     0x011,
	PasswordEchoID: 0x001,
	AddressID:      0x012,
	AddressEchoID:  0x002,
	DataID:         0x013,
	DataEchoID:     0x003,
	LoadAddress:    [4]byte{0x40, 0x00, 0x01, 0x00},
	VLE:            true,
}

// Validate checks that every identifier of t is a standard CAN
// identifier.
func (t Target) Validate() error {
	ids := []struct {
		name string
		id   uint32
	}{
		{"password", t.PasswordID},
		{"password echo", t.PasswordEchoID},
		{"address", t.AddressID},
		{"address echo", t.AddressEchoID},
		{"data", t.DataID},
		{"data echo", t.DataEchoID},
	}

	for _, x := range ids {
		if x.id > canbus.MaxStdID {
			return fmt.Errorf("target %s: %s ID 0x%x: %w", t.Name, x.name, x.id, canbus.ErrInvalidID)
		}
	}

	return nil
}

// PasswordFrame encodes password as 8 bytes big endian. Leading zero
// bytes are kept, so every uint64 is a valid password.
func (t Target) PasswordFrame(password uint64) (canbus.Frame, error) {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], password)

	return canbus.NewFrame(t.PasswordID, payload[:])
}

// AddressFrame encodes the load address followed by the 32 bit big
// endian size field. The size must leave the top bit free for the VLE
// flag.
func (t Target) AddressFrame(size uint32) (canbus.Frame, error) {
	if size&vleFlag != 0 {
		return canbus.Frame{}, fmt.Errorf("%w: 0x%x", ErrInvalidLength, size)
	}

	field := size
	if t.VLE {
		field |= vleFlag
	}

	var payload [8]byte
	copy(payload[0:4], t.LoadAddress[:])
	binary.BigEndian.PutUint32(payload[4:8], field)

	return canbus.NewFrame(t.AddressID, payload[:])
}

// DataFrame wraps one chunk of the image.
func (t Target) DataFrame(chunk []byte) (canbus.Frame, error) {
	if len(chunk) == 0 || len(chunk) > ChunkSize {
		return canbus.Frame{}, fmt.Errorf("%w: got %d", ErrInvalidChunkSize, len(chunk))
	}

	return canbus.NewFrame(t.DataID, chunk)
}

// Chunks splits image into consecutive slices of ChunkSize bytes. The
// last slice holds the remainder. The slices share memory with image.
func Chunks(image []byte) [][]byte {
	chunks := make([][]byte, 0, (len(image)+ChunkSize-1)/ChunkSize)

	for offset := 0; offset < len(image); offset += ChunkSize {
		end := offset + ChunkSize
		if end > len(image) {
			end = len(image)
		}
		chunks = append(chunks, image[offset:end])
	}

	return chunks
}

// Dump hexdumps the payload of f with an explaining string s first.
func Dump(s string, f canbus.Frame) {
	if f.Len == 0 {
		le.Printf("%s: ID 0x%03x, no data\n", s, f.ID)
		return
	}
	le.Printf("%s: ID 0x%03x (%d bytes):\n", s, f.ID, f.Len)
	le.Printf("%s", hex.Dump(f.Payload()))
}
