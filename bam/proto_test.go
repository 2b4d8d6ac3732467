// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package bam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"testing/quick"

	"github.com/tillitis/bamcan/canbus"
)

func TestPasswordFrame(t *testing.T) {
	f, err := MPC56xx.PasswordFrame(DefaultPassword)
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{0xFE, 0xED, 0xFA, 0xCE, 0xCA, 0xFE, 0xBE, 0xEF}
	if f.ID != 0x011 || !bytes.Equal(f.Payload(), want) {
		t.Errorf("PasswordFrame() = %v, want 011#FEEDFACECAFEBEEF", f)
	}
}

func TestPasswordFrameLeadingZeros(t *testing.T) {
	for _, pw := range []uint64{0, 1, 0x00000000CAFEBEEF, 0x00FFFFFFFFFFFFFF} {
		f, err := MPC56xx.PasswordFrame(pw)
		if err != nil {
			t.Fatal(err)
		}
		if f.Len != 8 {
			t.Errorf("PasswordFrame(0x%x) has %d bytes, want 8", pw, f.Len)
		}
		if got := binary.BigEndian.Uint64(f.Payload()); got != pw {
			t.Errorf("PasswordFrame(0x%x) decodes to 0x%x", pw, got)
		}
	}
}

func TestPasswordFrameRoundTrip(t *testing.T) {
	roundTrip := func(pw uint64) bool {
		f, err := MPC56xx.PasswordFrame(pw)
		return err == nil && f.Len == 8 && binary.BigEndian.Uint64(f.Payload()) == pw
	}
	if err := quick.Check(roundTrip, nil); err != nil {
		t.Error(err)
	}
}

func TestAddressFrame(t *testing.T) {
	f, err := MPC56xx.AddressFrame(10)
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{0x40, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x0A}
	if f.ID != 0x012 || !bytes.Equal(f.Payload(), want) {
		t.Errorf("AddressFrame(10) = %v, want 012#400001008000000A", f)
	}
}

func TestAddressFrameSizeField(t *testing.T) {
	sizeField := func(n uint32) bool {
		size := n & MaxImageSize
		f, err := MPC56xx.AddressFrame(size)
		if err != nil || f.Len != 8 {
			return false
		}
		field := binary.BigEndian.Uint32(f.Payload()[4:])
		return field&vleFlag != 0 && field&MaxImageSize == size &&
			bytes.Equal(f.Payload()[:4], MPC56xx.LoadAddress[:])
	}
	if err := quick.Check(sizeField, nil); err != nil {
		t.Error(err)
	}
}

func TestAddressFrameInvalidLength(t *testing.T) {
	for _, size := range []uint32{0x8000_0000, 0xFFFF_FFFF} {
		if _, err := MPC56xx.AddressFrame(size); !errors.Is(err, ErrInvalidLength) {
			t.Errorf("AddressFrame(0x%x) error = %v, want ErrInvalidLength", size, err)
		}
	}
}

func TestAddressFrameWithoutVLE(t *testing.T) {
	booke := MPC56xx
	booke.Name = "booke"
	booke.VLE = false
	booke.LoadAddress = [4]byte{0x40, 0x00, 0x00, 0x00}

	f, err := booke.AddressFrame(0x100)
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00}
	if !bytes.Equal(f.Payload(), want) {
		t.Errorf("AddressFrame() = % x, want % x", f.Payload(), want)
	}
	if MPC56xx.LoadAddress != [4]byte{0x40, 0x00, 0x01, 0x00} || !MPC56xx.VLE {
		t.Errorf("changing a copy changed MPC56xx")
	}
}

func TestDataFrame(t *testing.T) {
	tests := []struct {
		n       int
		wantErr error
	}{
		{0, ErrInvalidChunkSize},
		{1, nil},
		{4, nil},
		{8, nil},
		{9, ErrInvalidChunkSize},
	}

	for _, tt := range tests {
		chunk := bytes.Repeat([]byte{0xA5}, tt.n)
		f, err := MPC56xx.DataFrame(chunk)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("DataFrame(%d bytes) error = %v, want %v", tt.n, err, tt.wantErr)
			continue
		}
		if err == nil && (f.ID != 0x013 || !bytes.Equal(f.Payload(), chunk)) {
			t.Errorf("DataFrame(%d bytes) = %v", tt.n, f)
		}
	}
}

func TestChunks(t *testing.T) {
	tests := []struct {
		n     int
		sizes []int
	}{
		{1, []int{1}},
		{8, []int{8}},
		{9, []int{8, 1}},
		{16, []int{8, 8}},
		{20, []int{8, 8, 4}},
	}

	for _, tt := range tests {
		chunks := Chunks(make([]byte, tt.n))
		if len(chunks) != len(tt.sizes) {
			t.Errorf("Chunks(%d bytes) gave %d chunks, want %d", tt.n, len(chunks), len(tt.sizes))
			continue
		}
		for i, c := range chunks {
			if len(c) != tt.sizes[i] {
				t.Errorf("Chunks(%d bytes)[%d] has %d bytes, want %d", tt.n, i, len(c), tt.sizes[i])
			}
		}
	}
}

func TestChunksReassemble(t *testing.T) {
	reassemble := func(image []byte) bool {
		chunks := Chunks(image)
		if len(chunks) != (len(image)+7)/8 {
			return false
		}

		var joined []byte
		for i, c := range chunks {
			last := i == len(chunks)-1
			switch {
			case !last && len(c) != 8:
				return false
			case last && len(image)%8 != 0 && len(c) != len(image)%8:
				return false
			case last && len(image)%8 == 0 && len(c) != 8:
				return false
			}
			joined = append(joined, c...)
		}

		return bytes.Equal(joined, image)
	}
	if err := quick.Check(reassemble, nil); err != nil {
		t.Error(err)
	}
}

func TestTargetValidate(t *testing.T) {
	if err := MPC56xx.Validate(); err != nil {
		t.Fatalf("MPC56xx.Validate() = %v", err)
	}

	bad := MPC56xx
	bad.DataEchoID = 0x18DA00F1
	if err := bad.Validate(); !errors.Is(err, canbus.ErrInvalidID) {
		t.Errorf("Validate() error = %v, want ErrInvalidID", err)
	}
}
