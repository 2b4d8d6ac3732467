// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package canbus

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewFrame(t *testing.T) {
	tests := []struct {
		name    string
		id      uint32
		payload []byte
		wantErr error
	}{
		{"empty", 0x013, nil, nil},
		{"full", 0x011, []byte{0xFE, 0xED, 0xFA, 0xCE, 0xCA, 0xFE, 0xBE, 0xEF}, nil},
		{"max id", MaxStdID, []byte{1}, nil},
		{"too long", 0x013, make([]byte, 9), ErrInvalidLen},
		{"extended id", 0x800, []byte{1}, ErrInvalidID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFrame(tt.id, tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewFrame() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if f.ID != tt.id {
				t.Errorf("ID = 0x%x, want 0x%x", f.ID, tt.id)
			}
			if !bytes.Equal(f.Payload(), tt.payload) {
				t.Errorf("Payload() = % x, want % x", f.Payload(), tt.payload)
			}
		})
	}
}

func TestNewFrameCopiesPayload(t *testing.T) {
	payload := []byte{1, 2, 3}
	f, err := NewFrame(0x013, payload)
	if err != nil {
		t.Fatal(err)
	}

	payload[0] = 0xFF
	if f.Payload()[0] != 1 {
		t.Errorf("frame shares memory with caller's payload")
	}
}

func TestFrameString(t *testing.T) {
	f, err := NewFrame(0x012, []byte{0x40, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x0A})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := f.String(), "012#400001008000000A"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestFrameBinary(t *testing.T) {
	f, err := NewFrame(0x001, []byte{0xFE, 0xED, 0xFA, 0xCE})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := f.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	// can_id, can_dlc, padding, data
	want := []byte{
		0x01, 0x00, 0x00, 0x00,
		0x04,
		0x00, 0x00, 0x00,
		0xFE, 0xED, 0xFA, 0xCE, 0x00, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("MarshalBinary() = % x, want % x", raw, want)
	}

	var got Frame
	if err = got.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}
	if got != f {
		t.Errorf("UnmarshalBinary() = %v, want %v", got, f)
	}
}

func TestFrameUnmarshalRejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{"short", make([]byte, 8), ErrShortFrame},
		{"extended", []byte{0x01, 0, 0, 0x80, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, ErrExtendedID},
		{"remote", []byte{0x01, 0, 0, 0x40, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, ErrNotDataFrame},
		{"dlc", []byte{0x01, 0, 0, 0, 9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, ErrInvalidLen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Frame
			if err := f.UnmarshalBinary(tt.raw); !errors.Is(err, tt.wantErr) {
				t.Errorf("UnmarshalBinary() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigOpenRejects(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"unknown", Config{Interface: "pcan", Channel: "PCAN_USBBUS1", Bitrate: 500000}, ErrUnknownInterface},
		{"bitrate", Config{Interface: Virtual, Channel: "vcan", Bitrate: 0}, ErrUnsupportedBitrate},
		{"slcan bitrate", Config{Interface: SLCAN, Channel: "/dev/null", Bitrate: 333333}, ErrUnsupportedBitrate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, err := tt.cfg.Open()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Open() error = %v, want %v", err, tt.wantErr)
			}
			if bus != nil {
				t.Errorf("Open() returned a bus on error")
			}
		})
	}
}
