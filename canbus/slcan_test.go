// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package canbus

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeAdapter answers Lawicel commands like a CANable with slcan
// firmware. Frames written to it are answered by the echo function.
type fakeAdapter struct {
	written []string
	rx      bytes.Buffer
	echo    func(line string) string
	refuse  string
	closed  bool
}

func (a *fakeAdapter) Write(p []byte) (int, error) {
	line := string(p)
	a.written = append(a.written, line)

	switch {
	case strings.HasPrefix(line, "t"):
		a.rx.WriteString("z\r")
		if a.echo != nil {
			a.rx.WriteString(a.echo(line))
		}
	case a.refuse != "" && strings.HasPrefix(line, a.refuse):
		a.rx.WriteByte('\a')
	default:
		a.rx.WriteByte('\r')
	}

	return len(p), nil
}

// Read returns 0 bytes when nothing is buffered, as a serial port
// does when its read timeout expires.
func (a *fakeAdapter) Read(p []byte) (int, error) {
	if a.rx.Len() == 0 {
		return 0, nil
	}
	return a.rx.Read(p)
}

func (a *fakeAdapter) SetReadTimeout(time.Duration) error { return nil }

func (a *fakeAdapter) Close() error {
	a.closed = true
	return nil
}

func TestEncodeSLCAN(t *testing.T) {
	f, err := NewFrame(0x011, []byte{0xFE, 0xED, 0xFA, 0xCE, 0xCA, 0xFE, 0xBE, 0xEF})
	if err != nil {
		t.Fatal(err)
	}

	line, err := encodeSLCAN(f)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(line), "t0118FEEDFACECAFEBEEF\r"; got != want {
		t.Errorf("encodeSLCAN() = %q, want %q", got, want)
	}
}

func TestDecodeSLCAN(t *testing.T) {
	tests := []struct {
		line    string
		id      uint32
		payload []byte
		wantErr error
	}{
		{line: "t0034DEADBEEF", id: 0x003, payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{line: "t0034deadbeef", id: 0x003, payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{line: "t00121234ABCD", id: 0x001, payload: []byte{0x12, 0x34}},
		{line: "t0020", id: 0x002, payload: []byte{}},
		{line: "T000000018FEEDFACECAFEBEEF", wantErr: ErrExtendedID},
		{line: "r0010", wantErr: ErrNotDataFrame},
		{line: "t00190102030405060708", wantErr: ErrInvalidLen},
		{line: "t0034DEAD", wantErr: ErrShortFrame},
		{line: "t00", wantErr: ErrShortFrame},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			f, err := decodeSLCAN([]byte(tt.line))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("decodeSLCAN() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if f.ID != tt.id || !bytes.Equal(f.Payload(), tt.payload) {
				t.Errorf("decodeSLCAN() = %v, want %03X#% X", f, tt.id, tt.payload)
			}
		})
	}
}

func TestSLCANOpenSequence(t *testing.T) {
	a := &fakeAdapter{}
	if _, err := newSLCAN(a, 500000); err != nil {
		t.Fatal(err)
	}

	want := []string{"C\r", "S6\r", "O\r"}
	if strings.Join(a.written, "") != strings.Join(want, "") {
		t.Errorf("commands = %q, want %q", a.written, want)
	}
}

func TestSLCANOpenRefused(t *testing.T) {
	a := &fakeAdapter{refuse: "O"}
	if _, err := newSLCAN(a, 125000); err == nil {
		t.Fatal("newSLCAN() succeeded although the adapter refused to open")
	}
}

func TestSLCANExchange(t *testing.T) {
	a := &fakeAdapter{
		// Echo everything back on ID 0x003, like the BAM does for data.
		echo: func(line string) string {
			return "t003" + line[4:]
		},
	}
	s, err := newSLCAN(a, 500000)
	if err != nil {
		t.Fatal(err)
	}

	f, _ := NewFrame(0x013, []byte{1, 2, 3, 4})
	if err = s.Send(f); err != nil {
		t.Fatal(err)
	}

	got, err := s.Receive(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 0x003 || !bytes.Equal(got.Payload(), f.Payload()) {
		t.Errorf("Receive() = %v, want 003#01020304", got)
	}

	if _, err = s.Receive(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("Receive() on silent bus error = %v, want ErrTimeout", err)
	}

	if err = s.Close(); err != nil {
		t.Fatal(err)
	}
	if !a.closed || a.written[len(a.written)-1] != "C\r" {
		t.Errorf("Close() did not close the channel and the port")
	}
}
