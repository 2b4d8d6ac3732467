// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package util

import (
	"testing"

	"go.bug.st/serial/enumerator"
)

func TestMatchSLCAN(t *testing.T) {
	details := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "16d0", PID: "117e", SerialNumber: "001"},
		{Name: "/dev/ttyACM1", IsUSB: true, VID: "1207", PID: "8887", SerialNumber: "tkey"},
		{Name: "/dev/ttyACM2", IsUSB: true, VID: "04D8", PID: "000A", SerialNumber: "A021"},
	}

	got := matchSLCAN(details)

	want := []SerialPort{
		{"/dev/ttyACM0", "001", "CANable/CANtact"},
		{"/dev/ttyACM2", "A021", "USBtin"},
	}
	if len(got) != len(want) {
		t.Fatalf("matchSLCAN() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("matchSLCAN()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
