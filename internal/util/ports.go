// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package util

import (
	"fmt"
	"os"
	"strings"

	"go.bug.st/serial/enumerator"
)

// USB identities of serial line CAN adapters speaking the Lawicel
// protocol.
var slcanAdapters = []struct {
	vid, pid string
	name     string
}{
	{"16D0", "117E", "CANable/CANtact"},
	{"04D8", "000A", "USBtin"},
	{"0403", "6001", "Lawicel CANUSB"},
}

type SerialPort struct {
	DevPath      string
	SerialNumber string
	Adapter      string
}

// DetectSLCANPort returns the device path of the only connected SLCAN
// adapter. It returns an empty path, after telling the user why, when
// there is none or more than one.
func DetectSLCANPort() (string, error) {
	ports, err := GetSLCANPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		fmt.Fprintf(os.Stderr, "Could not detect any SLCAN adapter. You may pass\n"+
			"a known path using the --channel flag.\n")
		return "", nil
	}
	if len(ports) > 1 {
		fmt.Fprintf(os.Stderr, "Detected %d SLCAN adapters:\n", len(ports))
		for _, p := range ports {
			fmt.Fprintf(os.Stderr, "%s (%s) with serial number %s\n", p.DevPath, p.Adapter, p.SerialNumber)
		}
		fmt.Fprintf(os.Stderr, "Please choose one of the above by using the --channel flag.\n")
		return "", nil
	}
	fmt.Fprintf(os.Stderr, "Auto-detected %s on serial port %s\n", ports[0].Adapter, ports[0].DevPath)
	return ports[0].DevPath, nil
}

func GetSLCANPorts() ([]SerialPort, error) {
	portDetails, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("GetDetailedPortsList: %w", err)
	}

	return matchSLCAN(portDetails), nil
}

func matchSLCAN(details []*enumerator.PortDetails) []SerialPort {
	var ports []SerialPort

	for _, port := range details {
		if !port.IsUSB {
			continue
		}
		for _, a := range slcanAdapters {
			if strings.EqualFold(port.VID, a.vid) && strings.EqualFold(port.PID, a.pid) {
				ports = append(ports, SerialPort{port.Name, port.SerialNumber, a.name})
				break
			}
		}
	}

	return ports
}
