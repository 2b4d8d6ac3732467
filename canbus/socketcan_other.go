// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

//go:build !linux

package canbus

import "fmt"

func openSocketCAN(ifname string) (Bus, error) {
	return nil, fmt.Errorf("%w: socketcan %s", ErrUnsupported, ifname)
}
