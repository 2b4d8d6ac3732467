// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

//go:build unix

package util

import (
	"fmt"
	"os"

	"github.com/gen2brain/beeep"
)

// Notify shows a desktop notification titled progname. Failures are
// reported on stderr only.
func Notify(progname, msg string) {
	if err := beeep.Notify(progname, msg, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Notify %q failed: %v\n", msg, err)
	}
}

// Alert is Notify with a sound, for failures.
func Alert(progname, msg string) {
	if err := beeep.Alert(progname, msg, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Alert %q failed: %v\n", msg, err)
	}
}
