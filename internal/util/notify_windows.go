// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

//go:build windows

package util

import (
	"fmt"
	"os"

	"github.com/gen2brain/beeep"
	"github.com/go-toast/toast"
	"golang.org/x/sys/windows"
)

var isWindows10 bool

func init() {
	maj, _, _ := windows.RtlGetNtVersionNumbers()
	isWindows10 = maj >= 10
}

// Notify shows a toast with progname as app ID on Windows 10 and
// later, and a balloon tip before that.
func Notify(progname, msg string) {
	if err := notify(progname, msg, false); err != nil {
		fmt.Fprintf(os.Stderr, "Notify %q failed: %v\n", msg, err)
	}
}

// Alert is Notify with the alarm sound, for failures.
func Alert(progname, msg string) {
	if err := notify(progname, msg, true); err != nil {
		fmt.Fprintf(os.Stderr, "Alert %q failed: %v\n", msg, err)
	}
}

func notify(progname, msg string, alarm bool) error {
	if !isWindows10 {
		return beeep.Notify(progname, msg, "")
	}

	n := toast.Notification{
		AppID:   progname,
		Message: msg,
		Audio:   toast.Default,
	}
	if alarm {
		n.Audio = toast.LoopingAlarm
	}

	return n.Push()
}
