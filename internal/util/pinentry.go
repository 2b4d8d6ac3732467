// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package util

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/twpayne/go-pinentry"
)

// PinentryPassword asks for the BAM password through a pinentry
// program. An empty program means the one configured for gpg-agent,
// or "pinentry".
func PinentryPassword(progname string, target string, program string) (uint64, error) {
	desc := fmt.Sprintf("%s needs the 64 bit BAM password\n"+
		"of the %s target, as 16 hex digits.", progname, target)

	opts := []pinentry.ClientOption{
		pinentry.WithBinaryNameFromGnuPGAgentConf(),
		pinentry.WithGPGTTY(),
		pinentry.WithDesc(desc),
		pinentry.WithPrompt("BAM password"),
		pinentry.WithTitle(progname),
	}

	if program != "" {
		opts = append(opts, pinentry.WithBinaryName(program))
	} else if runtime.GOOS == "windows" {
		if found := findWindowsPinentry(); found != "" {
			opts = append(opts, pinentry.WithBinaryName(found))
		}
	}

	client, err := pinentry.NewClient(opts...)
	if err != nil {
		return 0, fmt.Errorf("pinentry.NewClient: %w", err)
	}
	defer client.Close()

	pin, _, err := client.GetPIN()
	if err != nil {
		return 0, fmt.Errorf("pinentry GetPIN: %w", err)
	}

	return ParsePassword(pin)
}

// findWindowsPinentry looks for the pinentry of Gpg4win next to
// gpgconf.exe, then in PATH.
func findWindowsPinentry() string {
	if gpgconf, err := exec.LookPath("gpgconf.exe"); err == nil {
		gpgDir := filepath.Dir(gpgconf)
		if filepath.Base(gpgDir) == "bin" {
			gpgDir = filepath.Dir(gpgDir)
		}

		for _, rel := range []string{`..\Gpg4win\bin\pinentry.exe`, `..\Gpg4win\pinentry.exe`} {
			candidate := filepath.Join(gpgDir, rel)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}

	for _, exe := range []string{`pinentry.exe`, `pinentry-basic.exe`} {
		if candidate, err := exec.LookPath(exe); err == nil {
			return candidate
		}
	}

	return ""
}
