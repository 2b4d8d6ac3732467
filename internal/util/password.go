// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package util

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tillitis/tkeyutil"
	"golang.org/x/term"
)

var ErrNoPassword = errors.New("no password entered")

// ParsePassword parses a BAM password given as up to 16 hex digits,
// with or without a 0x prefix. Surrounding white space is ignored.
func ParsePassword(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, ErrNoPassword
	}

	pw, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("password %q: want up to 16 hex digits", s)
	}

	return pw, nil
}

// ReadPassword reads a hex password from the file at path, or from
// stdin if path is "-".
func ReadPassword(path string) (uint64, error) {
	content, err := tkeyutil.ReadUSS(path)
	if err != nil {
		return 0, err
	}

	return ParsePassword(string(content))
}

// InputPassword prompts for the password on the terminal without
// echoing it.
func InputPassword() (uint64, error) {
	fmt.Fprintf(os.Stderr, "Enter BAM password (hex): ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		return 0, fmt.Errorf("ReadPassword: %w", err)
	}

	return ParsePassword(string(secret))
}
