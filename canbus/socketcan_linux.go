// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

type socketCAN struct {
	fd int
}

// openSocketCAN binds a raw CAN socket to the network interface
// ifname. The bitrate of a SocketCAN interface is set with ip-link(8)
// and can't be changed from here.
func openSocketCAN(ifname string) (Bus, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("InterfaceByName %s: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("Socket: %w", err)
	}

	if err = unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("Bind %s: %w", ifname, err)
	}

	return &socketCAN{fd: fd}, nil
}

func (s *socketCAN) Send(f Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}

	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return fmt.Errorf("Write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("Write: short write %d of %d bytes", n, len(buf))
	}

	return nil
}

func (s *socketCAN) Receive(timeout time.Duration) (Frame, error) {
	// A zero SO_RCVTIMEO means block forever, so ask for the smallest
	// wait the kernel honours instead.
	if timeout <= 0 {
		timeout = time.Microsecond
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return Frame{}, fmt.Errorf("SetsockoptTimeval: %w", err)
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, wireLen)

	for {
		n, err := unix.Read(s.fd, buf)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return Frame{}, ErrTimeout
		}
		if errors.Is(err, unix.EINTR) {
			if time.Now().After(deadline) {
				return Frame{}, ErrTimeout
			}
			continue
		}
		if err != nil {
			return Frame{}, fmt.Errorf("Read: %w", err)
		}

		var f Frame
		if err = f.UnmarshalBinary(buf[:n]); err != nil {
			return Frame{}, err
		}

		return f, nil
	}
}

func (s *socketCAN) Close() error {
	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	return nil
}
