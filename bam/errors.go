// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package bam

import "fmt"

type constError string

func (err constError) Error() string {
	return string(err)
}

const (
	ErrOpen             = constError("open CAN bus")
	ErrSend             = constError("send frame")
	ErrReceive          = constError("receive frame")
	ErrEchoMismatch     = constError("no matching echo from target")
	ErrInvalidLength    = constError("image length does not fit the 31 bit size field")
	ErrInvalidChunkSize = constError("data chunk must be 1..8 bytes")
	ErrEmptyImage       = constError("image is empty")
	ErrSizeMismatch     = constError("image length differs from negotiated size")
	ErrPhaseOrder       = constError("phase out of order")
)

// Phase is one of the three steps of the BAM protocol.
type Phase int

const (
	PhasePassword Phase = iota
	PhaseAddress
	PhaseCode
)

func (p Phase) String() string {
	switch p {
	case PhasePassword:
		return "password"

	case PhaseAddress:
		return "loading address"

	case PhaseCode:
		return "code"

	default:
		return "unknown phase"
	}
}

// PhaseError tells which phase, and for the code phase which chunk,
// failed. Err holds one of the sentinel errors of this package,
// possibly wrapping a transport error.
type PhaseError struct {
	Phase Phase
	// Chunk is the 0-based index of the failing data chunk out of
	// Chunks. Both are 0 outside the code phase.
	Chunk  int
	Chunks int
	Err    error
}

func (e *PhaseError) Error() string {
	if e.Chunks > 0 {
		return fmt.Sprintf("send %v: chunk %d of %d at offset %d: %v",
			e.Phase, e.Chunk+1, e.Chunks, e.Chunk*ChunkSize, e.Err)
	}
	return fmt.Sprintf("send %v: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
