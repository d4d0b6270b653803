package dfu

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSlot       = errors.New("invalid slot")
	ErrBusy              = errors.New("busy")
	ErrReadOnlyViolation = errors.New("read-only control bit changed")
	ErrNotAllowed        = errors.New("not allowed")
	ErrOutOfSync         = errors.New("out of sync")
	ErrInvalidLength     = errors.New("invalid value length")
	ErrInvalidOffset     = errors.New("invalid offset")
	ErrOversize          = errors.New("image exceeds slot size")
	ErrWriteNotPermitted = errors.New("write not permitted")
	ErrGeometry          = errors.New("geometry does not fit the stream buffer")
)

// SlotError reports a problem with a specific slot index.
type SlotError struct {
	Slot int
	Err  error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %d: %v", e.Slot, e.Err)
}

func (e *SlotError) Unwrap() error { return e.Err }

// FlashError is a storage I/O failure. It is never retried.
type FlashError struct {
	Op     string
	Slot   int
	Offset uint64
	Err    error
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("%s failed on slot %d at 0x%08x: %v", e.Op, e.Slot, e.Offset, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }

// ReplyFor maps an authorization error to the reply code sent to the peer.
func ReplyFor(err error) AuthReply {
	switch {
	case err == nil:
		return ReplySuccess
	case errors.Is(err, ErrInvalidSlot):
		return ReplyInvalidSlot
	case errors.Is(err, ErrBusy):
		return ReplyBusy
	case errors.Is(err, ErrReadOnlyViolation):
		return ReplyReadOnly
	case errors.Is(err, ErrNotAllowed):
		return ReplyNotAllowed
	case errors.Is(err, ErrOutOfSync):
		return ReplyOutOfSync
	case errors.Is(err, ErrInvalidLength):
		return ReplyInvalidAttributeValueLength
	case errors.Is(err, ErrInvalidOffset), errors.Is(err, ErrOversize):
		return ReplyInvalidOffset
	case errors.Is(err, ErrWriteNotPermitted):
		return ReplyWriteNotPermitted
	}
	return ReplyWriteRequestRejected
}

// statusFor maps an asynchronous failure to a status code.
func statusFor(err error) Status {
	var fe *FlashError
	switch {
	case errors.Is(err, ErrOversize):
		return StatusApplicationOversize
	case errors.As(err, &fe):
		return StatusFlashError
	}
	return StatusHardwareError
}
