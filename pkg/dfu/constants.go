package dfu

import "fmt"

// Control register bits.
const (
	ControlEnable    byte = 1 << 0
	ControlCommit    byte = 1 << 1
	ControlDelta     byte = 1 << 2
	ControlFlowPause byte = 1 << 7

	// ControlReadOnlyMask covers the bits only the service may change.
	ControlReadOnlyMask = ControlFlowPause
)

// Status is the first byte of a status characteristic value.
type Status byte

const (
	StatusIdle                Status = 0x00
	StatusUpdateSuccessful    Status = 0x01
	StatusUnknownFailure      Status = 0x02
	StatusValidationFailure   Status = 0x03
	StatusInstallationFailure Status = 0x04
	StatusApplicationOversize Status = 0x05
	StatusFlashError          Status = 0x06
	StatusHardwareError       Status = 0x07
	StatusNoSession           Status = 0x08

	// StatusSyncLostBit is or'ed with the expected sequence ID.
	StatusSyncLostBit Status = 0x80
)

func (s Status) String() string {
	if s&StatusSyncLostBit != 0 {
		return fmt.Sprintf("sync-lost(expected=%d)", byte(s&^StatusSyncLostBit))
	}
	switch s {
	case StatusIdle:
		return "idle"
	case StatusUpdateSuccessful:
		return "update-successful"
	case StatusUnknownFailure:
		return "unknown-failure"
	case StatusValidationFailure:
		return "validation-failure"
	case StatusInstallationFailure:
		return "installation-failure"
	case StatusApplicationOversize:
		return "application-oversize"
	case StatusFlashError:
		return "flash-error"
	case StatusHardwareError:
		return "hardware-error"
	case StatusNoSession:
		return "no-session"
	}
	return fmt.Sprintf("status(0x%02x)", byte(s))
}

// AuthReply is the reply to a write authorization request, in the ATT error
// code space. ReplySuccess accepts the write.
type AuthReply uint16

const (
	ReplySuccess                     AuthReply = 0x0000
	ReplyWriteNotPermitted           AuthReply = 0x0103
	ReplyInvalidOffset               AuthReply = 0x0107
	ReplyInvalidAttributeValueLength AuthReply = 0x010D
	ReplyOutOfSync                   AuthReply = 0x0194
	ReplyNotAllowed                  AuthReply = 0x019C
	ReplyReadOnly                    AuthReply = 0x019D
	ReplyBusy                        AuthReply = 0x019E
	ReplyInvalidSlot                 AuthReply = 0x019F
	ReplyWriteRequestRejected        AuthReply = 0x01FC
)

func (r AuthReply) String() string {
	switch r {
	case ReplySuccess:
		return "success"
	case ReplyWriteNotPermitted:
		return "write-not-permitted"
	case ReplyInvalidOffset:
		return "invalid-offset"
	case ReplyInvalidAttributeValueLength:
		return "invalid-length"
	case ReplyOutOfSync:
		return "out-of-sync"
	case ReplyNotAllowed:
		return "not-allowed"
	case ReplyReadOnly:
		return "read-only"
	case ReplyBusy:
		return "busy"
	case ReplyInvalidSlot:
		return "invalid-slot"
	case ReplyWriteRequestRejected:
		return "write-rejected"
	}
	return fmt.Sprintf("reply(0x%04x)", uint16(r))
}

// Characteristic identifies one of the DFU service characteristics.
type Characteristic uint8

const (
	CharSlot Characteristic = iota + 1
	CharOffset
	CharBinaryStream
	CharControl
	CharStatus
)

func (c Characteristic) String() string {
	switch c {
	case CharSlot:
		return "slot"
	case CharOffset:
		return "offset"
	case CharBinaryStream:
		return "binary-stream"
	case CharControl:
		return "control"
	case CharStatus:
		return "status"
	}
	return fmt.Sprintf("characteristic(%d)", uint8(c))
}
