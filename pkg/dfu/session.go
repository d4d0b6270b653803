package dfu

import "fmt"

// EndReason says why a session ended.
type EndReason int

const (
	EndStopped EndReason = iota
	EndCommitted
	EndDisconnected
	EndFailed
)

func (r EndReason) String() string {
	switch r {
	case EndStopped:
		return "stopped"
	case EndCommitted:
		return "committed"
	case EndDisconnected:
		return "disconnected"
	case EndFailed:
		return "failed"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// SessionEnd describes a finished session.
type SessionEnd struct {
	Reason  EndReason
	Slot    int
	Written uint64
	Offset  uint64
}

// SessionHandler observes session ends.
type SessionHandler interface {
	OnSessionEnd(SessionEnd)
}

// TransferSession tracks fragment sequencing and the write offset of one
// session. It is not safe for concurrent use.
type TransferSession struct {
	modulus int

	active     bool
	syncLost   bool
	committing bool
	degraded   bool
	expected   byte
	offset     uint64
	written    uint64
}

// NewTransferSession creates an idle session whose sequence IDs wrap at
// modulus.
func NewTransferSession(modulus int) *TransferSession {
	return &TransferSession{modulus: modulus}
}

// Start enters a session writing at offset.
func (t *TransferSession) Start(offset uint64) {
	*t = TransferSession{
		modulus: t.modulus,
		active:  true,
		offset:  offset,
	}
}

// End returns to idle, resetting every counter.
func (t *TransferSession) End() {
	*t = TransferSession{modulus: t.modulus}
}

// Accept checks a fragment sequence ID. On a match the expected ID advances.
// On a mismatch the session loses sync; lost is true only for the fragment
// that caused the loss.
func (t *TransferSession) Accept(id byte) (ok, lost bool) {
	if t.syncLost {
		return false, false
	}
	if id != t.expected {
		t.syncLost = true
		return false, true
	}
	t.expected = byte((int(t.expected) + 1) % t.modulus)
	return true, false
}

// Resync clears a lost sync and restarts the sequence at 0.
func (t *TransferSession) Resync() {
	t.syncLost = false
	t.expected = 0
}

// SetOffset moves the write position.
func (t *TransferSession) SetOffset(offset uint64) { t.offset = offset }

// Advance records n bytes programmed at the current offset.
func (t *TransferSession) Advance(n uint64) {
	t.offset += n
	t.written += n
}

// BeginCommit marks the session as draining towards a commit.
func (t *TransferSession) BeginCommit() { t.committing = true }

// Degrade marks the session failed. Fragments are refused until it ends.
func (t *TransferSession) Degrade() {
	t.degraded = true
	t.committing = false
}

func (t *TransferSession) Active() bool     { return t.active }
func (t *TransferSession) SyncLost() bool   { return t.syncLost }
func (t *TransferSession) Expected() byte   { return t.expected }
func (t *TransferSession) Offset() uint64   { return t.offset }
func (t *TransferSession) Written() uint64  { return t.written }
func (t *TransferSession) Committing() bool { return t.committing }
func (t *TransferSession) Degraded() bool   { return t.degraded }
