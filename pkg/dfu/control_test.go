package dfu

import (
	"errors"
	"testing"
)

func TestControlRegisterReadOnlyIsAllOrNothing(t *testing.T) {
	r := NewControlRegister(ControlReadOnlyMask)

	// Enable plus an attempt to set the read-only flow-pause bit.
	_, err := r.Apply(ControlEnable | ControlDelta | ControlFlowPause)
	if !errors.Is(err, ErrReadOnlyViolation) {
		t.Fatalf("expected ErrReadOnlyViolation, got %v", err)
	}
	if r.Value() != 0 {
		t.Fatalf("rejected write must not change any bit, value=0x%02x", r.Value())
	}
}

func TestControlRegisterChange(t *testing.T) {
	r := NewControlRegister(ControlReadOnlyMask)

	change, err := r.Apply(ControlEnable)
	if err != nil {
		t.Fatalf("Apply() err=%v", err)
	}
	if !change.Set(ControlEnable) || change.Cleared(ControlEnable) {
		t.Fatalf("enable should be reported as set: %v", change)
	}
	if change.Changed() != ControlEnable {
		t.Fatalf("Changed()=0x%02x", change.Changed())
	}

	r.set(ControlFlowPause)
	// The client must echo the read-only bit as it currently is.
	if _, err := r.Check(ControlEnable); !errors.Is(err, ErrReadOnlyViolation) {
		t.Fatalf("clearing flow-pause from the client should be rejected, got %v", err)
	}
	change, err = r.Apply(ControlEnable | ControlCommit | ControlFlowPause)
	if err != nil {
		t.Fatalf("Apply() err=%v", err)
	}
	if !change.Set(ControlCommit) {
		t.Fatalf("commit should be reported as set: %v", change)
	}

	if got := r.merge(ControlEnable); got != ControlEnable|ControlFlowPause {
		t.Fatalf("merge() should keep read-only bits, got 0x%02x", got)
	}
	if !r.clear(ControlFlowPause) || r.clear(ControlFlowPause) {
		t.Fatalf("clear() should report a change exactly once")
	}
}

func TestTransferSessionSequence(t *testing.T) {
	ts := NewTransferSession(4)
	ts.Start(512)

	for i, id := range []byte{0, 1, 2, 3, 0, 1} {
		ok, lost := ts.Accept(id)
		if !ok || lost {
			t.Fatalf("fragment %d (id %d) should be accepted", i, id)
		}
	}
	if ts.Expected() != 2 {
		t.Fatalf("Expected()=%d, want 2", ts.Expected())
	}

	ok, lost := ts.Accept(3)
	if ok || !lost || !ts.SyncLost() {
		t.Fatalf("out of order fragment should lose sync")
	}
	// A correct ID does not clear the loss by itself.
	if ok, lost := ts.Accept(2); ok || lost {
		t.Fatalf("fragments are refused while sync is lost")
	}

	ts.Resync()
	if ts.SyncLost() || ts.Expected() != 0 {
		t.Fatalf("Resync() should clear the loss and restart at 0")
	}

	ts.Advance(256)
	if ts.Offset() != 768 || ts.Written() != 256 {
		t.Fatalf("Offset()=%d Written()=%d", ts.Offset(), ts.Written())
	}

	ts.End()
	if ts.Active() || ts.Offset() != 0 || ts.Written() != 0 {
		t.Fatalf("End() should reset the session")
	}
}

func TestTransferSessionRollover(t *testing.T) {
	// count returns the IDs 0..n-1 taken modulo m.
	count := func(n, m int) []byte {
		ids := make([]byte, n)
		for i := range ids {
			ids[i] = byte(i % m)
		}
		return ids
	}

	tests := []struct {
		name         string
		modulus      int
		ids          []byte
		last         byte
		wantOK       bool
		wantExpected byte
	}{
		{"full range then wrap", 128, count(128, 128), 0, true, 1},
		{"id past the modulus", 128, count(128, 128), 128, false, 0},
		{"small modulus wraps repeatedly", 4, count(13, 4), 1, true, 2},
		{"small modulus rejects its own value", 4, count(8, 4), 4, false, 0},
		{"two ids", 2, count(5, 2), 1, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := NewTransferSession(tt.modulus)
			ts.Start(0)
			for i, id := range tt.ids {
				if ok, lost := ts.Accept(id); !ok || lost {
					t.Fatalf("fragment %d (id %d) should be accepted", i, id)
				}
			}

			ok, lost := ts.Accept(tt.last)
			if ok != tt.wantOK || lost == tt.wantOK {
				t.Fatalf("Accept(%d)=(%v, %v), want ok=%v", tt.last, ok, lost, tt.wantOK)
			}
			if ts.SyncLost() == tt.wantOK {
				t.Fatalf("SyncLost()=%v after id %d", ts.SyncLost(), tt.last)
			}
			if ts.Expected() != tt.wantExpected {
				t.Fatalf("Expected()=%d, want %d", ts.Expected(), tt.wantExpected)
			}
		})
	}
}
