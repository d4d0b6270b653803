package dfu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/librescoot/dfu-service/pkg/storage"
)

type note struct {
	char  Characteristic
	value []byte
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (r *recordingNotifier) Notify(c Characteristic, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{c, append([]byte(nil), value...)})
	return nil
}

func (r *recordingNotifier) of(c Characteristic) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for _, n := range r.notes {
		if n.char == c {
			out = append(out, n.value)
		}
	}
	return out
}

func (r *recordingNotifier) reset() {
	r.mu.Lock()
	r.notes = nil
	r.mu.Unlock()
}

type recordingSessions struct {
	ends []SessionEnd
}

func (r *recordingSessions) OnSessionEnd(e SessionEnd) { r.ends = append(r.ends, e) }

// failingDevice fails every program call.
type failingDevice struct {
	*storage.MemDevice
}

func (failingDevice) Program([]byte, uint64) error { return errors.New("bit stuck") }

type harness struct {
	svc      *Service
	sched    *countingScheduler
	notes    *recordingNotifier
	sessions *recordingSessions
	dev      *storage.MemDevice
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSlots = 2
	cfg.MaxWriteLen = 257
	cfg.BufferCapacity = 1024
	cfg.PauseThreshold = 768
	cfg.ResumeThreshold = 256
	cfg.Logger = quietLogger()
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sched:    newCountingScheduler(),
		notes:    &recordingNotifier{},
		sessions: &recordingSessions{},
		dev:      newMem(t),
	}
	opts = append(opts, WithSessionHandler(h.sessions))
	svc, err := NewService(cfg, h.sched, h.notes, opts...)
	if err != nil {
		t.Fatalf("NewService() err=%v", err)
	}
	if err := svc.Assign(0, h.dev); err != nil {
		t.Fatalf("Assign() err=%v", err)
	}
	h.svc = svc
	return h
}

// start opens a session and runs the slot preparation step.
func (h *harness) start(t *testing.T) {
	t.Helper()
	if r := h.svc.Write(CharControl, []byte{ControlEnable}); r != ReplySuccess {
		t.Fatalf("start: reply %v", r)
	}
	h.sched.q.Dispatch()
	if !h.svc.InSession() {
		t.Fatalf("session should be active")
	}
	h.notes.reset()
}

func fragment(id byte, payload []byte) []byte {
	return append([]byte{id}, payload...)
}

func sequential(i, n int) []byte {
	p := make([]byte, n)
	for j := range p {
		p[j] = byte(16*i + j)
	}
	return p
}

func offsetValue(off uint32) []byte {
	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, off)
	return v
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	var want []byte
	for i := 0; i < 16; i++ {
		p := sequential(i, 256)
		want = append(want, p...)
		if r := h.svc.Write(CharBinaryStream, fragment(byte(i), p)); r != ReplySuccess {
			t.Fatalf("fragment %d: reply %v", i, r)
		}
		h.sched.q.Dispatch()
	}

	if !bytes.Equal(h.dev.Bytes(), want) {
		t.Fatalf("storage does not match the fragment stream")
	}
	if h.svc.Offset() != 4096 {
		t.Fatalf("Offset()=%d, want 4096", h.svc.Offset())
	}

	if r := h.svc.Write(CharControl, []byte{ControlEnable | ControlCommit}); r != ReplySuccess {
		t.Fatalf("commit: reply %v", r)
	}
	h.sched.q.Dispatch()

	if h.svc.InSession() {
		t.Fatalf("commit should end the session")
	}
	if h.svc.ControlBits() != 0 {
		t.Fatalf("enable and commit should be cleared, got 0x%02x", h.svc.ControlBits())
	}
	if len(h.sessions.ends) != 1 {
		t.Fatalf("expected one session end, got %d", len(h.sessions.ends))
	}
	end := h.sessions.ends[0]
	if end.Reason != EndCommitted || end.Written != 4096 {
		t.Fatalf("unexpected session end %+v", end)
	}
}

func TestCommitPadsTail(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	h.svc.Write(CharBinaryStream, fragment(0, sequential(0, 256)))
	h.svc.Write(CharBinaryStream, fragment(1, sequential(1, 100)))
	h.sched.q.Dispatch()
	if h.svc.Buffered() != 100 {
		t.Fatalf("partial unit should stay buffered, Buffered()=%d", h.svc.Buffered())
	}

	h.svc.Write(CharControl, []byte{ControlEnable | ControlCommit})
	h.sched.q.Dispatch()

	got := h.dev.Bytes()[256:512]
	want := append(sequential(1, 100), bytes.Repeat([]byte{0xFF}, 156)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("tail should be padded with the erase value")
	}
	if e := h.sessions.ends; len(e) != 1 || e[0].Offset != 512 {
		t.Fatalf("unexpected session ends %+v", e)
	}
}

func TestSyncLost(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	h.svc.Write(CharBinaryStream, fragment(0, sequential(0, 100)))
	h.svc.Write(CharBinaryStream, fragment(2, sequential(2, 100)))

	if !h.svc.SyncLost() {
		t.Fatalf("skipped fragment should lose sync")
	}
	status := h.notes.of(CharStatus)
	if len(status) != 1 || !bytes.Equal(status[0], []byte{0x81}) {
		t.Fatalf("expected sync-lost status {0x81}, got %x", status)
	}
	if h.svc.Buffered() != 100 {
		t.Fatalf("only fragment 0 should be buffered, Buffered()=%d", h.svc.Buffered())
	}

	// The next expected fragment is ignored until resync.
	h.svc.Write(CharBinaryStream, fragment(1, sequential(1, 100)))
	if !h.svc.SyncLost() || h.svc.Buffered() != 100 {
		t.Fatalf("fragments must be ignored while sync is lost")
	}

	// Control writes other than abort are refused and repeat the status.
	if r := h.svc.Write(CharControl, []byte{ControlEnable | ControlCommit}); r != ReplyOutOfSync {
		t.Fatalf("commit while out of sync: reply %v", r)
	}
	if n := len(h.notes.of(CharStatus)); n != 2 {
		t.Fatalf("expected the sync-lost status to be repeated, got %d notifications", n)
	}

	// Resync by rewriting the offset. The first attempt drains the buffer.
	if r := h.svc.Write(CharOffset, offsetValue(0)); r != ReplyBusy {
		t.Fatalf("offset write with buffered data: reply %v", r)
	}
	h.sched.q.Dispatch()
	if h.svc.Offset() != 256 {
		t.Fatalf("padded flush should advance to 256, Offset()=%d", h.svc.Offset())
	}
	if r := h.svc.Write(CharOffset, offsetValue(256)); r != ReplySuccess {
		t.Fatalf("offset write: reply %v", r)
	}
	if h.svc.SyncLost() {
		t.Fatalf("offset write should resync")
	}
	if r := h.svc.Write(CharBinaryStream, fragment(0, sequential(1, 100))); r != ReplySuccess || h.svc.Buffered() != 100 {
		t.Fatalf("fragment 0 should be accepted after resync")
	}
}

func TestRestartResync(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	h.svc.Write(CharBinaryStream, fragment(5, sequential(0, 10)))
	if !h.svc.SyncLost() {
		t.Fatalf("expected sync loss")
	}
	if r := h.svc.Write(CharControl, []byte{ControlEnable}); r != ReplySuccess {
		t.Fatalf("restart: reply %v", r)
	}
	if h.svc.SyncLost() || !h.svc.InSession() {
		t.Fatalf("restart should resync and keep the session")
	}
}

func TestBusyRequestsOneFlush(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	h.svc.Write(CharBinaryStream, fragment(0, sequential(0, 100)))
	h.sched.q.Dispatch()
	if h.svc.Buffered() != 100 {
		t.Fatalf("Buffered()=%d, want 100", h.svc.Buffered())
	}

	calls := h.sched.calls
	if r := h.svc.Write(CharOffset, offsetValue(0)); r != ReplyBusy {
		t.Fatalf("offset write: reply %v, want busy", r)
	}
	if r := h.svc.Write(CharOffset, offsetValue(0)); r != ReplyBusy {
		t.Fatalf("second offset write: reply %v, want busy", r)
	}
	if got := h.sched.calls - calls; got != 1 {
		t.Fatalf("busy should schedule exactly one flush, scheduled %d", got)
	}
	if h.svc.ControlBits()&ControlFlowPause == 0 {
		t.Fatalf("flow-pause should be asserted while draining")
	}

	h.sched.q.Dispatch()
	if h.svc.Buffered() != 0 || h.svc.ControlBits()&ControlFlowPause != 0 {
		t.Fatalf("drain should empty the buffer and release flow-pause")
	}
	if r := h.svc.Write(CharOffset, offsetValue(512)); r != ReplySuccess {
		t.Fatalf("offset write after drain: reply %v", r)
	}
	if h.svc.Offset() != 512 {
		t.Fatalf("Offset()=%d, want 512", h.svc.Offset())
	}
}

func TestDisconnectDiscardsBuffer(t *testing.T) {
	for _, noCancel := range []bool{false, true} {
		h := newHarness(t, testConfig())
		h.sched.noCancel = noCancel
		h.start(t)
		programs := h.dev.Programs

		h.svc.Write(CharBinaryStream, fragment(0, sequential(0, 256)))
		h.svc.Disconnect()

		if h.svc.InSession() || h.svc.Buffered() != 0 {
			t.Fatalf("disconnect should reset the session")
		}
		h.sched.q.Dispatch()
		if h.dev.Programs != programs {
			t.Fatalf("noCancel=%v: stale flush programmed %d times", noCancel, h.dev.Programs-programs)
		}
		if e := h.sessions.ends; len(e) != 1 || e[0].Reason != EndDisconnected {
			t.Fatalf("unexpected session ends %+v", e)
		}
		if len(h.notes.of(CharControl)) != 0 {
			t.Fatalf("no notifications are sent after disconnect")
		}
	}
}

func TestFlowControlHysteresis(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	calls := h.sched.calls

	for i := 0; i < 3; i++ {
		h.svc.Write(CharBinaryStream, fragment(byte(i), sequential(i, 256)))
	}
	if got := h.sched.calls - calls; got != 1 {
		t.Fatalf("flush requests should collapse to one item, got %d", got)
	}
	ctrl := h.notes.of(CharControl)
	if len(ctrl) != 1 || ctrl[0][0] != ControlEnable|ControlFlowPause {
		t.Fatalf("expected one pause notification, got %x", ctrl)
	}

	// Paused: further fragments are dropped without consuming an ID.
	h.svc.Write(CharBinaryStream, fragment(3, sequential(3, 256)))
	if h.svc.Buffered() != 768 || len(h.notes.of(CharControl)) != 1 {
		t.Fatalf("paused writes must not buffer or re-notify")
	}

	h.sched.q.Dispatch()
	ctrl = h.notes.of(CharControl)
	if len(ctrl) != 2 || ctrl[1][0] != ControlEnable {
		t.Fatalf("expected resume notification, got %x", ctrl)
	}
	if r := h.svc.Write(CharBinaryStream, fragment(3, sequential(3, 256))); r != ReplySuccess || h.svc.SyncLost() {
		t.Fatalf("dropped fragment should be resendable with the same ID")
	}
}

func TestFlowPauseReleasesPartialUnit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logger = quietLogger()
	h := newHarness(t, cfg)
	h.start(t)

	var want []byte
	for i := 0; i < 3; i++ {
		p := sequential(i, 168)
		want = append(want, p...)
		h.svc.Write(CharBinaryStream, fragment(byte(i), p))
	}
	if h.svc.ControlBits()&ControlFlowPause == 0 {
		t.Fatalf("504 buffered bytes should assert flow-pause")
	}

	// One unit is programmed, leaving 248 bytes: above the resume
	// watermark but less than a program unit.
	h.sched.q.Dispatch()
	if h.svc.Buffered() != 248 {
		t.Fatalf("Buffered()=%d, want 248", h.svc.Buffered())
	}
	if h.svc.ControlBits()&ControlFlowPause != 0 {
		t.Fatalf("flow-pause must clear when less than a program unit is left")
	}

	p := sequential(3, 168)
	want = append(want, p...)
	if r := h.svc.Write(CharBinaryStream, fragment(3, p)); r != ReplySuccess || h.svc.Buffered() != 416 {
		t.Fatalf("fragment 3 should be buffered: reply %v, Buffered()=%d", r, h.svc.Buffered())
	}
	h.sched.q.Dispatch()

	h.svc.Write(CharControl, []byte{ControlEnable | ControlCommit})
	h.sched.q.Dispatch()
	if !bytes.Equal(h.dev.Bytes()[:len(want)], want) {
		t.Fatalf("storage does not match the fragment stream")
	}
	if e := h.sessions.ends; len(e) != 1 || e[0].Reason != EndCommitted {
		t.Fatalf("unexpected session ends %+v", e)
	}
}

func TestRoundTripSequenceWrap(t *testing.T) {
	cfg := testConfig()
	cfg.SequenceModulus = 4
	h := newHarness(t, cfg)
	h.start(t)

	var want []byte
	for i := 0; i < 16; i++ {
		p := sequential(i, 256)
		want = append(want, p...)
		if r := h.svc.Write(CharBinaryStream, fragment(byte(i%4), p)); r != ReplySuccess {
			t.Fatalf("fragment %d: reply %v", i, r)
		}
		if h.svc.SyncLost() {
			t.Fatalf("fragment %d (id %d) lost sync", i, i%4)
		}
		h.sched.q.Dispatch()
	}
	if !bytes.Equal(h.dev.Bytes(), want) {
		t.Fatalf("storage does not match the fragment stream")
	}

	// With the slot full the next ID is 0 again; 4 is outside the range.
	h.svc.Write(CharBinaryStream, fragment(4, sequential(0, 16)))
	status := h.notes.of(CharStatus)
	if !h.svc.SyncLost() || len(status) == 0 || !bytes.Equal(status[len(status)-1], []byte{0x80}) {
		t.Fatalf("id 4 should lose sync with expected 0, status %x", status)
	}
}

func TestAssignRejectsOversizedProgramUnit(t *testing.T) {
	h := newHarness(t, testConfig())
	dev, err := storage.NewMemDevice(storage.Geometry{Size: 8192, ProgramSize: 1024, EraseSize: 4096, EraseValue: 0xFF})
	if err != nil {
		t.Fatalf("NewMemDevice() err=%v", err)
	}
	if err := h.svc.Assign(1, dev); !errors.Is(err, ErrGeometry) {
		t.Fatalf("expected ErrGeometry, got %v", err)
	}
	if h.svc.Slots().Bound(1) {
		t.Fatalf("rejected device must not be bound")
	}
}

func TestWriteValidation(t *testing.T) {
	h := newHarness(t, testConfig())

	tests := []struct {
		name  string
		char  Characteristic
		value []byte
		want  AuthReply
	}{
		{"unbound slot", CharSlot, []byte{1}, ReplyInvalidSlot},
		{"slot out of range", CharSlot, []byte{9}, ReplyInvalidSlot},
		{"slot length", CharSlot, []byte{0, 0}, ReplyInvalidAttributeValueLength},
		{"offset length", CharOffset, []byte{0, 0, 0}, ReplyInvalidAttributeValueLength},
		{"offset unaligned", CharOffset, offsetValue(100), ReplyInvalidOffset},
		{"offset past end", CharOffset, offsetValue(4096), ReplyInvalidOffset},
		{"read-only bit", CharControl, []byte{ControlEnable | ControlFlowPause}, ReplyReadOnly},
		{"commit without session", CharControl, []byte{ControlCommit}, ReplyNotAllowed},
		{"status is read-only", CharStatus, []byte{0}, ReplyWriteNotPermitted},
		{"fragment too long", CharBinaryStream, make([]byte, 258), ReplyInvalidAttributeValueLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.svc.Write(tt.char, tt.value); got != tt.want {
				t.Fatalf("reply %v, want %v", got, tt.want)
			}
		})
	}
	if h.svc.ControlBits() != 0 || h.svc.InSession() {
		t.Fatalf("rejected writes must not change state")
	}
}

func TestFragmentWithoutSession(t *testing.T) {
	h := newHarness(t, testConfig())

	h.svc.Write(CharBinaryStream, fragment(0, []byte{1, 2, 3}))
	status := h.notes.of(CharStatus)
	if len(status) != 1 || status[0][0] != byte(StatusNoSession) {
		t.Fatalf("expected no-session status, got %x", status)
	}

	// Empty fragments are ignored silently.
	h.svc.Write(CharBinaryStream, []byte{0})
	if len(h.notes.of(CharStatus)) != 1 {
		t.Fatalf("empty fragment should not notify")
	}
}

func TestSlotSelectErases(t *testing.T) {
	h := newHarness(t, testConfig())
	other := newMem(t)
	h.svc.Assign(1, other)

	if r := h.svc.Write(CharSlot, []byte{1}); r != ReplySuccess {
		t.Fatalf("slot write: reply %v", r)
	}
	if h.svc.ControlBits()&ControlFlowPause == 0 {
		t.Fatalf("flow-pause should be asserted while the slot is prepared")
	}
	if r := h.svc.Write(CharSlot, []byte{0}); r != ReplyBusy {
		t.Fatalf("slot write during preparation: reply %v, want busy", r)
	}

	h.sched.q.Dispatch()
	if other.Erases != 4 || h.svc.Slots().Selected() != 1 {
		t.Fatalf("slot 1 should be selected and erased region by region, erases=%d", other.Erases)
	}
	if h.svc.ControlBits()&ControlFlowPause != 0 {
		t.Fatalf("flow-pause should be released after preparation")
	}

	// Starting on the freshly erased slot does not erase again.
	h.start(t)
	if other.Erases != 4 {
		t.Fatalf("clean slot erased again")
	}
}

func TestPrepareErasesOneRegionPerStep(t *testing.T) {
	h := newHarness(t, testConfig())
	other := newMem(t)
	h.svc.Assign(1, other)
	regions := int(testGeometry.Size / testGeometry.EraseSize)

	h.svc.Write(CharSlot, []byte{1})
	for i := 1; i <= regions; i++ {
		if !h.sched.q.DispatchOnce() {
			t.Fatalf("queue ran dry after %d steps", i-1)
		}
		if other.Erases != i {
			t.Fatalf("step %d: erases=%d", i, other.Erases)
		}
		paused := h.svc.ControlBits()&ControlFlowPause != 0
		if last := i == regions; paused == last || h.svc.Snapshot().Preparing == last {
			t.Fatalf("step %d of %d: paused=%v preparing=%v", i, regions, paused, h.svc.Snapshot().Preparing)
		}
	}
	if h.sched.q.Pending() != 0 {
		t.Fatalf("preparation should be finished")
	}
	if !bytes.Equal(other.Bytes(), bytes.Repeat([]byte{0xFF}, int(testGeometry.Size))) {
		t.Fatalf("slot should be fully erased")
	}
}

func TestDisconnectStopsErase(t *testing.T) {
	for _, noCancel := range []bool{false, true} {
		h := newHarness(t, testConfig())
		h.sched.noCancel = noCancel
		other := newMem(t)
		h.svc.Assign(1, other)

		h.svc.Write(CharSlot, []byte{1})
		h.sched.q.DispatchOnce()
		h.sched.q.DispatchOnce()
		h.svc.Disconnect()
		h.sched.q.Dispatch()

		if other.Erases != 2 {
			t.Fatalf("noCancel=%v: erase continued after disconnect, erases=%d", noCancel, other.Erases)
		}
		if h.svc.Snapshot().Preparing || h.svc.ControlBits() != 0 {
			t.Fatalf("noCancel=%v: disconnect should clear preparation", noCancel)
		}

		// The next preparation finishes the interrupted erase.
		h.svc.Write(CharSlot, []byte{1})
		h.sched.q.Dispatch()
		if other.Erases != 4 || h.svc.Slots().Selected() != 1 {
			t.Fatalf("noCancel=%v: erase should resume, erases=%d", noCancel, other.Erases)
		}
	}
}

func TestFlashErrorDegradesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.svc.Assign(1, failingDevice{newMem(t)})
	h.svc.Write(CharSlot, []byte{1})
	h.sched.q.Dispatch()
	h.start(t)

	h.svc.Write(CharBinaryStream, fragment(0, sequential(0, 256)))
	h.sched.q.Dispatch()

	status := h.notes.of(CharStatus)
	if len(status) != 1 || !bytes.Equal(status[0], []byte{byte(StatusFlashError), 1}) {
		t.Fatalf("expected flash error status, got %x", status)
	}
	h.svc.Write(CharBinaryStream, fragment(1, sequential(1, 256)))
	if h.svc.Buffered() != 0 {
		t.Fatalf("degraded session must not buffer")
	}
	if r := h.svc.Write(CharControl, []byte{ControlEnable | ControlCommit}); r != ReplyNotAllowed {
		t.Fatalf("commit of failed session: reply %v", r)
	}

	h.svc.Write(CharControl, []byte{0})
	if e := h.sessions.ends; len(e) != 1 || e[0].Reason != EndFailed {
		t.Fatalf("unexpected session ends %+v", e)
	}
}

func TestOversize(t *testing.T) {
	h := newHarness(t, testConfig())
	if r := h.svc.Write(CharOffset, offsetValue(3840)); r != ReplySuccess {
		t.Fatalf("offset write: reply %v", r)
	}
	h.start(t)
	if h.svc.Offset() != 3840 {
		t.Fatalf("session should start at the written offset, got %d", h.svc.Offset())
	}

	h.svc.Write(CharBinaryStream, fragment(0, sequential(0, 256)))
	h.sched.q.Dispatch()
	h.svc.Write(CharBinaryStream, fragment(1, sequential(1, 256)))
	h.sched.q.Dispatch()

	status := h.notes.of(CharStatus)
	if len(status) != 1 || status[0][0] != byte(StatusApplicationOversize) {
		t.Fatalf("expected oversize status, got %x", status)
	}
	if h.svc.Offset() != 4096 {
		t.Fatalf("Offset()=%d, want 4096", h.svc.Offset())
	}
}

func TestControlHandlers(t *testing.T) {
	var seen []ControlChange
	veto := true
	h := newHarness(t, testConfig(),
		WithControlRequestHandler(func(c ControlChange) AuthReply {
			if veto && c.Set(ControlEnable) {
				return ReplyNotAllowed
			}
			return ReplySuccess
		}),
		WithControlChangeHandler(func(c ControlChange) { seen = append(seen, c) }),
	)

	if r := h.svc.Write(CharControl, []byte{ControlEnable}); r != ReplyNotAllowed {
		t.Fatalf("vetoed write: reply %v", r)
	}
	if h.svc.InSession() || len(seen) != 0 {
		t.Fatalf("vetoed write must not be applied")
	}

	veto = false
	h.start(t)
	if len(seen) != 1 || !seen[0].Set(ControlEnable) {
		t.Fatalf("change handler should see the start, got %v", seen)
	}

	h.svc.Write(CharControl, []byte{ControlEnable | ControlDelta})
	if h.svc.ControlBits()&ControlDelta == 0 {
		t.Fatalf("delta bit should be stored")
	}
}

func TestSetStatus(t *testing.T) {
	h := newHarness(t, testConfig())
	h.svc.SetStatus(StatusValidationFailure, 2)

	if got := h.svc.Status(); !bytes.Equal(got, []byte{0x03, 0x02}) {
		t.Fatalf("Status()=%x", got)
	}
	if n := len(h.notes.of(CharStatus)); n != 1 {
		t.Fatalf("expected one status notification, got %d", n)
	}
}
