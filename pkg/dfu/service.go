package dfu

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/librescoot/dfu-service/pkg/events"
	"github.com/librescoot/dfu-service/pkg/storage"
)

// Notifier pushes a characteristic value to subscribed peers.
type Notifier interface {
	Notify(c Characteristic, value []byte) error
}

type discardNotifier struct{}

func (discardNotifier) Notify(Characteristic, []byte) error { return nil }

type notification struct {
	char  Characteristic
	value []byte
}

// outbox collects side effects produced under the service lock. They are
// delivered once the lock is released.
type outbox struct {
	notes   []notification
	changes []ControlChange
	ends    []SessionEnd
}

func (o *outbox) notify(c Characteristic, value ...byte) {
	o.notes = append(o.notes, notification{char: c, value: value})
}

// State is a point-in-time view of the service.
type State struct {
	Status    []byte
	Control   byte
	Slot      int
	Offset    uint64
	InSession bool
	SyncLost  bool
	Preparing bool
	Buffered  int
}

// Service is the DFU protocol endpoint the GATT layer calls into. Writes are
// two-phase: AuthorizeWrite validates, OnDataWritten applies. Storage work
// runs as deferred steps on the Scheduler, one program or erase per step.
//
// The service lock is never held across storage I/O, notifications or
// application handlers.
type Service struct {
	cfg      Config
	log      log.FieldLogger
	slots    *SlotStore
	sched    Scheduler
	notifier Notifier

	onControlRequest func(ControlChange) AuthReply
	onControlChange  func(ControlChange)
	sessions         SessionHandler

	mu        sync.Mutex
	control   *ControlRegister
	buf       *StreamBuffer
	session   *TransferSession
	flush     *FlushScheduler
	slot      int
	offset    uint64
	paused    bool
	preparing bool
	prepare   events.Handle
	status    []byte
	epoch     uint64
}

// NewService creates a service with cfg.MaxSlots unbound slots.
func NewService(cfg Config, sched Scheduler, notifier Notifier, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dfu config: %w", err)
	}
	if sched == nil {
		return nil, errors.New("dfu: scheduler required")
	}
	if notifier == nil {
		notifier = discardNotifier{}
	}

	s := &Service{
		cfg:      cfg,
		log:      cfg.Logger,
		sched:    sched,
		notifier: notifier,
		control:  NewControlRegister(ControlReadOnlyMask),
		buf:      NewStreamBuffer(cfg.BufferCapacity, cfg.PauseThreshold, cfg.ResumeThreshold),
		session:  NewTransferSession(cfg.SequenceModulus),
		status:   []byte{byte(StatusIdle)},
	}
	if s.log == nil {
		s.log = log.StandardLogger()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.slots = NewSlotStore(cfg.MaxSlots, s.log)
	s.flush = NewFlushScheduler(sched, s.flushStep)
	return s, nil
}

// Assign binds a storage device to a slot index. The slot of a running
// session cannot be rebound, and the device's program unit must fit the
// stream buffer.
func (s *Service) Assign(index int, dev storage.Device) error {
	s.mu.Lock()
	busy := s.session.Active() && s.slot == index
	s.mu.Unlock()
	if busy {
		return &SlotError{Slot: index, Err: ErrBusy}
	}
	if dev != nil {
		if err := s.cfg.CheckGeometry(storage.GeometryOf(dev)); err != nil {
			return &SlotError{Slot: index, Err: err}
		}
	}
	return s.slots.Assign(index, dev)
}

// Slots exposes the slot store.
func (s *Service) Slots() *SlotStore { return s.slots }

// Close deinitializes the selected slot device.
func (s *Service) Close() error { return s.slots.Close() }

// Write authorizes and, on success, applies a write.
func (s *Service) Write(c Characteristic, value []byte) AuthReply {
	reply := s.AuthorizeWrite(c, value)
	if reply == ReplySuccess {
		s.OnDataWritten(c, value)
	}
	return reply
}

// AuthorizeWrite validates a write before the GATT layer commits it. No
// state changes on rejection, except that a Busy rejection requests a full
// flush.
func (s *Service) AuthorizeWrite(c Characteristic, value []byte) AuthReply {
	var out outbox
	s.mu.Lock()
	change, err := s.authorizeLocked(c, value, &out)
	s.mu.Unlock()
	s.deliver(&out)

	if err != nil {
		s.log.WithFields(log.Fields{"char": c, "len": len(value)}).Warnf("write rejected: %v", err)
		return ReplyFor(err)
	}
	if c == CharControl && s.onControlRequest != nil {
		if reply := s.onControlRequest(change); reply != ReplySuccess {
			s.log.WithField("change", change).Warnf("control write vetoed: %v", reply)
			return reply
		}
	}
	return ReplySuccess
}

func (s *Service) authorizeLocked(c Characteristic, value []byte, out *outbox) (ControlChange, error) {
	switch c {
	case CharSlot:
		if len(value) != 1 {
			return ControlChange{}, ErrInvalidLength
		}
		index := int(value[0])
		if !s.slots.Bound(index) {
			return ControlChange{}, &SlotError{Slot: index, Err: ErrInvalidSlot}
		}
		return ControlChange{}, s.checkBusyLocked(out)

	case CharOffset:
		if len(value) != 4 {
			return ControlChange{}, ErrInvalidLength
		}
		geo, err := s.slots.Geometry(s.slot)
		if err != nil {
			return ControlChange{}, err
		}
		off := uint64(s.cfg.OffsetByteOrder.Uint32(value))
		if off%geo.ProgramSize != 0 || off >= geo.Size {
			return ControlChange{}, fmt.Errorf("offset 0x%08x: %w", off, ErrInvalidOffset)
		}
		return ControlChange{}, s.checkBusyLocked(out)

	case CharControl:
		if len(value) != 1 {
			return ControlChange{}, ErrInvalidLength
		}
		change, err := s.control.Check(value[0])
		if err != nil {
			return change, err
		}
		return change, s.checkControlLocked(change, out)

	case CharBinaryStream:
		if len(value) > s.cfg.MaxWriteLen {
			return ControlChange{}, ErrInvalidLength
		}
		return ControlChange{}, nil
	}
	return ControlChange{}, ErrWriteNotPermitted
}

// checkBusyLocked refuses slot and offset changes while data is in flight.
// A refusal with buffered bytes drains them with a padded flush.
func (s *Service) checkBusyLocked(out *outbox) error {
	if s.buf.Empty() && !s.flush.Pending() && !s.preparing {
		return nil
	}
	if s.session.Active() && !s.buf.Empty() {
		s.requestFullFlushLocked(out)
	}
	return ErrBusy
}

func (s *Service) checkControlLocked(change ControlChange, out *outbox) error {
	active := s.session.Active()

	if active && s.session.SyncLost() && !change.Cleared(ControlEnable) {
		restart := s.cfg.Resync&ResyncOnRestart != 0 &&
			change.New&ControlEnable != 0 && !change.Set(ControlCommit)
		if !restart {
			out.notify(CharStatus, s.syncLostStatus())
			return ErrOutOfSync
		}
		return s.checkBusyLocked(out)
	}

	if change.Set(ControlEnable) {
		if change.New&ControlCommit != 0 {
			return fmt.Errorf("commit together with enable: %w", ErrNotAllowed)
		}
		if !s.slots.Bound(s.slot) {
			return &SlotError{Slot: s.slot, Err: ErrInvalidSlot}
		}
		if s.preparing {
			return ErrBusy
		}
		return nil
	}

	if change.Set(ControlCommit) {
		if !active || change.New&ControlEnable == 0 {
			return fmt.Errorf("commit without session: %w", ErrNotAllowed)
		}
		if s.session.Degraded() {
			return fmt.Errorf("commit of failed session: %w", ErrNotAllowed)
		}
	}
	return nil
}

// OnDataWritten applies a write that AuthorizeWrite accepted.
func (s *Service) OnDataWritten(c Characteristic, value []byte) {
	var out outbox
	s.mu.Lock()
	switch {
	case c == CharSlot && len(value) == 1:
		s.selectSlotLocked(int(value[0]), &out)
	case c == CharOffset && len(value) == 4:
		s.setOffsetLocked(uint64(s.cfg.OffsetByteOrder.Uint32(value)))
	case c == CharControl && len(value) == 1:
		s.applyControlLocked(value[0], &out)
	case c == CharBinaryStream:
		s.writeFragmentLocked(value, &out)
	default:
		s.log.WithFields(log.Fields{"char": c, "len": len(value)}).Warn("ignoring malformed write")
	}
	s.mu.Unlock()
	s.deliver(&out)
}

func (s *Service) selectSlotLocked(index int, out *outbox) {
	s.log.WithField("slot", index).Info("slot selected")
	s.slot = index
	s.offset = 0
	if s.session.Active() {
		s.session.SetOffset(0)
		if s.session.SyncLost() && s.cfg.Resync&ResyncOnSlotSelect != 0 {
			s.resyncLocked("slot select")
		}
	}
	s.schedulePrepareLocked(index, out)
}

func (s *Service) setOffsetLocked(off uint64) {
	s.log.WithField("offset", off).Info("offset set")
	if !s.session.Active() {
		s.offset = off
		return
	}
	s.session.SetOffset(off)
	if s.session.SyncLost() && s.cfg.Resync&ResyncOnOffsetWrite != 0 {
		s.resyncLocked("offset write")
	}
}

func (s *Service) applyControlLocked(v byte, out *outbox) {
	change, err := s.control.Apply(s.control.merge(v))
	if err != nil {
		s.log.Errorf("control apply: %v", err)
		return
	}
	out.changes = append(out.changes, change)
	s.log.WithField("change", change).Debug("control written")

	switch {
	case change.Set(ControlEnable):
		s.startLocked(out)
	case change.Cleared(ControlEnable):
		s.endSessionLocked(EndStopped, true, out)
	default:
		if s.session.Active() && s.session.SyncLost() && s.cfg.Resync&ResyncOnRestart != 0 {
			s.resyncLocked("restart")
		}
		if change.Set(ControlCommit) && s.session.Active() {
			s.log.Info("commit requested")
			s.session.BeginCommit()
			s.requestFullFlushLocked(out)
		}
	}

	if change.Changed()&ControlDelta != 0 {
		s.log.WithField("delta", change.New&ControlDelta != 0).Info("delta mode changed; copy-forward is not supported, stream is written as is")
	}
}

func (s *Service) startLocked(out *outbox) {
	s.session.Start(s.offset)
	s.offset = 0
	s.buf.Reset()
	s.paused = false
	s.log.WithFields(log.Fields{"slot": s.slot, "offset": s.session.Offset()}).Info("session started")
	s.schedulePrepareLocked(s.slot, out)
}

func (s *Service) resyncLocked(trigger string) {
	s.session.Resync()
	s.log.WithField("trigger", trigger).Info("sequence resynchronized")
}

// endSessionLocked returns to idle. Buffered bytes and any queued step are
// discarded.
func (s *Service) endSessionLocked(reason EndReason, notify bool, out *outbox) {
	wasActive := s.session.Active()
	if s.session.Degraded() && reason == EndStopped {
		reason = EndFailed
	}
	end := SessionEnd{
		Reason:  reason,
		Slot:    s.slot,
		Written: s.session.Written(),
		Offset:  s.session.Offset(),
	}

	s.session.End()
	s.buf.Reset()
	s.paused = false
	s.flush.Cancel()
	if s.preparing {
		s.sched.Cancel(s.prepare)
		s.preparing = false
	}
	s.prepare = 0
	s.epoch++
	s.offset = 0

	old := s.control.Value()
	s.control.clear(ControlEnable | ControlCommit | ControlFlowPause)
	if notify && old != s.control.Value() {
		out.notify(CharControl, s.control.Value())
	}

	if wasActive {
		out.ends = append(out.ends, end)
	}
}

func (s *Service) writeFragmentLocked(v []byte, out *outbox) {
	if len(v) <= 1 {
		s.log.Debug("empty fragment ignored")
		return
	}
	if !s.session.Active() {
		s.setStatusLocked(out, byte(StatusNoSession))
		return
	}
	if s.session.SyncLost() || s.session.Degraded() || s.session.Committing() ||
		s.control.Value()&ControlFlowPause != 0 {
		s.log.WithField("id", v[0]).Debug("fragment dropped")
		return
	}

	payload := v[1:]
	if len(payload) > s.buf.Free() {
		s.log.WithFields(log.Fields{"len": len(payload), "free": s.buf.Free()}).Warn("stream buffer full, fragment dropped")
		s.paused = true
		s.updateFlowLocked(out)
		return
	}

	ok, lost := s.session.Accept(v[0])
	if !ok {
		if lost {
			s.log.WithFields(log.Fields{"id": v[0], "expected": s.session.Expected()}).Warn("sync lost")
			s.setStatusLocked(out, s.syncLostStatus())
		}
		return
	}

	s.buf.Push(payload)
	if s.buf.AboveHigh() {
		s.paused = true
		s.updateFlowLocked(out)
	}
	s.flush.Request()
}

func (s *Service) syncLostStatus() byte {
	return byte(StatusSyncLostBit) | s.session.Expected()
}

func (s *Service) setStatusLocked(out *outbox, value ...byte) {
	s.status = append([]byte(nil), value...)
	out.notify(CharStatus, value...)
}

// updateFlowLocked derives the flow-pause bit and notifies on change.
func (s *Service) updateFlowLocked(out *outbox) {
	var changed bool
	if s.preparing || s.flush.Full() || s.paused {
		changed = s.control.set(ControlFlowPause)
	} else {
		changed = s.control.clear(ControlFlowPause)
	}
	if changed {
		s.log.WithField("paused", s.control.Value()&ControlFlowPause != 0).Debug("flow control changed")
		out.notify(CharControl, s.control.Value())
	}
}

func (s *Service) requestFullFlushLocked(out *outbox) {
	s.flush.RequestFull()
	s.updateFlowLocked(out)
}

func (s *Service) schedulePrepareLocked(index int, out *outbox) {
	s.preparing = true
	s.updateFlowLocked(out)

	epoch := s.epoch
	s.prepare = s.sched.Call(func() { s.prepareStep(index, epoch) })
	if s.prepare == 0 {
		s.preparing = false
		s.failLocked(errors.New("scheduler refused prepare step"), out)
	}
}

// prepareStep selects the slot and erases one region of it, reposting
// itself until the slot is clean. Flow-pause stays asserted throughout.
func (s *Service) prepareStep(index int, epoch uint64) {
	s.mu.Lock()
	stale := epoch != s.epoch
	s.mu.Unlock()
	if stale {
		return
	}

	done, err := s.slots.PrepareStep(index)

	var out outbox
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	if err == nil && !done {
		s.prepare = s.sched.Call(func() { s.prepareStep(index, epoch) })
		if s.prepare != 0 {
			s.mu.Unlock()
			return
		}
		err = errors.New("scheduler refused prepare step")
	}
	s.preparing = false
	s.prepare = 0
	if err != nil {
		s.failLocked(err, &out)
	} else {
		s.log.WithField("slot", index).Info("slot ready")
	}
	s.updateFlowLocked(&out)
	s.mu.Unlock()
	s.deliver(&out)
}

// failLocked reports an asynchronous failure and degrades the session.
func (s *Service) failLocked(err error, out *outbox) {
	st := statusFor(err)
	s.log.WithFields(log.Fields{"slot": s.slot, "status": st}).Errorf("%v", err)
	if s.session.Active() {
		s.session.Degrade()
	}
	s.buf.Reset()
	s.paused = false
	s.flush.Finish()
	s.setStatusLocked(out, byte(st), byte(s.slot))
	s.updateFlowLocked(out)
}

// flushStep is the deferred flush work item. It issues at most one program
// call and reposts itself while bytes remain.
func (s *Service) flushStep() {
	var out outbox
	s.mu.Lock()
	if !s.session.Active() || s.session.Degraded() {
		s.flush.Done()
		s.mu.Unlock()
		return
	}

	index := s.slots.Selected()
	geo, err := s.slots.Geometry(index)
	if err != nil {
		s.flush.Done()
		s.failLocked(err, &out)
		s.mu.Unlock()
		s.deliver(&out)
		return
	}

	chunk := s.takeChunkLocked(geo)
	if chunk == nil {
		s.flush.Done()
		if s.flush.Full() && s.buf.Empty() {
			s.completeFullFlushLocked(&out)
		} else {
			s.resumeLocked(geo, &out)
		}
		s.mu.Unlock()
		s.deliver(&out)
		return
	}

	offset := s.session.Offset()
	epoch := s.epoch
	s.resumeLocked(geo, &out)
	s.mu.Unlock()
	s.deliver(&out)

	err = s.slots.Program(offset, chunk)

	out = outbox{}
	s.mu.Lock()
	if epoch != s.epoch {
		// The session ended while programming; its state is gone.
		s.mu.Unlock()
		return
	}
	s.flush.Done()
	if err != nil {
		s.failLocked(err, &out)
	} else {
		s.session.Advance(uint64(len(chunk)))
		s.log.WithFields(log.Fields{"offset": offset, "len": len(chunk)}).Debug("flushed")
		if !s.buf.Empty() {
			s.flush.Request()
		} else if s.flush.Full() {
			s.completeFullFlushLocked(&out)
		}
	}
	s.mu.Unlock()
	s.deliver(&out)
}

// resumeLocked clears the buffer pause once the buffer drained to the resume
// watermark, or to less than one program unit: such a remainder can only
// leave the buffer with more data behind it.
func (s *Service) resumeLocked(geo storage.Geometry, out *outbox) {
	if s.paused && (s.buf.BelowLow() || uint64(s.buf.Len()) < geo.ProgramSize) {
		s.paused = false
	}
	s.updateFlowLocked(out)
}

// takeChunkLocked pops the largest whole number of program units. During a
// full flush a trailing partial unit is padded with the erase value.
func (s *Service) takeChunkLocked(geo storage.Geometry) []byte {
	n := uint64(s.buf.Len())
	ps := geo.ProgramSize
	switch {
	case n >= ps:
		return s.buf.Pop(int(n - n%ps))
	case n > 0 && s.flush.Full():
		chunk := make([]byte, ps)
		k := copy(chunk, s.buf.Pop(int(n)))
		for i := k; i < len(chunk); i++ {
			chunk[i] = geo.EraseValue
		}
		return chunk
	}
	return nil
}

func (s *Service) completeFullFlushLocked(out *outbox) {
	s.flush.Finish()
	if s.session.Committing() {
		s.log.WithField("written", s.session.Written()).Info("commit complete")
		s.endSessionLocked(EndCommitted, true, out)
		return
	}
	s.updateFlowLocked(out)
}

// Disconnect resets the service after the peer went away. Buffered bytes
// are discarded and a step already queued becomes a no-op.
func (s *Service) Disconnect() {
	var out outbox
	s.mu.Lock()
	s.endSessionLocked(EndDisconnected, false, &out)
	s.control.clear(0xFF)
	s.status = []byte{byte(StatusIdle)}
	s.mu.Unlock()

	s.log.Info("peer disconnected, session reset")
	s.deliver(&out)
}

// SetStatus publishes an application status, for example the result of
// image validation.
func (s *Service) SetStatus(code Status, extra ...byte) {
	var out outbox
	s.mu.Lock()
	s.setStatusLocked(&out, append([]byte{byte(code)}, extra...)...)
	s.mu.Unlock()
	s.deliver(&out)
}

func (s *Service) deliver(out *outbox) {
	for _, n := range out.notes {
		if err := s.notifier.Notify(n.char, n.value); err != nil {
			s.log.WithField("char", n.char).Warnf("notify failed: %v", err)
		}
	}
	if s.onControlChange != nil {
		for _, c := range out.changes {
			s.onControlChange(c)
		}
	}
	for _, e := range out.ends {
		s.log.WithFields(log.Fields{
			"reason":  e.Reason,
			"slot":    e.Slot,
			"written": e.Written,
		}).Info("session ended")
		if s.sessions != nil {
			s.sessions.OnSessionEnd(e)
		}
	}
}

// Snapshot returns the current state.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.offset
	if s.session.Active() {
		off = s.session.Offset()
	}
	return State{
		Status:    append([]byte(nil), s.status...),
		Control:   s.control.Value(),
		Slot:      s.slot,
		Offset:    off,
		InSession: s.session.Active(),
		SyncLost:  s.session.SyncLost(),
		Preparing: s.preparing,
		Buffered:  s.buf.Len(),
	}
}

func (s *Service) ControlBits() byte { return s.Snapshot().Control }
func (s *Service) Offset() uint64    { return s.Snapshot().Offset }
func (s *Service) SelectedSlot() int { return s.Snapshot().Slot }
func (s *Service) Status() []byte    { return s.Snapshot().Status }
func (s *Service) InSession() bool   { return s.Snapshot().InSession }
func (s *Service) SyncLost() bool    { return s.Snapshot().SyncLost }
func (s *Service) Buffered() int     { return s.Snapshot().Buffered }
