package dfu

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/librescoot/dfu-service/pkg/storage"
)

type slot struct {
	dev         storage.Device
	geo         storage.Geometry
	initialized bool
	// dirty is set once the slot may hold data; erased is the progress of
	// the erase that clears it.
	dirty  bool
	erased uint64
}

// SlotStore owns the storage devices bound to slot indices and the
// selection among them. Device I/O is serialized on its own lock so that
// metadata queries never wait on an erase.
type SlotStore struct {
	log log.FieldLogger

	io sync.Mutex

	mu       sync.Mutex
	slots    []slot
	selected int
}

// NewSlotStore creates a store with n unbound slots.
func NewSlotStore(n int, logger log.FieldLogger) *SlotStore {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &SlotStore{
		log:      logger,
		slots:    make([]slot, n),
		selected: -1,
	}
}

// Len returns the number of slot indices.
func (s *SlotStore) Len() int { return len(s.slots) }

// Assign binds dev to index. Rebinding the selected slot deinitializes the
// old device and drops the selection.
func (s *SlotStore) Assign(index int, dev storage.Device) error {
	if index < 0 || index >= len(s.slots) {
		return &SlotError{Slot: index, Err: ErrInvalidSlot}
	}
	if dev == nil {
		return &SlotError{Slot: index, Err: fmt.Errorf("nil device: %w", ErrInvalidSlot)}
	}
	geo := storage.GeometryOf(dev)
	if err := geo.Validate(); err != nil {
		return &SlotError{Slot: index, Err: err}
	}

	s.io.Lock()
	defer s.io.Unlock()

	s.mu.Lock()
	old := s.slots[index]
	wasSelected := s.selected == index
	s.slots[index] = slot{dev: dev, geo: geo}
	if wasSelected {
		s.selected = -1
	}
	s.mu.Unlock()

	if old.dev != nil && old.initialized {
		if err := old.dev.Deinit(); err != nil {
			s.log.WithField("slot", index).Warnf("deinit of replaced device failed: %v", err)
		}
	}
	s.log.WithFields(log.Fields{"slot": index, "size": geo.Size}).Info("slot assigned")
	return nil
}

// Bound reports whether index has a device.
func (s *SlotStore) Bound(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return index >= 0 && index < len(s.slots) && s.slots[index].dev != nil
}

// Geometry returns the geometry of the device bound to index.
func (s *SlotStore) Geometry(index int) (storage.Geometry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) || s.slots[index].dev == nil {
		return storage.Geometry{}, &SlotError{Slot: index, Err: ErrInvalidSlot}
	}
	return s.slots[index].geo, nil
}

// Selected returns the selected slot index, or -1.
func (s *SlotStore) Selected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Select makes index the active slot: the previous device is deinitialized,
// the new one initialized and erased in full. Selecting the active slot
// again does nothing.
func (s *SlotStore) Select(index int) error {
	s.io.Lock()
	defer s.io.Unlock()

	s.mu.Lock()
	reuse := s.selectedLocked(index)
	s.mu.Unlock()
	if reuse {
		return nil
	}
	return s.prepareLocked(index)
}

// Prepare selects index and guarantees it is erased, erasing again if it
// was programmed since the last erase.
func (s *SlotStore) Prepare(index int) error {
	s.io.Lock()
	defer s.io.Unlock()
	return s.prepareLocked(index)
}

// PrepareStep does one bounded unit of the work Prepare does: selecting the
// slot and erasing a single erase region. It reports done once the slot is
// selected and clean. An interrupted erase resumes where it stopped.
func (s *SlotStore) PrepareStep(index int) (done bool, err error) {
	s.io.Lock()
	defer s.io.Unlock()
	return s.stepLocked(index)
}

// prepareLocked requires s.io.
func (s *SlotStore) prepareLocked(index int) error {
	for {
		done, err := s.stepLocked(index)
		if err != nil || done {
			return err
		}
	}
}

// selectedLocked requires s.mu.
func (s *SlotStore) selectedLocked(index int) bool {
	return index >= 0 && s.selected == index && s.slots[index].initialized
}

// stepLocked requires s.io.
func (s *SlotStore) stepLocked(index int) (bool, error) {
	s.mu.Lock()
	if index < 0 || index >= len(s.slots) || s.slots[index].dev == nil {
		s.mu.Unlock()
		return false, &SlotError{Slot: index, Err: ErrInvalidSlot}
	}
	reuse := s.selectedLocked(index)
	dirty := s.slots[index].dirty
	s.mu.Unlock()

	if !reuse {
		if err := s.openLocked(index); err != nil {
			return false, err
		}
	} else if !dirty {
		return true, nil
	}
	return s.eraseRegionLocked(index)
}

// openLocked deinitializes the previous slot and initializes index. The
// new slot is treated as dirty. Requires s.io.
func (s *SlotStore) openLocked(index int) error {
	s.mu.Lock()
	prev := s.selected
	var prevDev storage.Device
	if prev >= 0 && prev != index && s.slots[prev].initialized {
		prevDev = s.slots[prev].dev
		s.slots[prev].initialized = false
	}
	s.selected = -1
	dev := s.slots[index].dev
	s.mu.Unlock()

	if prevDev != nil {
		if err := prevDev.Deinit(); err != nil {
			s.log.WithField("slot", prev).Warnf("deinit failed: %v", err)
		}
	}

	if err := dev.Init(); err != nil {
		return &FlashError{Op: "init", Slot: index, Err: err}
	}
	s.mu.Lock()
	s.slots[index].initialized = true
	s.slots[index].dirty = true
	s.slots[index].erased = 0
	s.selected = index
	s.mu.Unlock()
	return nil
}

// eraseRegionLocked erases the next erase region of index and reports
// whether the whole slot is clean. Requires s.io.
func (s *SlotStore) eraseRegionLocked(index int) (bool, error) {
	s.mu.Lock()
	dev := s.slots[index].dev
	geo := s.slots[index].geo
	off := s.slots[index].erased
	s.mu.Unlock()

	logger := s.log.WithField("slot", index)
	if off == 0 {
		logger.Infof("erasing %d bytes", geo.Size)
	}
	n := geo.EraseSize
	if n > geo.Size-off {
		n = geo.Size - off
	}
	if err := dev.Erase(off, n); err != nil {
		return false, &FlashError{Op: "erase", Slot: index, Offset: off, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[index].erased = off + n
	if s.slots[index].erased < geo.Size {
		return false, nil
	}
	s.slots[index].dirty = false
	s.slots[index].erased = 0
	logger.Debug("erase complete")
	return true, nil
}

// Program writes data at offset into the selected slot.
func (s *SlotStore) Program(offset uint64, data []byte) error {
	s.io.Lock()
	defer s.io.Unlock()

	s.mu.Lock()
	index := s.selected
	if index < 0 {
		s.mu.Unlock()
		return &SlotError{Slot: index, Err: ErrInvalidSlot}
	}
	dev := s.slots[index].dev
	geo := s.slots[index].geo
	s.slots[index].dirty = true
	s.slots[index].erased = 0
	s.mu.Unlock()

	if offset > geo.Size || uint64(len(data)) > geo.Size-offset {
		return &SlotError{Slot: index, Err: fmt.Errorf("%d bytes at 0x%08x: %w", len(data), offset, ErrOversize)}
	}
	if err := dev.Program(data, offset); err != nil {
		return &FlashError{Op: "program", Slot: index, Offset: offset, Err: err}
	}
	return nil
}

// Read reads from the device bound to index, which must be selected.
func (s *SlotStore) Read(index int, buf []byte, offset uint64) error {
	s.io.Lock()
	defer s.io.Unlock()

	s.mu.Lock()
	if index < 0 || index >= len(s.slots) || s.slots[index].dev == nil || !s.slots[index].initialized {
		s.mu.Unlock()
		return &SlotError{Slot: index, Err: ErrInvalidSlot}
	}
	dev := s.slots[index].dev
	s.mu.Unlock()

	if err := dev.Read(buf, offset); err != nil {
		return &FlashError{Op: "read", Slot: index, Offset: offset, Err: err}
	}
	return nil
}

// Close deinitializes the selected device.
func (s *SlotStore) Close() error {
	s.io.Lock()
	defer s.io.Unlock()

	s.mu.Lock()
	index := s.selected
	var dev storage.Device
	if index >= 0 && s.slots[index].initialized {
		dev = s.slots[index].dev
		s.slots[index].initialized = false
	}
	s.selected = -1
	s.mu.Unlock()

	if dev == nil {
		return nil
	}
	if err := dev.Deinit(); err != nil {
		return &FlashError{Op: "deinit", Slot: index, Err: err}
	}
	return nil
}
