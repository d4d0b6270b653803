package storage

import (
	"bytes"
	"sync"
)

// MemDevice is a RAM-backed device. It is used for tests and for dry runs
// where the candidate image is discarded after the session.
type MemDevice struct {
	mu   sync.Mutex
	geo  Geometry
	data []byte
	init bool

	// Counters for diagnostics.
	Programs int
	Erases   int
}

// NewMemDevice creates a RAM device filled with the erase value.
func NewMemDevice(geo Geometry) (*MemDevice, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	return &MemDevice{
		geo:  geo,
		data: bytes.Repeat([]byte{geo.EraseValue}, int(geo.Size)),
	}, nil
}

func (m *MemDevice) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init = true
	return nil
}

func (m *MemDevice) Deinit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init = false
	return nil
}

func (m *MemDevice) Erase(offset, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.init {
		return ErrNotInitialized
	}
	if err := m.geo.checkErase(offset, length); err != nil {
		return err
	}
	for i := offset; i < offset+length; i++ {
		m.data[i] = m.geo.EraseValue
	}
	m.Erases++
	return nil
}

func (m *MemDevice) Program(data []byte, offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.init {
		return ErrNotInitialized
	}
	if err := m.geo.checkProgram(offset, uint64(len(data))); err != nil {
		return err
	}
	copy(m.data[offset:], data)
	m.Programs++
	return nil
}

func (m *MemDevice) Read(buf []byte, offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.geo.checkRange(offset, uint64(len(buf))); err != nil {
		return err
	}
	copy(buf, m.data[offset:])
	return nil
}

// Bytes returns a copy of the whole device contents.
func (m *MemDevice) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Initialized reports whether Init has been called without a matching Deinit.
func (m *MemDevice) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.init
}

func (m *MemDevice) Size() uint64        { return m.geo.Size }
func (m *MemDevice) ProgramSize() uint64 { return m.geo.ProgramSize }
func (m *MemDevice) EraseSize() uint64   { return m.geo.EraseSize }
func (m *MemDevice) EraseValue() byte    { return m.geo.EraseValue }
