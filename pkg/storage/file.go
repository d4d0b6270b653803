package storage

import (
	"bytes"
	"fmt"
	"os"
	"sync"
)

// FileDevice stores a slot as a flat image file. The file is created and
// filled with the erase value on first Init.
type FileDevice struct {
	mu   sync.Mutex
	path string
	geo  Geometry
	f    *os.File
}

// NewFileDevice returns a device backed by the file at path. The file is not
// touched until Init.
func NewFileDevice(path string, geo Geometry) (*FileDevice, error) {
	if path == "" {
		return nil, fmt.Errorf("file device: path required")
	}
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("file device %s: %w", path, err)
	}
	return &FileDevice{path: path, geo: geo}, nil
}

// Path returns the image file path.
func (d *FileDevice) Path() string { return d.path }

func (d *FileDevice) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f != nil {
		return nil
	}

	f, err := os.OpenFile(d.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", d.path, err)
	}
	if uint64(st.Size()) < d.geo.Size {
		fill := bytes.Repeat([]byte{d.geo.EraseValue}, int(d.geo.Size-uint64(st.Size())))
		if _, err := f.WriteAt(fill, st.Size()); err != nil {
			f.Close()
			return fmt.Errorf("extend %s: %w", d.path, err)
		}
	}
	d.f = f
	return nil
}

func (d *FileDevice) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Sync()
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	d.f = nil
	return err
}

func (d *FileDevice) Erase(offset, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return ErrNotInitialized
	}
	if err := d.geo.checkErase(offset, length); err != nil {
		return err
	}
	block := bytes.Repeat([]byte{d.geo.EraseValue}, int(d.geo.EraseSize))
	for addr := offset; addr < offset+length; addr += d.geo.EraseSize {
		if _, err := d.f.WriteAt(block, int64(addr)); err != nil {
			return fmt.Errorf("erase 0x%08x: %w", addr, err)
		}
	}
	return nil
}

func (d *FileDevice) Program(data []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return ErrNotInitialized
	}
	if err := d.geo.checkProgram(offset, uint64(len(data))); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("program 0x%08x: %w", offset, err)
	}
	return nil
}

func (d *FileDevice) Read(buf []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return ErrNotInitialized
	}
	if err := d.geo.checkRange(offset, uint64(len(buf))); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("read 0x%08x: %w", offset, err)
	}
	return nil
}

func (d *FileDevice) Size() uint64        { return d.geo.Size }
func (d *FileDevice) ProgramSize() uint64 { return d.geo.ProgramSize }
func (d *FileDevice) EraseSize() uint64   { return d.geo.EraseSize }
func (d *FileDevice) EraseValue() byte    { return d.geo.EraseValue }
