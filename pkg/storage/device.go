// Package storage defines the block device contract slot backends implement
// and ships memory, file and badger backed devices.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when a device is used before Init.
	ErrNotInitialized = errors.New("device not initialized")

	// ErrOutOfBounds is returned when an operation exceeds the device size.
	ErrOutOfBounds = errors.New("address out of bounds")

	// ErrUnaligned is returned when an address or length violates the
	// device's program or erase granularity.
	ErrUnaligned = errors.New("unaligned address or length")
)

// Device is a block-oriented non-volatile storage region.
//
// Program writes must start on a ProgramSize boundary and cover an exact
// multiple of ProgramSize. Erase works in EraseSize units and leaves every
// byte equal to EraseValue.
type Device interface {
	Init() error
	Deinit() error

	Erase(offset, length uint64) error
	Program(data []byte, offset uint64) error
	Read(buf []byte, offset uint64) error

	Size() uint64
	ProgramSize() uint64
	EraseSize() uint64
	EraseValue() byte
}

// Geometry is the static shape of a device.
type Geometry struct {
	Size        uint64
	ProgramSize uint64
	EraseSize   uint64
	EraseValue  byte
}

// Validate checks that the geometry is usable.
func (g Geometry) Validate() error {
	if g.Size == 0 {
		return errors.New("size must be > 0")
	}
	if g.ProgramSize == 0 {
		return errors.New("program size must be > 0")
	}
	if g.EraseSize == 0 {
		return errors.New("erase size must be > 0")
	}
	if g.EraseSize%g.ProgramSize != 0 {
		return fmt.Errorf("erase size %d is not a multiple of program size %d", g.EraseSize, g.ProgramSize)
	}
	if g.Size%g.EraseSize != 0 {
		return fmt.Errorf("size %d is not a multiple of erase size %d", g.Size, g.EraseSize)
	}
	return nil
}

// GeometryOf reads the geometry of a device.
func GeometryOf(d Device) Geometry {
	return Geometry{
		Size:        d.Size(),
		ProgramSize: d.ProgramSize(),
		EraseSize:   d.EraseSize(),
		EraseValue:  d.EraseValue(),
	}
}

func (g Geometry) checkProgram(offset, length uint64) error {
	if offset%g.ProgramSize != 0 || length%g.ProgramSize != 0 {
		return fmt.Errorf("program %d bytes at 0x%08x: %w", length, offset, ErrUnaligned)
	}
	return g.checkRange(offset, length)
}

func (g Geometry) checkErase(offset, length uint64) error {
	if offset%g.EraseSize != 0 || length%g.EraseSize != 0 {
		return fmt.Errorf("erase %d bytes at 0x%08x: %w", length, offset, ErrUnaligned)
	}
	return g.checkRange(offset, length)
}

func (g Geometry) checkRange(offset, length uint64) error {
	if offset > g.Size || length > g.Size-offset {
		return fmt.Errorf("%d bytes at 0x%08x (size %d): %w", length, offset, g.Size, ErrOutOfBounds)
	}
	return nil
}
