package dfu

import "fmt"

// ControlChange is a proposed or applied control register transition.
type ControlChange struct {
	Old byte
	New byte
}

// Changed returns the bits that differ.
func (c ControlChange) Changed() byte { return c.Old ^ c.New }

// Set reports whether bit went from 0 to 1.
func (c ControlChange) Set(bit byte) bool { return c.Old&bit == 0 && c.New&bit != 0 }

// Cleared reports whether bit went from 1 to 0.
func (c ControlChange) Cleared(bit byte) bool { return c.Old&bit != 0 && c.New&bit == 0 }

func (c ControlChange) String() string {
	return fmt.Sprintf("0x%02x->0x%02x", c.Old, c.New)
}

// ControlRegister is the one byte session control register. Bits in the
// read-only mask can only be changed by the service.
type ControlRegister struct {
	value    byte
	readOnly byte
}

// NewControlRegister returns a zeroed register.
func NewControlRegister(readOnly byte) *ControlRegister {
	return &ControlRegister{readOnly: readOnly}
}

// Value returns the current register contents.
func (r *ControlRegister) Value() byte { return r.value }

// Check computes the transition to v without applying it. A write touching
// any read-only bit is rejected as a whole.
func (r *ControlRegister) Check(v byte) (ControlChange, error) {
	change := ControlChange{Old: r.value, New: v}
	if change.Changed()&r.readOnly != 0 {
		return change, fmt.Errorf("control %v: %w", change, ErrReadOnlyViolation)
	}
	return change, nil
}

// Apply checks v and stores it on success.
func (r *ControlRegister) Apply(v byte) (ControlChange, error) {
	change, err := r.Check(v)
	if err != nil {
		return change, err
	}
	r.value = v
	return change, nil
}

// merge replaces the read-only bits of a client value with the current ones.
func (r *ControlRegister) merge(v byte) byte {
	return v&^r.readOnly | r.value&r.readOnly
}

func (r *ControlRegister) set(mask byte) bool {
	old := r.value
	r.value |= mask
	return old != r.value
}

func (r *ControlRegister) clear(mask byte) bool {
	old := r.value
	r.value &^= mask
	return old != r.value
}
