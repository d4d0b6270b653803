package dfu

import (
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/librescoot/dfu-service/pkg/storage"
)

// ResyncPolicy selects which peer actions clear a lost sequence sync.
type ResyncPolicy uint8

const (
	// ResyncOnOffsetWrite resyncs when the peer rewrites the offset.
	ResyncOnOffsetWrite ResyncPolicy = 1 << iota
	// ResyncOnSlotSelect resyncs when the peer selects a slot.
	ResyncOnSlotSelect
	// ResyncOnRestart resyncs when the peer rewrites the control register
	// with enable still set.
	ResyncOnRestart

	DefaultResyncPolicy = ResyncOnOffsetWrite | ResyncOnRestart
)

// Default sizes, derived from a 247 byte ATT MTU.
const (
	DefaultMaxSlots        = 3
	DefaultMaxWriteLen     = 244
	DefaultBufferCapacity  = 3 * DefaultMaxWriteLen
	DefaultPauseThreshold  = 2 * DefaultMaxWriteLen
	DefaultResumeThreshold = DefaultMaxWriteLen
	DefaultSequenceModulus = 128
)

// Config holds the runtime sizing of a Service.
type Config struct {
	// MaxSlots is the number of slot indices the store accepts.
	MaxSlots int

	// MaxWriteLen is the largest fragment accepted, sequence byte included.
	MaxWriteLen int

	// BufferCapacity is the stream buffer size in bytes.
	BufferCapacity int

	// PauseThreshold asserts flow-pause once the buffer holds this many bytes.
	PauseThreshold int

	// ResumeThreshold clears flow-pause once the buffer drains to this level.
	ResumeThreshold int

	// SequenceModulus is where the fragment sequence ID wraps.
	SequenceModulus int

	// OffsetByteOrder decodes the 4 byte offset characteristic.
	OffsetByteOrder binary.ByteOrder

	Resync ResyncPolicy

	Logger log.FieldLogger
}

// DefaultConfig returns the default sizing.
func DefaultConfig() Config {
	return Config{
		MaxSlots:        DefaultMaxSlots,
		MaxWriteLen:     DefaultMaxWriteLen,
		BufferCapacity:  DefaultBufferCapacity,
		PauseThreshold:  DefaultPauseThreshold,
		ResumeThreshold: DefaultResumeThreshold,
		SequenceModulus: DefaultSequenceModulus,
		OffsetByteOrder: binary.LittleEndian,
		Resync:          DefaultResyncPolicy,
	}
}

// Validate checks the sizing. The buffer must be able to take one more
// maximal fragment while it sits just below the pause threshold.
func (c Config) Validate() error {
	if c.MaxSlots < 1 || c.MaxSlots > 256 {
		return fmt.Errorf("max slots %d out of range [1,256]", c.MaxSlots)
	}
	if c.MaxWriteLen < 2 {
		return fmt.Errorf("max write length %d must be at least 2", c.MaxWriteLen)
	}
	if c.ResumeThreshold < 0 || c.ResumeThreshold >= c.PauseThreshold {
		return fmt.Errorf("resume threshold %d must be below pause threshold %d", c.ResumeThreshold, c.PauseThreshold)
	}
	if c.PauseThreshold > c.BufferCapacity {
		return fmt.Errorf("pause threshold %d exceeds buffer capacity %d", c.PauseThreshold, c.BufferCapacity)
	}
	if worst := c.PauseThreshold - 1 + c.MaxWriteLen - 1; worst > c.BufferCapacity {
		return fmt.Errorf("buffer capacity %d cannot hold a %d byte fragment below the pause threshold (need %d)",
			c.BufferCapacity, c.MaxWriteLen, worst)
	}
	if c.SequenceModulus < 2 || c.SequenceModulus > 128 {
		return fmt.Errorf("sequence modulus %d out of range [2,128]", c.SequenceModulus)
	}
	if c.OffsetByteOrder == nil {
		return errors.New("offset byte order not set")
	}
	return nil
}

// CheckGeometry reports whether a device with geometry g can be streamed
// through the buffer. While less than one program unit is buffered the
// stream is never paused, so the buffer must hold such a remainder plus a
// maximal fragment.
func (c Config) CheckGeometry(g storage.Geometry) error {
	if need := g.ProgramSize - 1 + uint64(c.MaxWriteLen) - 1; need > uint64(c.BufferCapacity) {
		return fmt.Errorf("program size %d needs a %d byte buffer, have %d: %w",
			g.ProgramSize, need, c.BufferCapacity, ErrGeometry)
	}
	return nil
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides Config.Logger.
func WithLogger(l log.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithControlRequestHandler installs a handler consulted before a control
// write is accepted. A reply other than ReplySuccess vetoes the write.
func WithControlRequestHandler(fn func(ControlChange) AuthReply) Option {
	return func(s *Service) { s.onControlRequest = fn }
}

// WithControlChangeHandler installs a handler called after a control write
// was applied.
func WithControlChangeHandler(fn func(ControlChange)) Option {
	return func(s *Service) { s.onControlChange = fn }
}

// WithSessionHandler installs an observer for session ends.
func WithSessionHandler(h SessionHandler) Option {
	return func(s *Service) { s.sessions = h }
}
