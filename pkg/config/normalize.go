package config

import (
	"strings"

	"github.com/librescoot/dfu-service/pkg/dfu"
)

// Normalize applies post-validation defaults. It must be called only after
// Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.DFU.OffsetByteOrder = strings.ToLower(cfg.DFU.OffsetByteOrder)
	if cfg.DFU.OffsetByteOrder == "" {
		cfg.DFU.OffsetByteOrder = "little"
	}
	if cfg.DFU.MaxSlots == 0 {
		cfg.DFU.MaxSlots = len(cfg.Slots)
	}
	if cfg.DFU.MaxSlots == 0 {
		cfg.DFU.MaxSlots = dfu.DefaultMaxSlots
	}
	for i := range cfg.Slots {
		s := &cfg.Slots[i]
		s.Backend = strings.ToLower(s.Backend)
		if s.EraseValue == nil {
			v := uint8(0xFF)
			s.EraseValue = &v
		}
	}
}
