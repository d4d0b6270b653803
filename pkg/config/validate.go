package config

import (
	"fmt"
	"strings"
)

// Validate checks configuration correctness. It does not mutate cfg; sizing
// rules shared with the transfer core are checked again by dfu.Config.
func Validate(cfg *Config) error {
	if cfg.Serial.Device == "" {
		return fmt.Errorf("serial.device is required")
	}
	if cfg.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", cfg.Serial.Baud)
	}
	if cfg.Redis.Hash == "" || cfg.Redis.Commands == "" {
		return fmt.Errorf("redis.hash and redis.commands are required")
	}
	if cfg.Redis.DedupeTTL < 0 {
		return fmt.Errorf("redis.dedupe_ttl must not be negative")
	}

	switch strings.ToLower(cfg.DFU.OffsetByteOrder) {
	case "", "little", "big":
	default:
		return fmt.Errorf("dfu.offset_byte_order %q: want little or big", cfg.DFU.OffsetByteOrder)
	}
	for _, r := range cfg.DFU.Resync {
		if _, ok := resyncNames[strings.ToLower(r)]; !ok {
			return fmt.Errorf("dfu.resync: unknown trigger %q", r)
		}
	}
	if cfg.DFU.MaxSlots != 0 && cfg.DFU.MaxSlots < len(cfg.Slots) {
		return fmt.Errorf("dfu.max_slots %d is less than the %d configured slots", cfg.DFU.MaxSlots, len(cfg.Slots))
	}

	paths := make(map[string]int)
	for i, s := range cfg.Slots {
		switch strings.ToLower(s.Backend) {
		case BackendMemory:
		case BackendFile, BackendKV:
			if s.Path == "" {
				return fmt.Errorf("slot %d: %s backend requires path", i, s.Backend)
			}
			key := strings.ToLower(s.Backend) + ":" + s.Path
			if prev, dup := paths[key]; dup {
				return fmt.Errorf("slot %d: path %q already used by slot %d", i, s.Path, prev)
			}
			paths[key] = i
		default:
			return fmt.Errorf("slot %d: unknown backend %q", i, s.Backend)
		}
		if err := s.Geometry().Validate(); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return nil
}
