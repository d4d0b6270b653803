package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/librescoot/dfu-service/pkg/dfu"
	"github.com/librescoot/dfu-service/pkg/storage"
)

var resyncNames = map[string]dfu.ResyncPolicy{
	"offset_write": dfu.ResyncOnOffsetWrite,
	"slot_select":  dfu.ResyncOnSlotSelect,
	"restart":      dfu.ResyncOnRestart,
}

// ToDFU builds the transfer core configuration. The result is validated.
func (c *Config) ToDFU() (dfu.Config, error) {
	out := dfu.DefaultConfig()
	out.MaxSlots = c.DFU.MaxSlots
	out.MaxWriteLen = c.DFU.MaxWriteLen
	out.BufferCapacity = int(c.DFU.BufferCapacity.Bytes())
	out.PauseThreshold = int(c.DFU.PauseThreshold.Bytes())
	out.ResumeThreshold = int(c.DFU.ResumeThreshold.Bytes())
	out.SequenceModulus = c.DFU.SequenceModulus

	if c.DFU.OffsetByteOrder == "big" {
		out.OffsetByteOrder = binary.BigEndian
	} else {
		out.OffsetByteOrder = binary.LittleEndian
	}

	out.Resync = 0
	for _, r := range c.DFU.Resync {
		out.Resync |= resyncNames[strings.ToLower(r)]
	}

	if err := out.Validate(); err != nil {
		return dfu.Config{}, fmt.Errorf("dfu: %w", err)
	}
	return out, nil
}

// Geometry returns the slot geometry described by s.
func (s SlotConfig) Geometry() storage.Geometry {
	ev := uint8(0xFF)
	if s.EraseValue != nil {
		ev = *s.EraseValue
	}
	return storage.Geometry{
		Size:        s.Size.Bytes(),
		ProgramSize: s.ProgramSize.Bytes(),
		EraseSize:   s.EraseSize.Bytes(),
		EraseValue:  ev,
	}
}

// Devices owns the storage backends opened for the configured slots.
type Devices struct {
	Slots []storage.Device
	kv    *badger.DB
}

// OpenDevices creates one device per configured slot. The badger database
// is opened only when a kv slot is present.
func OpenDevices(cfg *Config) (*Devices, error) {
	d := &Devices{}
	for i, s := range cfg.Slots {
		dev, err := d.open(cfg, s)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		d.Slots = append(d.Slots, dev)
	}
	return d, nil
}

func (d *Devices) open(cfg *Config, s SlotConfig) (storage.Device, error) {
	geo := s.Geometry()
	switch s.Backend {
	case BackendMemory:
		return storage.NewMemDevice(geo)
	case BackendFile:
		return storage.NewFileDevice(s.Path, geo)
	case BackendKV:
		if d.kv == nil {
			db, err := storage.OpenKV(cfg.KV.Dir)
			if err != nil {
				return nil, err
			}
			d.kv = db
		}
		return storage.NewKVDevice(d.kv, s.Path, geo)
	}
	return nil, fmt.Errorf("unknown backend %q", s.Backend)
}

// Close releases the badger database, if one was opened.
func (d *Devices) Close() error {
	var errs []error
	if d.kv != nil {
		errs = append(errs, d.kv.Close())
		d.kv = nil
	}
	return errors.Join(errs...)
}
