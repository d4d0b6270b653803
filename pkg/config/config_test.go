package config

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/librescoot/dfu-service/pkg/dfu"
	"github.com/librescoot/dfu-service/pkg/storage"
)

const sample = `
log:
  level: DEBUG
serial:
  device: /dev/ttyUSB0
  baud: 230400
redis:
  addr: 127.0.0.1:6379
  dedupe_ttl: 5s
dfu:
  max_slots: 4
  max_write_len: 128
  buffer_capacity: 1KB
  pause_threshold: 512B
  resume_threshold: 128B
  sequence_modulus: 64
  offset_byte_order: Big
  resync: [slot_select]
kv:
  dir: ""
slots:
  - backend: memory
    size: 64KB
    program_size: 256B
    erase_size: 4KB
  - backend: KV
    path: app
    size: 16KB
    program_size: 16B
    erase_size: 1KB
    erase_value: 0
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log level %q", cfg.Log.Level)
	}
	if cfg.Serial.Device != "/dev/ttyUSB0" || cfg.Serial.Baud != 230400 {
		t.Errorf("serial %+v", cfg.Serial)
	}
	// Unset fields keep their defaults.
	if cfg.Redis.Hash != "dfu" || cfg.Redis.Commands != "scooter:dfu" {
		t.Errorf("redis defaults lost: %+v", cfg.Redis)
	}
	if cfg.Redis.DedupeTTL != 5*time.Second {
		t.Errorf("dedupe ttl %v", cfg.Redis.DedupeTTL)
	}
	if len(cfg.Slots) != 2 || cfg.Slots[1].Backend != BackendKV {
		t.Fatalf("slots %+v", cfg.Slots)
	}

	geo := cfg.Slots[0].Geometry()
	want := storage.Geometry{Size: 64 * 1024, ProgramSize: 256, EraseSize: 4096, EraseValue: 0xFF}
	if geo != want {
		t.Errorf("slot 0 geometry %+v, want %+v", geo, want)
	}
	if cfg.Slots[1].Geometry().EraseValue != 0 {
		t.Errorf("explicit erase value lost")
	}

	d, err := cfg.ToDFU()
	if err != nil {
		t.Fatalf("ToDFU() err=%v", err)
	}
	if d.MaxSlots != 4 || d.MaxWriteLen != 128 || d.BufferCapacity != 1024 ||
		d.PauseThreshold != 512 || d.ResumeThreshold != 128 || d.SequenceModulus != 64 {
		t.Errorf("dfu config %+v", d)
	}
	if d.OffsetByteOrder != binary.BigEndian {
		t.Errorf("byte order %v", d.OffsetByteOrder)
	}
	if d.Resync != dfu.ResyncOnSlotSelect {
		t.Errorf("resync %v", d.Resync)
	}
}

func TestDefaultConvertsToDFUDefaults(t *testing.T) {
	cfg := Default()
	Normalize(cfg)
	d, err := cfg.ToDFU()
	if err != nil {
		t.Fatalf("ToDFU() err=%v", err)
	}
	def := dfu.DefaultConfig()
	if d.MaxSlots != def.MaxSlots || d.BufferCapacity != def.BufferCapacity ||
		d.PauseThreshold != def.PauseThreshold || d.ResumeThreshold != def.ResumeThreshold ||
		d.Resync != def.Resync || d.OffsetByteOrder != def.OffsetByteOrder {
		t.Fatalf("default mismatch: %+v vs %+v", d, def)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  string
	}{
		{"bad backend", "slots:\n  - backend: tape\n    size: 4KB\n    program_size: 4B\n    erase_size: 1KB\n", "unknown backend"},
		{"file needs path", "slots:\n  - backend: file\n    size: 4KB\n    program_size: 4B\n    erase_size: 1KB\n", "requires path"},
		{"bad geometry", "slots:\n  - backend: memory\n    size: 4KB\n    program_size: 3B\n    erase_size: 1KB\n", "slot 0"},
		{"duplicate path", "slots:\n  - {backend: file, path: a, size: 4KB, program_size: 4B, erase_size: 1KB}\n  - {backend: file, path: a, size: 4KB, program_size: 4B, erase_size: 1KB}\n", "already used"},
		{"byte order", "dfu:\n  offset_byte_order: middle\n", "offset_byte_order"},
		{"resync", "dfu:\n  resync: [never]\n", "unknown trigger"},
		{"too few max slots", "dfu:\n  max_slots: 1\nslots:\n  - {backend: memory, size: 4KB, program_size: 4B, erase_size: 1KB}\n  - {backend: memory, size: 4KB, program_size: 4B, erase_size: 1KB}\n", "max_slots"},
		{"no serial", "serial:\n  device: \"\"\n", "serial.device"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.err) {
				t.Fatalf("Parse() err=%v, want containing %q", err, tt.err)
			}
		})
	}
}

func TestToDFURejectsBadSizing(t *testing.T) {
	cfg, err := Parse([]byte("dfu:\n  pause_threshold: 2KB\n"))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if _, err := cfg.ToDFU(); err == nil {
		t.Fatalf("pause threshold above capacity should be rejected")
	}
}

func TestLoadAndOpenDevices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dfu.yaml")
	img := filepath.Join(dir, "slot0.img")
	body := "slots:\n" +
		"  - {backend: file, path: " + img + ", size: 8KB, program_size: 256B, erase_size: 4KB}\n" +
		"  - {backend: memory, size: 4KB, program_size: 4B, erase_size: 1KB}\n" +
		"  - {backend: kv, path: spare, size: 4KB, program_size: 16B, erase_size: 1KB}\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if cfg.DFU.MaxSlots != 3 {
		t.Fatalf("max slots should default to the slot count, got %d", cfg.DFU.MaxSlots)
	}

	devs, err := OpenDevices(cfg)
	if err != nil {
		t.Fatalf("OpenDevices() err=%v", err)
	}
	defer devs.Close()

	if len(devs.Slots) != 3 {
		t.Fatalf("got %d devices", len(devs.Slots))
	}
	if _, ok := devs.Slots[0].(*storage.FileDevice); !ok {
		t.Errorf("slot 0 is %T", devs.Slots[0])
	}
	if _, ok := devs.Slots[1].(*storage.MemDevice); !ok {
		t.Errorf("slot 1 is %T", devs.Slots[1])
	}
	if _, ok := devs.Slots[2].(*storage.KVDevice); !ok {
		t.Errorf("slot 2 is %T", devs.Slots[2])
	}
	if got := storage.GeometryOf(devs.Slots[0]); got.Size != 8192 || got.ProgramSize != 256 {
		t.Errorf("slot 0 geometry %+v", got)
	}
}
