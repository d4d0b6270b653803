// Package config loads the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log    LogConfig    `yaml:"log"`
	Serial SerialConfig `yaml:"serial"`
	Redis  RedisConfig  `yaml:"redis"`
	DFU    DFUConfig    `yaml:"dfu"`
	KV     KVConfig     `yaml:"kv"`
	Slots  []SlotConfig `yaml:"slots"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// ---- LINK ----

type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// ---- REDIS ----

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	Hash      string        `yaml:"hash"`       // state mirror
	Commands  string        `yaml:"commands"`   // BRPOP list
	DedupeTTL time.Duration `yaml:"dedupe_ttl"` // 0 disables
}

// ---- TRANSFER ----

type DFUConfig struct {
	MaxSlots        int               `yaml:"max_slots"` // 0 => len(slots)
	MaxWriteLen     int               `yaml:"max_write_len"`
	BufferCapacity  datasize.ByteSize `yaml:"buffer_capacity"`
	PauseThreshold  datasize.ByteSize `yaml:"pause_threshold"`
	ResumeThreshold datasize.ByteSize `yaml:"resume_threshold"`
	SequenceModulus int               `yaml:"sequence_modulus"`
	OffsetByteOrder string            `yaml:"offset_byte_order"` // little | big
	Resync          []string          `yaml:"resync"`            // offset_write | slot_select | restart
}

// ---- STORAGE ----

type KVConfig struct {
	Dir string `yaml:"dir"` // empty => in-memory
}

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendKV     = "kv"
)

type SlotConfig struct {
	Backend     string            `yaml:"backend"`
	Path        string            `yaml:"path"` // file path, or key name for kv
	Size        datasize.ByteSize `yaml:"size"`
	ProgramSize datasize.ByteSize `yaml:"program_size"`
	EraseSize   datasize.ByteSize `yaml:"erase_size"`
	EraseValue  *uint8            `yaml:"erase_value"` // default 0xFF
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info"},
		Serial: SerialConfig{Device: "/dev/ttymxc1", Baud: 115200},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Hash:      "dfu",
			Commands:  "scooter:dfu",
			DedupeTTL: 30 * time.Second,
		},
		DFU: DFUConfig{
			MaxWriteLen:     244,
			BufferCapacity:  732 * datasize.B,
			PauseThreshold:  488 * datasize.B,
			ResumeThreshold: 244 * datasize.B,
			SequenceModulus: 128,
			OffsetByteOrder: "little",
			Resync:          []string{"offset_write", "restart"},
		},
	}
}

// Load reads path on top of Default, then validates and normalizes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, then validates and normalizes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	return cfg, nil
}
