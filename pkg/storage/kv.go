package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// KVDevice keeps a slot in a badger database, one key per program unit.
// Units that were never programmed (or were erased) have no key and read
// back as the erase value. Several devices may share one database as long as
// their names differ.
type KVDevice struct {
	mu     sync.Mutex
	db     *badger.DB
	prefix []byte
	geo    Geometry
	init   bool
}

// OpenKV opens (or creates) a badger database at dir. An empty dir opens an
// in-memory database.
func OpenKV(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return db, nil
}

// NewKVDevice creates a device named name inside db.
func NewKVDevice(db *badger.DB, name string, geo Geometry) (*KVDevice, error) {
	if db == nil {
		return nil, errors.New("kv device: nil database")
	}
	if name == "" {
		return nil, errors.New("kv device: name required")
	}
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("kv device %s: %w", name, err)
	}
	return &KVDevice{
		db:     db,
		prefix: []byte("slot/" + name + "/"),
		geo:    geo,
	}, nil
}

func (d *KVDevice) key(unit uint64) []byte {
	k := make([]byte, len(d.prefix)+8)
	copy(k, d.prefix)
	binary.BigEndian.PutUint64(k[len(d.prefix):], unit)
	return k
}

func (d *KVDevice) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init = true
	return nil
}

func (d *KVDevice) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init = false
	return nil
}

func (d *KVDevice) Erase(offset, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.init {
		return ErrNotInitialized
	}
	if err := d.geo.checkErase(offset, length); err != nil {
		return err
	}

	first := offset / d.geo.ProgramSize
	last := (offset + length) / d.geo.ProgramSize
	var stale [][]byte
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = d.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(d.key(first)); it.ValidForPrefix(d.prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			if binary.BigEndian.Uint64(k[len(d.prefix):]) >= last {
				break
			}
			stale = append(stale, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("erase scan: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
	}
	return wb.Flush()
}

func (d *KVDevice) Program(data []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.init {
		return ErrNotInitialized
	}
	if err := d.geo.checkProgram(offset, uint64(len(data))); err != nil {
		return err
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	unit := offset / d.geo.ProgramSize
	for i := uint64(0); i < uint64(len(data)); i += d.geo.ProgramSize {
		page := make([]byte, d.geo.ProgramSize)
		copy(page, data[i:i+d.geo.ProgramSize])
		if err := wb.Set(d.key(unit), page); err != nil {
			return fmt.Errorf("program 0x%08x: %w", offset+i, err)
		}
		unit++
	}
	return wb.Flush()
}

func (d *KVDevice) Read(buf []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.geo.checkRange(offset, uint64(len(buf))); err != nil {
		return err
	}

	ps := d.geo.ProgramSize
	return d.db.View(func(txn *badger.Txn) error {
		for pos := uint64(0); pos < uint64(len(buf)); {
			addr := offset + pos
			unit := addr / ps
			within := addr % ps
			n := ps - within
			if rem := uint64(len(buf)) - pos; n > rem {
				n = rem
			}

			item, err := txn.Get(d.key(unit))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				for i := uint64(0); i < n; i++ {
					buf[pos+i] = d.geo.EraseValue
				}
			case err != nil:
				return fmt.Errorf("read 0x%08x: %w", addr, err)
			default:
				page, err := item.ValueCopy(nil)
				if err != nil {
					return fmt.Errorf("read 0x%08x: %w", addr, err)
				}
				copy(buf[pos:pos+n], page[within:within+n])
			}
			pos += n
		}
		return nil
	})
}

func (d *KVDevice) Size() uint64        { return d.geo.Size }
func (d *KVDevice) ProgramSize() uint64 { return d.geo.ProgramSize }
func (d *KVDevice) EraseSize() uint64   { return d.geo.EraseSize }
func (d *KVDevice) EraseValue() byte    { return d.geo.EraseValue }
