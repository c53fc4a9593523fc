// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const (
	// pebbleCacheSize is the size in bytes of the block cache handed to
	// pebble.
	pebbleCacheSize = 16 * 1024 * 1024

	// pebbleMaxOpenFiles limits the number of file handles pebble keeps.
	pebbleMaxOpenFiles = 16
)

var (
	// ErrStoreClosed is returned when a store is used after Close.
	ErrStoreClosed = errors.New("blockstore: store is closed")

	// ErrUnknownEngine is returned by OpenEngine for an unregistered engine
	// type.
	ErrUnknownEngine = errors.New("blockstore: unknown engine type")
)

// Engine is the key/value storage backing a store.  Implementations must be
// safe for concurrent access.
type Engine interface {
	// Get returns the value stored under key, or nil when the key does
	// not exist.
	Get(key []byte) ([]byte, error)

	// Has returns whether a value is stored under key.
	Has(key []byte) (bool, error)

	// Put stores value under key, replacing any existing value.
	Put(key, value []byte) error

	// Close releases the engine.
	Close() error
}

// engineOpener opens an engine rooted at path.  Engines that live in memory
// ignore the path.
type engineOpener func(path string) (Engine, error)

// engines houses the supported engine types keyed by name.
var engines = map[string]engineOpener{
	"leveldb": openLevelDB,
	"pebble":  openPebble,
	"memdb":   openMemDB,
}

// SupportedEngines returns a sorted slice of the registered engine types.
func SupportedEngines() []string {
	types := make([]string, 0, len(engines))
	for name := range engines {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// OpenEngine opens an engine of the given type at path.
func OpenEngine(engineType, path string) (Engine, error) {
	open, ok := engines[engineType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engineType)
	}
	db, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s engine at %s: %w", engineType,
			path, err)
	}
	log.Debugf("Opened %s engine at %s", engineType, path)
	return db, nil
}

// levelDB is an Engine backed by goleveldb.
type levelDB struct {
	db *leveldb.DB
}

func openLevelDB(path string) (Engine, error) {
	opts := opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.NoCompression,
		Filter:      filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, &opts)
	if err != nil {
		return nil, err
	}
	return &levelDB{db: db}, nil
}

func openMemDB(string) (Engine, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &levelDB{db: db}, nil
}

func (l *levelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (l *levelDB) Has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

func (l *levelDB) Put(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *levelDB) Close() error {
	return l.db.Close()
}

// pebbleDB is an Engine backed by pebble.
type pebbleDB struct {
	db *pebble.DB
}

func openPebble(path string) (Engine, error) {
	cache := pebble.NewCache(pebbleCacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: pebbleMaxOpenFiles,
		Levels: []pebble.LevelOptions{
			{TargetFileSize: 2 * 1024 * 1024, FilterPolicy: bloom.FilterPolicy(10)},
			{TargetFileSize: 4 * 1024 * 1024, FilterPolicy: bloom.FilterPolicy(10)},
		},
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &pebbleDB{db: db}, nil
}

func (p *pebbleDB) Get(key []byte) ([]byte, error) {
	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// The returned slice is only valid until the closer is called.
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (p *pebbleDB) Has(key []byte) (bool, error) {
	_, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (p *pebbleDB) Put(key, value []byte) error {
	// Nothing here outlives the run, so skip the fsync.
	return p.db.Set(key, value, pebble.NoSync)
}

func (p *pebbleDB) Close() error {
	return p.db.Close()
}
