// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockstore

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/lru"
)

const (
	// blockBucket and headerBucket prefix the keys of full blocks and
	// block headers respectively.
	blockBucket  byte = 'b'
	headerBucket byte = 'h'

	// knownCacheSize is the number of hashes kept in the cache of objects
	// known to be present in a store.
	knownCacheSize = 5000

	// locatorDenseEntries is the number of locator entries that are one
	// block apart before the step starts doubling.
	locatorDenseEntries = 10
)

// bucketKey returns the engine key for hash in the given bucket.
func bucketKey(bucket byte, hash *chainhash.Hash) []byte {
	key := make([]byte, 1+chainhash.HashSize)
	key[0] = bucket
	copy(key[1:], hash[:])
	return key
}

// BlockStore houses the blocks and block headers delivered by the comparison
// tool, keyed by block hash.
//
// The store remembers the most recently added full block.  It is used as the
// starting point when answering getheaders requests and when building a
// locator without an explicit tip.
type BlockStore struct {
	mtx          sync.Mutex
	db           Engine
	known        lru.Cache
	currentBlock *chainhash.Hash
	closed       bool
}

// NewBlockStore returns a block store backed by the passed engine.  The store
// takes ownership of the engine and closes it on Close.
func NewBlockStore(db Engine) *BlockStore {
	return &BlockStore{
		db:    db,
		known: lru.NewCache(knownCacheSize),
	}
}

// OpenBlockStore opens an engine of the given type in the "blocks"
// subdirectory of dataDir and returns a block store backed by it.
func OpenBlockStore(engineType, dataDir string) (*BlockStore, error) {
	db, err := OpenEngine(engineType, filepath.Join(dataDir, "blocks"))
	if err != nil {
		return nil, err
	}
	return NewBlockStore(db), nil
}

// AddBlock stores the block and its header and makes it the current block.
func (s *BlockStore) AddBlock(block *wire.MsgBlock) error {
	var buf bytes.Buffer
	buf.Grow(block.SerializeSize())
	if err := block.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize block: %w", err)
	}
	hash := block.BlockHash()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := s.db.Put(bucketKey(blockBucket, &hash), buf.Bytes()); err != nil {
		return fmt.Errorf("store block %v: %w", hash, err)
	}
	if err := s.putHeader(&hash, &block.Header); err != nil {
		return err
	}
	s.known.Add(hash)
	s.currentBlock = &hash

	log.Tracef("Added block %v (%d bytes)", hash, buf.Len())
	return nil
}

// AddHeader stores a block header without its block.  This allows headers of
// withheld blocks to be served in response to getheaders.
func (s *BlockStore) AddHeader(header *wire.BlockHeader) error {
	hash := header.BlockHash()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := s.putHeader(&hash, header); err != nil {
		return err
	}

	log.Tracef("Added header %v", hash)
	return nil
}

// putHeader writes a header under hash.
//
// This function MUST be called with the store lock held.
func (s *BlockStore) putHeader(hash *chainhash.Hash, header *wire.BlockHeader) error {
	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	if err := header.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize header: %w", err)
	}
	if err := s.db.Put(bucketKey(headerBucket, hash), buf.Bytes()); err != nil {
		return fmt.Errorf("store header %v: %w", hash, err)
	}
	return nil
}

// Has returns whether the full block for hash is in the store.
func (s *BlockStore) Has(hash *chainhash.Hash) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	return s.has(hash)
}

// has returns whether the full block for hash is in the store.
//
// This function MUST be called with the store lock held.
func (s *BlockStore) has(hash *chainhash.Hash) (bool, error) {
	if s.known.Contains(*hash) {
		return true, nil
	}
	ok, err := s.db.Has(bucketKey(blockBucket, hash))
	if err != nil {
		return false, err
	}
	if ok {
		s.known.Add(*hash)
	}
	return ok, nil
}

// Get returns the block for hash.  A nil block and nil error are returned when
// the store does not hold the full block.
func (s *BlockStore) Get(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.block(hash)
}

// block loads and deserializes the block for hash.
//
// This function MUST be called with the store lock held.
func (s *BlockStore) block(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	serialized, err := s.db.Get(bucketKey(blockBucket, hash))
	if err != nil || serialized == nil {
		return nil, err
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(serialized)); err != nil {
		return nil, fmt.Errorf("deserialize block %v: %w", hash, err)
	}
	return &block, nil
}

// Header returns the header for hash, which is known both for full blocks and
// for headers added with AddHeader.  A nil header and nil error are returned
// when it is unknown.
func (s *BlockStore) Header(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.header(hash)
}

// header loads and deserializes the header for hash.
//
// This function MUST be called with the store lock held.
func (s *BlockStore) header(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	serialized, err := s.db.Get(bucketKey(headerBucket, hash))
	if err != nil || serialized == nil {
		return nil, err
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(serialized)); err != nil {
		return nil, fmt.Errorf("deserialize header %v: %w", hash, err)
	}
	return &header, nil
}

// CurrentBlock returns the hash of the most recently added block, or nil when
// no block has been added.
func (s *BlockStore) CurrentBlock() *chainhash.Hash {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.currentBlock == nil {
		return nil
	}
	hash := *s.currentBlock
	return &hash
}

// GetBlocks looks up the block entries of invList and returns the blocks that
// are in the store, in the order they were requested.  Entries of other kinds
// are ignored.
func (s *BlockStore) GetBlocks(invList []*wire.InvVect) ([]*wire.MsgBlock, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var blocks []*wire.MsgBlock
	for _, iv := range invList {
		if iv.Type != wire.InvTypeBlock && iv.Type != wire.InvTypeWitnessBlock {
			continue
		}
		block, err := s.block(&iv.Hash)
		if err != nil {
			return nil, err
		}
		if block != nil {
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

// HeadersFor builds a headers message answering a getheaders request with the
// passed locator and stop hash.
//
// The response walks back from the current block until it reaches a header
// named by the locator or a header whose parent is unknown.  The headers are
// returned oldest first, truncated to wire.MaxBlockHeadersPerMsg and cut after
// hashStop when it is part of the response.  A nil message is returned when
// there is no current block.
func (s *BlockStore) HeadersFor(locator blockchain.BlockLocator,
	hashStop *chainhash.Hash) (*wire.MsgHeaders, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.currentBlock == nil {
		return nil, nil
	}
	tipHeader, err := s.header(s.currentBlock)
	if err != nil || tipHeader == nil {
		return nil, err
	}

	have := make(map[chainhash.Hash]struct{}, len(locator))
	for _, hash := range locator {
		have[*hash] = struct{}{}
	}

	// Collect newest first and reverse afterwards.
	headers := []*wire.BlockHeader{tipHeader}
	hashes := []chainhash.Hash{*s.currentBlock}
	for {
		if _, ok := have[hashes[len(hashes)-1]]; ok {
			break
		}
		prevHash := headers[len(headers)-1].PrevBlock
		prevHeader, err := s.header(&prevHash)
		if err != nil {
			return nil, err
		}
		if prevHeader == nil {
			break
		}
		headers = append(headers, prevHeader)
		hashes = append(hashes, prevHash)
	}
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
		hashes[i], hashes[j] = hashes[j], hashes[i]
	}

	if len(headers) > wire.MaxBlockHeadersPerMsg {
		headers = headers[:wire.MaxBlockHeadersPerMsg]
		hashes = hashes[:wire.MaxBlockHeadersPerMsg]
	}
	end := len(headers)
	if hashStop != nil {
		for i := range hashes {
			if hashes[i] == *hashStop {
				end = i + 1
				break
			}
		}
	}

	msg := wire.NewMsgHeaders()
	for _, header := range headers[:end] {
		if err := msg.AddBlockHeader(header); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// LocatorFor returns a block locator for the block with hash tip, or for the
// current block when tip is nil.
//
// The locator starts with the parent of tip and walks back through full
// blocks in the store.  The first entries are one block apart, after which the
// distance between entries doubles.  Headers without a stored block end the
// walk, so the locator for an unknown block is empty.
func (s *BlockStore) LocatorFor(tip *chainhash.Hash) (blockchain.BlockLocator, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if tip == nil {
		tip = s.currentBlock
	}
	if tip == nil {
		return nil, nil
	}

	var locator blockchain.BlockLocator
	hash := *tip
	step := 1
	for entries := 0; ; entries++ {
		ok, err := s.has(&hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		header, err := s.header(&hash)
		if err != nil {
			return nil, err
		}
		if header == nil {
			break
		}
		prevHash := header.PrevBlock
		locator = append(locator, &prevHash)

		// Move back step blocks, stopping early when a block is
		// missing.
		hash = prevHash
		for i := 1; i < step; i++ {
			ok, err := s.has(&hash)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			header, err := s.header(&hash)
			if err != nil {
				return nil, err
			}
			if header == nil {
				break
			}
			hash = header.PrevBlock
		}

		if entries >= locatorDenseEntries {
			step *= 2
		}
	}
	return locator, nil
}

// Close closes the underlying engine.  Using the store after Close returns
// ErrStoreClosed.
func (s *BlockStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return s.db.Close()
}
