// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockstore

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// txBucket prefixes the keys of transactions.
const txBucket byte = 't'

// TxStore houses the transactions delivered by the comparison tool, keyed by
// transaction hash.
type TxStore struct {
	mtx    sync.Mutex
	db     Engine
	closed bool
}

// NewTxStore returns a transaction store backed by the passed engine.  The
// store takes ownership of the engine and closes it on Close.
func NewTxStore(db Engine) *TxStore {
	return &TxStore{db: db}
}

// OpenTxStore opens an engine of the given type in the "transactions"
// subdirectory of dataDir and returns a transaction store backed by it.
func OpenTxStore(engineType, dataDir string) (*TxStore, error) {
	db, err := OpenEngine(engineType, filepath.Join(dataDir, "transactions"))
	if err != nil {
		return nil, err
	}
	return NewTxStore(db), nil
}

// AddTransaction stores the transaction.
func (s *TxStore) AddTransaction(tx *wire.MsgTx) error {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize transaction: %w", err)
	}
	hash := tx.TxHash()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := s.db.Put(bucketKey(txBucket, &hash), buf.Bytes()); err != nil {
		return fmt.Errorf("store transaction %v: %w", hash, err)
	}

	log.Tracef("Added transaction %v", hash)
	return nil
}

// Get returns the transaction for hash.  A nil transaction and nil error are
// returned when it is not in the store.
func (s *TxStore) Get(hash *chainhash.Hash) (*wire.MsgTx, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.tx(hash)
}

// tx loads and deserializes the transaction for hash.
//
// This function MUST be called with the store lock held.
func (s *TxStore) tx(hash *chainhash.Hash) (*wire.MsgTx, error) {
	serialized, err := s.db.Get(bucketKey(txBucket, hash))
	if err != nil || serialized == nil {
		return nil, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(serialized)); err != nil {
		return nil, fmt.Errorf("deserialize transaction %v: %w", hash, err)
	}
	return &tx, nil
}

// GetTransactions looks up the transaction entries of invList and returns the
// transactions that are in the store, in the order they were requested.
// Entries of other kinds are ignored.
func (s *TxStore) GetTransactions(invList []*wire.InvVect) ([]*wire.MsgTx, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var txns []*wire.MsgTx
	for _, iv := range invList {
		if iv.Type != wire.InvTypeTx && iv.Type != wire.InvTypeWitnessTx {
			continue
		}
		tx, err := s.tx(&iv.Hash)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			txns = append(txns, tx)
		}
	}
	return txns, nil
}

// Close closes the underlying engine.  Using the store after Close returns
// ErrStoreClosed.
func (s *TxStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return s.db.Close()
}
