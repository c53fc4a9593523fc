// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockstore

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// makeTx returns a transaction spending a fake outpoint identified by n.
func makeTx(n uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	prevHash := chainhash.Hash{0xaa, byte(n)}
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, n), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(n)+1000, []byte{0x51}))
	return tx
}

// TestTxStore ensures transactions round trip through each on-disk engine and
// that lookups by inventory preserve the request order.
func TestTxStore(t *testing.T) {
	for _, engineType := range []string{"leveldb", "pebble"} {
		engineType := engineType
		t.Run(engineType, func(t *testing.T) {
			store, err := OpenTxStore(engineType, t.TempDir())
			require.NoError(t, err)
			defer store.Close()

			txns := []*wire.MsgTx{makeTx(1), makeTx(2), makeTx(3)}
			for _, tx := range txns[:2] {
				require.NoError(t, store.AddTransaction(tx))
			}

			hash := txns[0].TxHash()
			got, err := store.Get(&hash)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, hash, got.TxHash())

			missing := txns[2].TxHash()
			got, err = store.Get(&missing)
			require.NoError(t, err)
			require.Nil(t, got)

			second := txns[1].TxHash()
			blockHash := chainhash.Hash{0x01}
			invList := []*wire.InvVect{
				wire.NewInvVect(wire.InvTypeWitnessTx, &second),
				wire.NewInvVect(wire.InvTypeBlock, &blockHash),
				wire.NewInvVect(wire.InvTypeTx, &missing),
				wire.NewInvVect(wire.InvTypeTx, &hash),
			}
			found, err := store.GetTransactions(invList)
			require.NoError(t, err)
			require.Len(t, found, 2)
			require.Equal(t, second, found[0].TxHash())
			require.Equal(t, hash, found[1].TxHash())
		})
	}
}

// TestOpenStoresSeparateDirs ensures the block and transaction stores opened
// from one data directory use separate engines.
func TestOpenStoresSeparateDirs(t *testing.T) {
	dataDir := t.TempDir()

	blocks, err := OpenBlockStore("leveldb", dataDir)
	require.NoError(t, err)
	defer blocks.Close()

	txns, err := OpenTxStore("leveldb", dataDir)
	require.NoError(t, err)
	defer txns.Close()

	require.DirExists(t, filepath.Join(dataDir, "blocks"))
	require.DirExists(t, filepath.Join(dataDir, "transactions"))
}
