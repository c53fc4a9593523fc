// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaingen

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// AdditionalCoinbase returns a function that itself takes a block and
// modifies it by adding the provided amount to the coinbase subsidy.
func AdditionalCoinbase(amount btcutil.Amount) func(*wire.MsgBlock) {
	return func(b *wire.MsgBlock) {
		// Increase the first proof-of-work coinbase subsidy by the
		// provided amount.
		b.Transactions[0].TxOut[0].Value += int64(amount)
	}
}

// BadMerkleRoot returns a function that itself takes a block and modifies it
// by replacing its merkle root with one that does not commit to its
// transactions.
func BadMerkleRoot() func(*wire.MsgBlock) {
	return func(b *wire.MsgBlock) {
		b.Header.MerkleRoot = chainhash.DoubleHashH(b.Header.MerkleRoot[:])
	}
}

// AdditionalTx returns a function that itself takes a block and modifies it by
// adding the provided transaction.
func AdditionalTx(tx *wire.MsgTx) func(*wire.MsgBlock) {
	return func(b *wire.MsgBlock) {
		b.AddTransaction(tx)
	}
}
