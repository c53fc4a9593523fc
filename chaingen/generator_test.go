// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaingen

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btccomptool/comptool"
	"github.com/stretchr/testify/require"
)

var regressionNetParams = &chaincfg.RegressionNetParams

// checkSanity runs the context free block checks against block.
func checkSanity(block *wire.MsgBlock) error {
	return blockchain.CheckBlockSanity(btcutil.NewBlock(block),
		regressionNetParams.PowLimit, blockchain.NewMedianTime())
}

// TestNextBlock ensures generated blocks link to each other and pass the
// context free sanity checks.
func TestNextBlock(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(regressionNetParams)
	require.NoError(t, err)
	require.Equal(t, int32(0), g.TipHeight())
	require.Equal(t, "genesis", g.TipName())

	prevHash := regressionNetParams.GenesisHash
	for i, name := range []string{"b1", "b2", "b3", "b4", "b5"} {
		block := g.NextBlock(name, nil)
		require.Equal(t, *prevHash, block.Header.PrevBlock)
		require.NoError(t, checkSanity(block), "block %s", name)
		require.Equal(t, int32(i+1), g.TipHeight())
		require.Same(t, block, g.BlockByName(name))

		hash := block.BlockHash()
		prevHash = &hash
	}

	// Branching from an earlier block yields a distinct sibling.
	g.SetTip("b3")
	sibling := g.NextBlock("b4a", nil)
	require.Equal(t, g.BlockByName("b3").BlockHash(), sibling.Header.PrevBlock)
	require.NotEqual(t, g.BlockByName("b4").BlockHash(), sibling.BlockHash())
	require.Equal(t, int32(4), g.TipHeight())
}

// TestMungers ensures the invalid block helpers break the intended rules.
func TestMungers(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(regressionNetParams)
	require.NoError(t, err)
	g.NextBlock("b1", nil)

	bad := g.NextBlock("bad", nil, BadMerkleRoot())
	var ruleErr blockchain.RuleError
	err = checkSanity(bad)
	require.True(t, errors.As(err, &ruleErr), "unexpected error %v", err)
	require.Equal(t, blockchain.ErrBadMerkleRoot, ruleErr.ErrorCode)

	g.SetTip("b1")
	rich := g.NextBlock("rich", nil, AdditionalCoinbase(1))
	require.NoError(t, checkSanity(rich))
	subsidy := blockchain.CalcBlockSubsidy(2, regressionNetParams)
	require.Equal(t, subsidy+1, rich.Transactions[0].TxOut[0].Value)
}

// TestCreateSpendTx ensures spends of saved coinbase outputs carry valid
// signatures.
func TestCreateSpendTx(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(regressionNetParams)
	require.NoError(t, err)
	for _, name := range []string{"b1", "b2", "b3"} {
		g.NextBlock(name, nil)
	}
	g.SaveSpendableCoinbaseOuts()
	require.Equal(t, 3, g.NumSpendableOuts())

	out := g.OldestCoinbaseOut()
	require.Equal(t, g.BlockByName("b1").Transactions[0].TxHash(),
		out.PrevOut.Hash)

	tx := g.CreateSpendTx(&out, 1000)
	require.NoError(t, blockchain.CheckTransactionSanity(btcutil.NewTx(tx)))
	require.Equal(t, int64(out.Amount-1000), tx.TxOut[0].Value)

	fetcher := txscript.NewCannedPrevOutputFetcher(out.PkScript,
		int64(out.Amount))
	vm, err := txscript.NewEngine(out.PkScript, tx, 0,
		txscript.StandardVerifyFlags, nil, nil, int64(out.Amount), fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())

	// Including the spend in a block keeps the block sane.
	out = g.OldestCoinbaseOut()
	block := g.NextBlock("b4", &out)
	require.Len(t, block.Transactions, 2)
	require.NoError(t, checkSanity(block))
}

// TestOldestCoinbaseOutEmpty ensures running out of outputs panics so the
// scenario steps report it.
func TestOldestCoinbaseOutEmpty(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(regressionNetParams)
	require.NoError(t, err)

	_, err = runStep(func() *comptool.TestInstance {
		g.OldestCoinbaseOut()
		return nil
	})
	require.EqualError(t, err, "no spendable coinbase outputs")
}
