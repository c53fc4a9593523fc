// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaingen

import (
	"errors"
	"fmt"
	"iter"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btccomptool/comptool"
)

// numBasicTxns is the number of transactions announced together by the batched
// transaction test.
const numBasicTxns = 3

// BasicTests is a comptool.TestGenerator producing a stock scenario that
// exercises every kind of delivery:
//
//   - a chain reaching coinbase maturity, announced in batches
//   - a block spending a mature coinbase
//   - blocks with a bad merkle root and an excessive coinbase, both rejected
//   - a side chain block that does not become the tip
//   - a block whose parent is only announced by header, followed by the
//     parent itself which triggers a reorganization
//   - a batch of transactions compared across the nodes and a single
//     transaction expected in every mempool
//
// The blocks are generated lazily while the tests are consumed.
type BasicTests struct {
	params *chaincfg.Params
}

// Ensure BasicTests implements the comptool.TestGenerator interface.
var _ comptool.TestGenerator = (*BasicTests)(nil)

// NewBasicTests returns the stock scenario for the passed network.
func NewBasicTests(params *chaincfg.Params) *BasicTests {
	return &BasicTests{params: params}
}

// Tests returns the test instances of the scenario.
//
// This is part of the comptool.TestGenerator interface implementation.
func (t *BasicTests) Tests() iter.Seq2[*comptool.TestInstance, error] {
	return func(yield func(*comptool.TestInstance, error) bool) {
		g, err := NewGenerator(t.params)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, step := range basicSteps(g) {
			inst, err := runStep(step)
			if !yield(inst, err) || err != nil {
				return
			}
		}
	}
}

// runStep invokes a step of a scenario.  The generator panics on misuse, so
// any panic is converted into an error.
func runStep(step func() *comptool.TestInstance) (inst *comptool.TestInstance, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst = nil

			switch rt := r.(type) {
			case string:
				err = errors.New(rt)
			case error:
				err = rt
			default:
				err = errors.New("Unknown panic")
			}
		}
	}()

	return step(), nil
}

// acceptBlock returns a block entry expecting the block to become the tip.
func acceptBlock(block *wire.MsgBlock) comptool.Entry {
	return comptool.BlockEntry{Block: block, Outcome: comptool.Accepted}
}

// rejectBlock returns a block entry expecting the block not to become the tip.
func rejectBlock(block *wire.MsgBlock) comptool.Entry {
	return comptool.BlockEntry{Block: block, Outcome: comptool.Rejected}
}

// acceptBlockWithTip returns a block entry expecting the block to be accepted
// while tip is the resulting chain tip.
func acceptBlockWithTip(block, tip *wire.MsgBlock) comptool.Entry {
	tipHash := tip.BlockHash()
	return comptool.BlockEntry{
		Block:   block,
		Outcome: comptool.Accepted,
		Tip:     &tipHash,
	}
}

// named sets the name of a test instance.
func named(name string, inst *comptool.TestInstance) *comptool.TestInstance {
	inst.Name = name
	return inst
}

// basicSteps returns the steps of the stock scenario in order.  Each step
// generates the objects of one test instance.
func basicSteps(g *Generator) []func() *comptool.TestInstance {
	return []func() *comptool.TestInstance{
		// Build enough blocks for the first coinbase to mature and only
		// check the last one.
		func() *comptool.TestInstance {
			numBlocks := int(g.params.CoinbaseMaturity) + 1
			entries := make([]comptool.Entry, 0, numBlocks)
			for i := 0; i < numBlocks; i++ {
				block := g.NextBlock(fmt.Sprintf("bm%d", i), nil)
				entries = append(entries, acceptBlock(block))
			}
			g.SaveSpendableCoinbaseOuts()

			inst := comptool.NewTestInstance(entries...)
			inst.SyncEveryBlock = false
			return named("coinbase maturity", inst)
		},

		// Spend the oldest mature coinbase.
		//
		//   ... -> bm100 -> b1(0)
		func() *comptool.TestInstance {
			out := g.OldestCoinbaseOut()
			b1 := g.NextBlock("b1", &out)
			return named("spend coinbase",
				comptool.NewTestInstance(acceptBlock(b1)))
		},

		// Create a block whose merkle root does not commit to its
		// transactions.
		//
		//   ... -> b1(0) -> b2bad
		func() *comptool.TestInstance {
			b2 := g.NextBlock("b2bad", nil, BadMerkleRoot())
			g.SetTip("b1")
			return named("bad merkle root",
				comptool.NewTestInstance(rejectBlock(b2)))
		},

		// Create a block whose coinbase pays more than the subsidy.
		//
		//   ... -> b1(0) -> b2cb
		func() *comptool.TestInstance {
			b2 := g.NextBlock("b2cb", nil, AdditionalCoinbase(1))
			g.SetTip("b1")
			return named("excessive coinbase",
				comptool.NewTestInstance(rejectBlock(b2)))
		},

		// Create a side chain block with the same work as the tip.  The
		// first seen block stays the tip.
		//
		//   ... -> bm100 -> b1(0)
		//               \-> s1
		func() *comptool.TestInstance {
			b1 := g.BlockByName("b1")
			g.SetTip(fmt.Sprintf("bm%d", g.params.CoinbaseMaturity))
			s1 := g.NextBlock("s1", nil)
			return named("side chain",
				comptool.NewTestInstance(acceptBlockWithTip(s1, b1)))
		},

		// Extend the side chain past the main chain while withholding the
		// middle block.  Only its header is registered so headers-first
		// nodes can request it before it is delivered.
		//
		//   ... -> bm100 -> b1(0)
		//               \-> s1 -> s2 -> s3
		func() *comptool.TestInstance {
			s2 := g.NextBlock("s2", nil)
			s3 := g.NextBlock("s3", nil)
			return named("withheld parent", comptool.NewTestInstance(
				comptool.HeaderEntry{Header: &s2.Header},
				comptool.BlockEntry{Block: s3, Outcome: comptool.Indeterminate},
				acceptBlockWithTip(s2, s3),
			))
		},

		// Announce several transactions at once and compare the mempools
		// of the nodes.
		func() *comptool.TestInstance {
			entries := make([]comptool.Entry, 0, numBasicTxns)
			for i := 0; i < numBasicTxns; i++ {
				out := g.OldestCoinbaseOut()
				outcome := comptool.Accepted
				if i == numBasicTxns-1 {
					outcome = comptool.Indeterminate
				}
				entries = append(entries, comptool.TxEntry{
					Tx:      g.CreateSpendTx(&out, 1000),
					Outcome: outcome,
				})
			}
			return named("batched transactions",
				comptool.NewTestInstance(entries...))
		},

		// Deliver a single transaction expected in every mempool.
		func() *comptool.TestInstance {
			out := g.OldestCoinbaseOut()
			inst := comptool.NewTestInstance(comptool.TxEntry{
				Tx:      g.CreateSpendTx(&out, 1000),
				Outcome: comptool.Accepted,
			})
			inst.SyncEveryTx = true
			return named("accepted transaction", inst)
		},
	}
}
