// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package comptool

import (
	"fmt"
	"iter"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Outcome is the result a test expects the nodes to reach for a block or a
// transaction.
type Outcome uint8

const (
	// Indeterminate means no particular result is expected.  The nodes
	// are only compared against each other.
	Indeterminate Outcome = iota

	// Accepted means the block must become the tip of every node, or the
	// transaction must be in the mempool of every node.
	Accepted

	// Rejected means the block must not be the tip of any node, or the
	// transaction must not be in the mempool of any node.
	Rejected
)

// String returns the outcome as a human-readable string.
func (o Outcome) String() string {
	switch o {
	case Indeterminate:
		return "indeterminate"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Unknown Outcome (%d)", uint8(o))
	}
}

// Entry is an object delivered to the nodes by a test instance.  It is one of
// BlockEntry, HeaderEntry or TxEntry.
type Entry interface {
	comparisonEntry()
}

// BlockEntry delivers a full block and checks the resulting chain tips.
//
// The tips are compared against Tip when it is set and against the hash of
// Block otherwise.
type BlockEntry struct {
	Block   *wire.MsgBlock
	Outcome Outcome
	Tip     *chainhash.Hash
}

// HeaderEntry registers a block header with the block store without
// announcing it.  It makes the header available to getheaders responses so
// headers-first nodes can be fed a chain with a withheld block.  Nothing is
// checked for header entries.
type HeaderEntry struct {
	Header *wire.BlockHeader
}

// TxEntry delivers a transaction and checks the resulting mempools.
type TxEntry struct {
	Tx      *wire.MsgTx
	Outcome Outcome
}

// Ensure the entry types implement the Entry interface.
var (
	_ Entry = BlockEntry{}
	_ Entry = HeaderEntry{}
	_ Entry = TxEntry{}
)

func (BlockEntry) comparisonEntry()  {}
func (HeaderEntry) comparisonEntry() {}
func (TxEntry) comparisonEntry()     {}

// expectedTip returns the hash the chain tips are checked against.
func (e BlockEntry) expectedTip() chainhash.Hash {
	if e.Tip != nil {
		return *e.Tip
	}
	return e.Block.BlockHash()
}

// TestInstance is a single test of a comparison run: an ordered list of
// objects to deliver along with the granularity of synchronization.
//
// When SyncEveryBlock is set each block is announced, synchronized and
// checked on its own.  Otherwise block announcements accumulate and only the
// last block of the instance is synchronized and checked.  SyncEveryTx
// behaves the same way for transactions; when the last transaction has an
// indeterminate outcome the complete mempools are compared.
type TestInstance struct {
	Name           string
	Entries        []Entry
	SyncEveryBlock bool
	SyncEveryTx    bool
}

// NewTestInstance returns a test instance delivering the passed entries which
// synchronizes on every block but not on every transaction.
func NewTestInstance(entries ...Entry) *TestInstance {
	return &TestInstance{
		Entries:        entries,
		SyncEveryBlock: true,
	}
}

// TestGenerator produces the test instances of a comparison run.
type TestGenerator interface {
	// Tests returns the test instances in the order they are run.  The
	// sequence is consumed once; a non-nil error aborts the run.
	Tests() iter.Seq2[*TestInstance, error]
}

// TestList is a TestGenerator over a fixed list of test instances.
type TestList []*TestInstance

// Tests returns the test instances of the list in order.
//
// This is part of the TestGenerator interface implementation.
func (l TestList) Tests() iter.Seq2[*TestInstance, error] {
	return func(yield func(*TestInstance, error) bool) {
		for _, inst := range l {
			if !yield(inst, nil) {
				return
			}
		}
	}
}
