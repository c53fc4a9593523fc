// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package comptool implements a comparison test harness for bitcoin nodes.

The harness connects to one or more nodes over the peer-to-peer protocol and
feeds all of them the same sequence of blocks and transactions.  After each
delivery it establishes a synchronization barrier and checks that every node
reached the expected outcome: a block became the chain tip or it did not, a
transaction entered the mempool or it did not, or, when the outcome is left
open, that all nodes agree with each other.

# Test Instances

Tests are described by a TestGenerator which yields TestInstance values.  A
test instance is an ordered list of entries:

  - BlockEntry delivers a block along with its expected Outcome and an
    optional expected tip
  - HeaderEntry registers a block header without delivering its block so a
    later block can build on a withheld parent
  - TxEntry delivers a transaction along with its expected Outcome

The SyncEveryBlock and SyncEveryTx flags of a test instance select whether
each object is checked on its own or whether announcements are batched and
only the last object of the instance is checked.

# Synchronization

Objects are never pushed to a node unprompted.  They are announced with an
inv message and served from the block and transaction stores when the node
asks for them.  A barrier first waits for every node to request the object,
then refreshes the view of each node with a getheaders or mempool request,
and finally sends a ping.  Each node processes its messages in order, so
once the matching pong has been received the refreshed view is up to date.

# Errors

Failed checks and protocol violations abort the run with a *TestFailure
which carries the number of the failing test instance and an ErrorCode.

# Usage

	mgr, err := comptool.New(&comptool.Config{
		ChainParams: &chaincfg.RegressionNetParams,
	})
	if err != nil {
		return err
	}
	err = mgr.ConnectAll(ctx, []comptool.Target{
		{Addr: "127.0.0.1:18444"},
		{Addr: "127.0.0.1:18555"},
	})
	if err != nil {
		return err
	}
	return mgr.Run(ctx, generator)
*/
package comptool
