// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package chaingen builds blocks and transactions for comparison tests.

A Generator extends a chain of named blocks from the genesis block of a
network, solving each block and paying the coinbase to a key it holds so the
outputs can later be spent by signed transactions.  Munge functions modify a
block before it is solved, which makes it simple to build blocks that break a
specific consensus rule.

BasicTests drives a Generator to produce a stock comparison scenario that can
be passed directly to a comptool.TestManager.
*/
package chaingen
