// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package comptool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// errWaitTimeout is returned by waitUntil when the condition did not hold in
// time.
var errWaitTimeout = errors.New("wait timed out")

// waitUntil polls cond at the configured interval until it returns true, it
// returns an error, ctx is done or timeout elapses.
func (m *TestManager) waitUntil(ctx context.Context, timeout time.Duration,
	cond func() (bool, error)) error {

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return errWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// allNodes returns a condition that holds when pred holds for every node.
// Fatal errors latched by a node callback are reported by the condition.
func (m *TestManager) allNodes(pred func(n *TestNode) bool) func() (bool, error) {
	return func() (bool, error) {
		for _, c := range m.conns {
			if err := c.node.err(); err != nil {
				return false, err
			}
		}
		for _, c := range m.conns {
			if !pred(c.node) {
				return false, nil
			}
		}
		return true, nil
	}
}

// awaitHandshake waits until every connection completed the version
// handshake.
func (m *TestManager) awaitHandshake(ctx context.Context) error {
	err := m.waitUntil(ctx, m.cfg.HandshakeTimeout, func() (bool, error) {
		for _, c := range m.conns {
			if !c.node.handshakeDone() && !c.peer.VerAckReceived() {
				return false, nil
			}
		}
		return true, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return testFailure(ErrHandshakeTimeout, fmt.Sprintf("not all "+
			"connections completed the handshake within %v",
			m.cfg.HandshakeTimeout))
	}
	return err
}

// syncBlocks waits until every node requested the block, refreshes the tip of
// every node and waits for the refresh to be processed.  numObjects scales
// the number of polls allowed for the request.
func (m *TestManager) syncBlocks(ctx context.Context, hash *chainhash.Hash, numObjects int) error {
	defer m.metrics.observeBarrier(barrierBlock, time.Now())

	timeout := m.requestTimeout(numObjects)
	err := m.waitUntil(ctx, timeout, m.allNodes(func(n *TestNode) bool {
		return n.isBlockRequested(hash)
	}))
	if errors.Is(err, errWaitTimeout) {
		return testFailure(ErrNotRequested, fmt.Sprintf("not all nodes "+
			"requested block %v within %v", hash, timeout))
	}
	if err != nil {
		return err
	}

	for _, c := range m.conns {
		if err := c.node.sendGetHeaders(); err != nil {
			return err
		}
	}
	return m.syncPing(ctx)
}

// syncTransaction waits until every node requested the transaction, refreshes
// the mempool inventory of every node and waits for the refresh to be
// processed.  The inventories are sorted afterwards so they can be compared.
func (m *TestManager) syncTransaction(ctx context.Context, hash *chainhash.Hash, numObjects int) error {
	defer m.metrics.observeBarrier(barrierTx, time.Now())

	timeout := m.requestTimeout(numObjects)
	err := m.waitUntil(ctx, timeout, m.allNodes(func(n *TestNode) bool {
		return n.isTxRequested(hash)
	}))
	if errors.Is(err, errWaitTimeout) {
		return testFailure(ErrNotRequested, fmt.Sprintf("not all nodes "+
			"requested transaction %v within %v", hash, timeout))
	}
	if err != nil {
		return err
	}

	for _, c := range m.conns {
		c.node.sendMempool()
	}
	if err := m.syncPing(ctx); err != nil {
		return err
	}
	for _, c := range m.conns {
		c.node.sortInventory()
	}
	return nil
}

// syncPing sends a ping with a fresh nonce to every node and waits for all of
// them to answer.  A node processes its messages in order, so every message
// sent before the ping has been handled once the pong is observed.
func (m *TestManager) syncPing(ctx context.Context) error {
	defer m.metrics.observeBarrier(barrierPing, time.Now())

	nonce := m.pingCounter
	m.pingCounter++
	for _, c := range m.conns {
		c.node.sendPing(nonce)
	}

	err := m.waitUntil(ctx, m.cfg.PongTimeout, m.allNodes(func(n *TestNode) bool {
		return n.receivedPong(nonce)
	}))
	if errors.Is(err, errWaitTimeout) {
		return testFailure(ErrPeerUnresponsive, fmt.Sprintf("not all "+
			"nodes answered ping %d within %v", nonce, m.cfg.PongTimeout))
	}
	return err
}

// requestTimeout returns the time allowed for numObjects objects to be
// requested.
func (m *TestManager) requestTimeout(numObjects int) time.Duration {
	if numObjects < 1 {
		numObjects = 1
	}
	attempts := m.cfg.RequestAttempts * numObjects
	return time.Duration(attempts) * m.cfg.PollInterval
}

// checkResults checks the tips of the nodes against the outcome of a block.
// Indeterminate outcomes only require the tips of all nodes to be equal.
func (m *TestManager) checkResults(expected chainhash.Hash, outcome Outcome) error {
	if len(m.conns) == 0 {
		return nil
	}

	ref := m.conns[0].node.bestBlock()
	for _, c := range m.conns {
		tip := c.node.bestBlock()
		if outcome == Indeterminate {
			if !hashesEqual(tip, ref) {
				return testFailure(ErrTipMismatch, fmt.Sprintf("tip "+
					"of %s (%s) differs from tip of %s (%s)",
					c.node, nodeTip(tip), m.conns[0].node,
					nodeTip(ref)))
			}
			continue
		}

		atExpected := tip != nil && *tip == expected
		if atExpected != (outcome == Accepted) {
			return testFailure(ErrTipMismatch, fmt.Sprintf("%s has tip "+
				"%s, expected block %v to be %v", c.node,
				nodeTip(tip), expected, outcome))
		}
	}
	return nil
}

// checkMempool checks the mempools of the nodes against the outcome of a
// transaction.  Indeterminate outcomes only require the sorted mempool
// inventories of all nodes to be equal.
func (m *TestManager) checkMempool(hash *chainhash.Hash, outcome Outcome) error {
	if len(m.conns) == 0 {
		return nil
	}

	ref := m.conns[0].node.inventory()
	for _, c := range m.conns {
		inv := c.node.inventory()
		if outcome == Indeterminate {
			if !slices.Equal(inv, ref) {
				return testFailure(ErrMempoolMismatch, fmt.Sprintf(
					"mempool of %s (%d entries) differs from "+
						"mempool of %s (%d entries)", c.node,
					len(inv), m.conns[0].node, len(ref)))
			}
			continue
		}

		inMempool := slices.Contains(inv, *hash)
		if inMempool != (outcome == Accepted) {
			return testFailure(ErrMempoolMismatch, fmt.Sprintf("%s "+
				"mempool contains %v: %v, expected transaction "+
				"to be %v", c.node, hash, inMempool, outcome))
		}
	}
	return nil
}

// hashesEqual returns whether two optional hashes are equal.
func hashesEqual(a, b *chainhash.Hash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
