// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package comptool

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btccomptool/blockstore"
	"github.com/davecgh/go-spew/spew"
)

// messageSender queues messages to a node under test.  It is satisfied by
// *peer.Peer.
type messageSender interface {
	QueueMessage(msg wire.Message, doneChan chan<- struct{})
}

// TestNode observes the protocol traffic of a single connection to a node
// under test.  It answers the node's getheaders and getdata requests from the
// shared stores and records what the node reports about its chain and
// mempool.
//
// The callbacks run on the connection's input goroutine, one message at a
// time in arrival order.  A fatal protocol violation raised by a callback is
// latched and reported to the test manager by the next call to err.
type TestNode struct {
	blockStore *blockstore.BlockStore
	txStore    *blockstore.TxStore
	conn       messageSender
	addr       string

	// mtx protects all fields below.  The test manager also holds it while
	// registering a block so a getdata callback cannot interleave.
	mtx            sync.Mutex
	bestBlockHash  *chainhash.Hash
	blockRequested map[chainhash.Hash]bool
	txRequested    map[chainhash.Hash]bool
	lastInv        []chainhash.Hash
	pendingPings   map[uint64]struct{}
	issuedPings    map[uint64]struct{}
	keepalivePings map[uint64]struct{}
	verAckReceived bool
	closed         bool
	fatal          error
}

// newTestNode returns a TestNode answering requests from the passed stores.
func newTestNode(blockStore *blockstore.BlockStore, txStore *blockstore.TxStore) *TestNode {
	return &TestNode{
		blockStore:     blockStore,
		txStore:        txStore,
		blockRequested: make(map[chainhash.Hash]bool),
		txRequested:    make(map[chainhash.Hash]bool),
		pendingPings:   make(map[uint64]struct{}),
		issuedPings:    make(map[uint64]struct{}),
		keepalivePings: make(map[uint64]struct{}),
	}
}

// String returns the address of the node under test.
func (n *TestNode) String() string {
	return n.addr
}

// listeners returns the peer callbacks that feed the TestNode.
func (n *TestNode) listeners() peer.MessageListeners {
	return peer.MessageListeners{
		OnInv:        func(_ *peer.Peer, msg *wire.MsgInv) { n.OnInv(msg) },
		OnHeaders:    func(_ *peer.Peer, msg *wire.MsgHeaders) { n.OnHeaders(msg) },
		OnGetHeaders: func(_ *peer.Peer, msg *wire.MsgGetHeaders) { n.OnGetHeaders(msg) },
		OnGetData:    func(_ *peer.Peer, msg *wire.MsgGetData) { n.OnGetData(msg) },
		OnPong:       func(_ *peer.Peer, msg *wire.MsgPong) { n.OnPong(msg) },
		OnVerAck:     func(_ *peer.Peer, _ *wire.MsgVerAck) { n.OnVerAck() },
		OnRead: func(_ *peer.Peer, _ int, msg wire.Message, err error) {
			if err != nil {
				return
			}
			log.Tracef("Received %v from %s: %v", msg.Command(), n,
				newLogClosure(func() string { return spew.Sdump(msg) }))
		},
		OnWrite: func(_ *peer.Peer, _ int, msg wire.Message, err error) {
			if err != nil {
				return
			}
			n.OnWrite(msg)
		},
	}
}

// fail latches err as the fatal error of the node unless one is already set.
//
// This function MUST be called with the node lock held.
func (n *TestNode) fail(err error) {
	if n.fatal == nil {
		log.Errorf("Fatal error on connection to %s: %v", n, err)
		n.fatal = err
	}
}

// err returns the fatal error raised by a callback, if any.
func (n *TestNode) err() error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.fatal
}

// OnInv replaces the last inventory with the announced hashes.
func (n *TestNode) OnInv(msg *wire.MsgInv) {
	hashes := make([]chainhash.Hash, 0, len(msg.InvList))
	for _, iv := range msg.InvList {
		hashes = append(hashes, iv.Hash)
	}

	n.mtx.Lock()
	n.lastInv = hashes
	n.mtx.Unlock()
}

// OnHeaders records the last header of a non-empty headers message as the
// node's best block.
func (n *TestNode) OnHeaders(msg *wire.MsgHeaders) {
	if len(msg.Headers) == 0 {
		return
	}
	hash := msg.Headers[len(msg.Headers)-1].BlockHash()

	n.mtx.Lock()
	n.bestBlockHash = &hash
	n.mtx.Unlock()
}

// OnGetHeaders answers a getheaders request from the block store.  Nothing is
// sent when the store has no current block.
func (n *TestNode) OnGetHeaders(msg *wire.MsgGetHeaders) {
	headers, err := n.blockStore.HeadersFor(msg.BlockLocatorHashes, &msg.HashStop)
	if err != nil {
		n.mtx.Lock()
		n.fail(testFailure(ErrStore, fmt.Sprintf("unable to answer "+
			"getheaders from %s: %v", n, err)))
		n.mtx.Unlock()
		return
	}
	if headers != nil {
		n.conn.QueueMessage(headers, nil)
	}
}

// OnGetData sends the requested blocks and then the requested transactions
// that are in the stores, preserving the request order within each kind.
// Every requested hash is marked as requested whether or not it was found.
//
// The objects are queued before the hashes are marked, so any message the
// test manager sends after observing the request is delivered after them.
func (n *TestNode) OnGetData(msg *wire.MsgGetData) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	blocks, err := n.blockStore.GetBlocks(msg.InvList)
	if err != nil {
		n.fail(testFailure(ErrStore, fmt.Sprintf("unable to answer "+
			"getdata from %s: %v", n, err)))
		return
	}
	txns, err := n.txStore.GetTransactions(msg.InvList)
	if err != nil {
		n.fail(testFailure(ErrStore, fmt.Sprintf("unable to answer "+
			"getdata from %s: %v", n, err)))
		return
	}
	for _, block := range blocks {
		n.conn.QueueMessage(block, nil)
	}
	for _, tx := range txns {
		n.conn.QueueMessage(tx, nil)
	}

	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
			n.blockRequested[iv.Hash] = true
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			n.txRequested[iv.Hash] = true
		}
	}
}

// OnPong consumes the nonce of an outstanding ping.  A pong for a nonce that
// was never sent is a fatal protocol violation.
func (n *TestNode) OnPong(msg *wire.MsgPong) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	if _, ok := n.pendingPings[msg.Nonce]; ok {
		delete(n.pendingPings, msg.Nonce)
		return
	}
	if _, ok := n.keepalivePings[msg.Nonce]; ok {
		delete(n.keepalivePings, msg.Nonce)
		return
	}
	n.fail(testFailure(ErrUnrequestedPong, fmt.Sprintf("got pong for "+
		"unrequested nonce %d from %s", msg.Nonce, n)))
}

// OnVerAck records the completion of the version handshake.
func (n *TestNode) OnVerAck() {
	n.mtx.Lock()
	n.verAckReceived = true
	n.mtx.Unlock()
}

// OnWrite records pings that were not sent by the test manager.  The peer
// sends periodic keepalive pings on its own and their pongs must not be
// treated as unrequested.
//
// The write is reported after it completed, possibly after the pong was
// already consumed, so nonces issued by the test manager are never recorded.
func (n *TestNode) OnWrite(msg wire.Message) {
	ping, ok := msg.(*wire.MsgPing)
	if !ok {
		return
	}

	n.mtx.Lock()
	if _, ok := n.issuedPings[ping.Nonce]; !ok {
		n.keepalivePings[ping.Nonce] = struct{}{}
	}
	n.mtx.Unlock()
}

// onClose marks the connection closed.
func (n *TestNode) onClose() {
	n.mtx.Lock()
	n.closed = true
	n.mtx.Unlock()

	log.Debugf("Connection to %s closed", n)
}

// sendInv announces a single object to the node.
func (n *TestNode) sendInv(iv *wire.InvVect) {
	msg := wire.NewMsgInv()
	msg.AddInvVect(iv)
	n.conn.QueueMessage(msg, nil)
}

// sendGetHeaders asks the node for headers after the best block it last
// reported, which refreshes the best block once the response arrives.
func (n *TestNode) sendGetHeaders() error {
	n.mtx.Lock()
	best := n.bestBlockHash
	n.mtx.Unlock()

	locator, err := n.blockStore.LocatorFor(best)
	if err != nil {
		return testFailure(ErrStore, fmt.Sprintf("unable to build "+
			"locator for %s: %v", n, err))
	}
	msg := wire.NewMsgGetHeaders()
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			break
		}
	}
	n.conn.QueueMessage(msg, nil)
	return nil
}

// sendPing records nonce as outstanding and sends a ping carrying it.
func (n *TestNode) sendPing(nonce uint64) {
	n.mtx.Lock()
	n.pendingPings[nonce] = struct{}{}
	n.issuedPings[nonce] = struct{}{}
	n.mtx.Unlock()

	n.conn.QueueMessage(wire.NewMsgPing(nonce), nil)
}

// sendMempool clears the last inventory and asks the node for the contents
// of its mempool.
func (n *TestNode) sendMempool() {
	n.mtx.Lock()
	n.lastInv = nil
	n.mtx.Unlock()

	n.conn.QueueMessage(wire.NewMsgMemPool(), nil)
}

// receivedPong returns whether the ping with nonce has been answered.
func (n *TestNode) receivedPong(nonce uint64) bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	_, pending := n.pendingPings[nonce]
	return !pending
}

// isBlockRequested returns whether the node sent a getdata for the block.
func (n *TestNode) isBlockRequested(hash *chainhash.Hash) bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.blockRequested[*hash]
}

// isTxRequested returns whether the node sent a getdata for the transaction.
func (n *TestNode) isTxRequested(hash *chainhash.Hash) bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.txRequested[*hash]
}

// resetTxRequest marks the transaction as known but not yet requested.
//
// This function MUST be called with the node lock held.
func (n *TestNode) resetTxRequest(hash *chainhash.Hash) {
	n.txRequested[*hash] = false
}

// bestBlock returns the best block last reported by the node, or nil.
func (n *TestNode) bestBlock() *chainhash.Hash {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.bestBlockHash
}

// inventory returns a copy of the last inventory announced by the node.
func (n *TestNode) inventory() []chainhash.Hash {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	inv := make([]chainhash.Hash, len(n.lastInv))
	copy(inv, n.lastInv)
	return inv
}

// sortInventory sorts the last inventory so it can be compared across nodes.
func (n *TestNode) sortInventory() {
	n.mtx.Lock()
	sort.Slice(n.lastInv, func(i, j int) bool {
		return bytes.Compare(n.lastInv[i][:], n.lastInv[j][:]) < 0
	})
	n.mtx.Unlock()
}

// handshakeDone returns whether the version handshake completed.
func (n *TestNode) handshakeDone() bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.verAckReceived
}

// isClosed returns whether the connection has been closed.
func (n *TestNode) isClosed() bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.closed
}
