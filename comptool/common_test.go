// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package comptool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

/* This file contains mock structs and helper functions that are shared by tests
 * in the comptool package.
 */

// makeBlock returns a block with a single coinbase-like transaction that
// builds on prevHash.  The nonce makes sibling blocks unique.
func makeBlock(prevHash *chainhash.Hash, nonce uint32) *wire.MsgBlock {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{},
		wire.MaxPrevOutIndex), []byte{byte(nonce), byte(nonce >> 8)}, nil))
	tx.AddTxOut(wire.NewTxOut(int64(nonce), []byte{0x51}))

	merkleRoot := tx.TxHash()
	header := wire.NewBlockHeader(1, prevHash, &merkleRoot, 0x207fffff, nonce)
	header.Timestamp = time.Unix(1296688602+int64(nonce), 0)
	block := wire.NewMsgBlock(header)
	block.AddTransaction(tx)
	return block
}

// makeTx returns a transaction made unique by n.
func makeTx(n uint32) *wire.MsgTx {
	prevHash := chainhash.HashH([]byte{byte(n), byte(n >> 8), byte(n >> 16)})
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, n), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(n)*1000, []byte{0x51}))
	return tx
}

// mockPeer stands in for the transport of a connection.  It plays a simple
// node: announced objects are requested, received blocks become the tip and
// received transactions enter the mempool.  Messages are handled in order on
// a dedicated goroutine like a real connection does.
type mockPeer struct {
	node *TestNode
	msgs chan wire.Message
	quit chan struct{}
	once sync.Once

	mtx       sync.Mutex
	sent      []wire.Message
	tipHeader *wire.BlockHeader
	mempool   []chainhash.Hash
	noVerAck  bool
	ignoreInv bool
	dropPings bool
	rejectAll bool
}

// newMockPeer returns a mock peer with its handler running.
func newMockPeer() *mockPeer {
	p := &mockPeer{
		msgs: make(chan wire.Message, 1000),
		quit: make(chan struct{}),
	}
	go p.handler()
	return p
}

// QueueMessage records the message and hands it to the handler.
func (p *mockPeer) QueueMessage(msg wire.Message, doneChan chan<- struct{}) {
	p.mtx.Lock()
	p.sent = append(p.sent, msg)
	p.mtx.Unlock()

	select {
	case p.msgs <- msg:
	case <-p.quit:
	}
	if doneChan != nil {
		doneChan <- struct{}{}
	}
}

func (p *mockPeer) VerAckReceived() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return !p.noVerAck
}

func (p *mockPeer) Disconnect() {
	p.once.Do(func() { close(p.quit) })
}

func (p *mockPeer) WaitForDisconnect() {
	<-p.quit
}

// sentMessages returns a copy of the messages queued to the peer.
func (p *mockPeer) sentMessages() []wire.Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]wire.Message(nil), p.sent...)
}

// tip returns the hash of the tip of the mock node, or nil.
func (p *mockPeer) tip() *chainhash.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.tipHeader == nil {
		return nil
	}
	hash := p.tipHeader.BlockHash()
	return &hash
}

// handler processes the messages sent to the mock node in order.
func (p *mockPeer) handler() {
	for {
		select {
		case msg := <-p.msgs:
			p.handle(msg)
		case <-p.quit:
			return
		}
	}
}

func (p *mockPeer) handle(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgInv:
		p.mtx.Lock()
		ignore := p.ignoreInv
		p.mtx.Unlock()
		if ignore {
			return
		}
		getData := wire.NewMsgGetData()
		for _, iv := range m.InvList {
			getData.AddInvVect(iv)
		}
		p.node.OnGetData(getData)

	case *wire.MsgBlock:
		p.mtx.Lock()
		if !p.rejectAll {
			header := m.Header
			p.tipHeader = &header
		}
		p.mtx.Unlock()

	case *wire.MsgTx:
		p.mtx.Lock()
		if !p.rejectAll {
			p.mempool = append(p.mempool, m.TxHash())
		}
		p.mtx.Unlock()

	case *wire.MsgGetHeaders:
		headers := wire.NewMsgHeaders()
		p.mtx.Lock()
		if p.tipHeader != nil {
			headers.AddBlockHeader(p.tipHeader)
		}
		p.mtx.Unlock()
		p.node.OnHeaders(headers)

	case *wire.MsgMemPool:
		inv := wire.NewMsgInv()
		p.mtx.Lock()
		for i := range p.mempool {
			inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &p.mempool[i]))
		}
		p.mtx.Unlock()
		p.node.OnInv(inv)

	case *wire.MsgPing:
		p.mtx.Lock()
		drop := p.dropPings
		p.mtx.Unlock()
		if drop {
			return
		}
		p.node.OnPong(wire.NewMsgPong(m.Nonce))
	}
}

// testConfig returns a configuration with short waits for tests.
func testConfig() *Config {
	return &Config{
		PollInterval:      2 * time.Millisecond,
		HandshakeTimeout:  time.Second,
		DisconnectTimeout: time.Second,
		PongTimeout:       5 * time.Second,
	}
}

// newMockManager returns a test manager connected to the passed mock peers.
func newMockManager(t *testing.T, cfg *Config, peers ...*mockPeer) *TestManager {
	t.Helper()

	m, err := New(cfg)
	require.NoError(t, err)
	for i, p := range peers {
		node := newTestNode(m.cfg.BlockStore, m.cfg.TxStore)
		node.addr = fmt.Sprintf("mock%d", i)
		node.conn = p
		p.node = node
		go func() {
			p.WaitForDisconnect()
			node.onClose()
		}()
		m.addConnection(&connection{peer: p, node: node})
	}
	t.Cleanup(func() {
		for _, p := range peers {
			p.Disconnect()
		}
	})
	return m
}

// countMessages returns the number of messages of type T in msgs.
func countMessages[T wire.Message](msgs []wire.Message) int {
	n := 0
	for _, msg := range msgs {
		if _, ok := msg.(T); ok {
			n++
		}
	}
	return n
}
