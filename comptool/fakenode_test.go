// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package comptool_test

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// fakeBlock is a block connected to the chain of a fake node.
type fakeBlock struct {
	header wire.BlockHeader
	height int32
}

// fakeNode is a minimal node under test reachable over the peer-to-peer
// protocol.  It requests every announced object it does not have, runs the
// context free checks on what it receives and follows the highest chain, the
// first seen block winning ties.  Transactions passing the sanity checks are
// kept in its mempool.  Scripts and inputs are not validated.
type fakeNode struct {
	params     *chaincfg.Params
	listener   net.Listener
	timeSource blockchain.MedianTimeSource
	wg         sync.WaitGroup

	mtx     sync.Mutex
	peers   []*peer.Peer
	blocks  map[chainhash.Hash]*fakeBlock
	orphans map[chainhash.Hash][]*wire.MsgBlock
	tip     chainhash.Hash
	mempool map[chainhash.Hash]struct{}
}

// newFakeNode starts a fake node listening on a loopback port.  The node is
// stopped when the test completes.
func newFakeNode(t *testing.T, params *chaincfg.Params) *fakeNode {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeNode{
		params:     params,
		listener:   listener,
		timeSource: blockchain.NewMedianTime(),
		blocks:     make(map[chainhash.Hash]*fakeBlock),
		orphans:    make(map[chainhash.Hash][]*wire.MsgBlock),
		tip:        *params.GenesisHash,
		mempool:    make(map[chainhash.Hash]struct{}),
	}
	f.blocks[*params.GenesisHash] = &fakeBlock{
		header: params.GenesisBlock.Header,
	}

	f.wg.Add(1)
	go f.acceptConns()
	t.Cleanup(f.stop)
	return f
}

// Addr returns the address the fake node listens on.
func (f *fakeNode) Addr() string {
	return f.listener.Addr().String()
}

// GetBlockCount returns the height of the tip of the fake node.
func (f *fakeNode) GetBlockCount() (int64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return int64(f.blocks[f.tip].height), nil
}

// Tip returns the hash of the tip of the fake node.
func (f *fakeNode) Tip() chainhash.Hash {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.tip
}

// Mempool returns the number of transactions in the mempool of the fake node.
func (f *fakeNode) Mempool() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.mempool)
}

func (f *fakeNode) acceptConns() {
	defer f.wg.Done()

	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}

		p := peer.NewInboundPeer(f.peerConfig())
		f.mtx.Lock()
		f.peers = append(f.peers, p)
		f.mtx.Unlock()
		p.AssociateConnection(conn)
	}
}

func (f *fakeNode) stop() {
	f.listener.Close()
	f.wg.Wait()

	f.mtx.Lock()
	peers := f.peers
	f.mtx.Unlock()
	for _, p := range peers {
		p.Disconnect()
		p.WaitForDisconnect()
	}
}

func (f *fakeNode) peerConfig() *peer.Config {
	return &peer.Config{
		UserAgentName:    "fakenode",
		UserAgentVersion: "1.0.0",
		ChainParams:      f.params,
		Services:         wire.SFNodeNetwork,
		TrickleInterval:  peer.DefaultTrickleInterval,
		AllowSelfConns:   true,
		Listeners: peer.MessageListeners{
			OnInv:        f.onInv,
			OnBlock:      f.onBlock,
			OnTx:         f.onTx,
			OnGetHeaders: f.onGetHeaders,
			OnMemPool:    f.onMemPool,
		},
	}
}

// onInv requests every announced object the node does not have.
func (f *fakeNode) onInv(p *peer.Peer, msg *wire.MsgInv) {
	getData := wire.NewMsgGetData()

	f.mtx.Lock()
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
			if _, ok := f.blocks[iv.Hash]; ok {
				continue
			}
			if f.isOrphan(&iv.Hash) {
				continue
			}
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			if _, ok := f.mempool[iv.Hash]; ok {
				continue
			}
		default:
			continue
		}
		getData.AddInvVect(wire.NewInvVect(iv.Type, &iv.Hash))
	}
	f.mtx.Unlock()

	if len(getData.InvList) > 0 {
		p.QueueMessage(getData, nil)
	}
}

// isOrphan returns whether hash is a block waiting for its parent.
//
// This function MUST be called with the node lock held.
func (f *fakeNode) isOrphan(hash *chainhash.Hash) bool {
	for _, children := range f.orphans {
		for _, block := range children {
			if block.BlockHash() == *hash {
				return true
			}
		}
	}
	return false
}

// checkBlock runs the checks the fake node applies before accepting a block.
func (f *fakeNode) checkBlock(msg *wire.MsgBlock, height int32) error {
	err := blockchain.CheckBlockSanity(btcutil.NewBlock(msg),
		f.params.PowLimit, f.timeSource)
	if err != nil {
		return err
	}

	var paid int64
	for _, out := range msg.Transactions[0].TxOut {
		paid += out.Value
	}
	if paid > blockchain.CalcBlockSubsidy(height, f.params) {
		return errors.New("coinbase pays more than the subsidy")
	}
	return nil
}

func (f *fakeNode) onBlock(_ *peer.Peer, msg *wire.MsgBlock, _ []byte) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if _, ok := f.blocks[msg.Header.PrevBlock]; !ok {
		prev := msg.Header.PrevBlock
		f.orphans[prev] = append(f.orphans[prev], msg)
		return
	}
	f.connectBlock(msg)
}

// connectBlock connects a block whose parent is known along with the orphans
// waiting for it.
//
// This function MUST be called with the node lock held.
func (f *fakeNode) connectBlock(msg *wire.MsgBlock) {
	hash := msg.BlockHash()
	height := f.blocks[msg.Header.PrevBlock].height + 1
	if err := f.checkBlock(msg, height); err != nil {
		return
	}

	f.blocks[hash] = &fakeBlock{header: msg.Header, height: height}
	if height > f.blocks[f.tip].height {
		f.tip = hash
	}
	for _, tx := range msg.Transactions[1:] {
		delete(f.mempool, tx.TxHash())
	}

	children := f.orphans[hash]
	delete(f.orphans, hash)
	for _, child := range children {
		f.connectBlock(child)
	}
}

func (f *fakeNode) onTx(_ *peer.Peer, msg *wire.MsgTx) {
	tx := btcutil.NewTx(msg)
	if blockchain.IsCoinBase(tx) {
		return
	}
	if err := blockchain.CheckTransactionSanity(tx); err != nil {
		return
	}

	f.mtx.Lock()
	f.mempool[*tx.Hash()] = struct{}{}
	f.mtx.Unlock()
}

// onGetHeaders answers with the header of the tip whatever the locator.
func (f *fakeNode) onGetHeaders(p *peer.Peer, _ *wire.MsgGetHeaders) {
	headers := wire.NewMsgHeaders()

	f.mtx.Lock()
	header := f.blocks[f.tip].header
	f.mtx.Unlock()

	headers.AddBlockHeader(&header)
	p.QueueMessage(headers, nil)
}

// onMemPool announces the whole mempool, possibly with an empty inv.
func (f *fakeNode) onMemPool(p *peer.Peer, _ *wire.MsgMemPool) {
	f.mtx.Lock()
	inv := wire.NewMsgInvSizeHint(uint(len(f.mempool)))
	for hash := range f.mempool {
		inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &hash))
	}
	f.mtx.Unlock()

	p.QueueMessage(inv, nil)
}
