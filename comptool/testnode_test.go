// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package comptool

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btccomptool/blockstore"
	"github.com/stretchr/testify/require"
)

// recordingSender records the messages queued to it.
type recordingSender struct {
	msgs []wire.Message
}

func (r *recordingSender) QueueMessage(msg wire.Message, _ chan<- struct{}) {
	r.msgs = append(r.msgs, msg)
}

// newRecordingNode returns a TestNode over fresh in-memory stores whose
// outbound messages are recorded.
func newRecordingNode(t *testing.T) (*TestNode, *recordingSender) {
	t.Helper()

	blockDB, err := blockstore.OpenEngine("memdb", "")
	require.NoError(t, err)
	txDB, err := blockstore.OpenEngine("memdb", "")
	require.NoError(t, err)
	blockStore := blockstore.NewBlockStore(blockDB)
	txStore := blockstore.NewTxStore(txDB)
	t.Cleanup(func() {
		blockStore.Close()
		txStore.Close()
	})

	sender := &recordingSender{}
	node := newTestNode(blockStore, txStore)
	node.addr = "recorder"
	node.conn = sender
	return node, sender
}

// TestOnGetData ensures requested blocks are sent before requested
// transactions and that every requested hash is marked, found or not.
func TestOnGetData(t *testing.T) {
	node, sender := newRecordingNode(t)

	b1 := makeBlock(&chainhash.Hash{}, 1)
	b1Hash := b1.BlockHash()
	b2 := makeBlock(&b1Hash, 2)
	require.NoError(t, node.blockStore.AddBlock(b1))
	require.NoError(t, node.blockStore.AddBlock(b2))
	tx := makeTx(1)
	require.NoError(t, node.txStore.AddTransaction(tx))

	b2Hash := b2.BlockHash()
	txHash := tx.TxHash()
	missingBlock := chainhash.Hash{0x01}
	missingTx := chainhash.Hash{0x02}

	getData := wire.NewMsgGetData()
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &txHash))
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeWitnessBlock, &b2Hash))
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &missingBlock))
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &missingTx))
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &b1Hash))
	node.OnGetData(getData)

	require.Len(t, sender.msgs, 3)
	require.Equal(t, b2Hash, sender.msgs[0].(*wire.MsgBlock).BlockHash())
	require.Equal(t, b1Hash, sender.msgs[1].(*wire.MsgBlock).BlockHash())
	require.Equal(t, txHash, sender.msgs[2].(*wire.MsgTx).TxHash())

	for _, hash := range []*chainhash.Hash{&b1Hash, &b2Hash, &missingBlock} {
		require.True(t, node.isBlockRequested(hash), "block %v", hash)
	}
	for _, hash := range []*chainhash.Hash{&txHash, &missingTx} {
		require.True(t, node.isTxRequested(hash), "tx %v", hash)
	}
	require.False(t, node.isTxRequested(&b1Hash))
}

// TestOnHeaders ensures the best block follows the last announced header and
// that empty headers messages are ignored.
func TestOnHeaders(t *testing.T) {
	node, _ := newRecordingNode(t)

	node.OnHeaders(wire.NewMsgHeaders())
	require.Nil(t, node.bestBlock())

	b1 := makeBlock(&chainhash.Hash{}, 1)
	b1Hash := b1.BlockHash()
	b2 := makeBlock(&b1Hash, 2)
	msg := wire.NewMsgHeaders()
	require.NoError(t, msg.AddBlockHeader(&b1.Header))
	require.NoError(t, msg.AddBlockHeader(&b2.Header))
	node.OnHeaders(msg)

	want := b2.BlockHash()
	require.Equal(t, &want, node.bestBlock())

	node.OnHeaders(wire.NewMsgHeaders())
	require.Equal(t, &want, node.bestBlock())
}

// TestOnGetHeaders ensures getheaders requests are only answered once the
// block store has a current block.
func TestOnGetHeaders(t *testing.T) {
	node, sender := newRecordingNode(t)

	node.OnGetHeaders(wire.NewMsgGetHeaders())
	require.Empty(t, sender.msgs)

	b1 := makeBlock(&chainhash.Hash{}, 1)
	require.NoError(t, node.blockStore.AddBlock(b1))
	node.OnGetHeaders(wire.NewMsgGetHeaders())
	require.Len(t, sender.msgs, 1)
	headers := sender.msgs[0].(*wire.MsgHeaders)
	require.Len(t, headers.Headers, 1)
	require.Equal(t, b1.BlockHash(), headers.Headers[0].BlockHash())
}

// TestSendGetHeaders ensures the locator of a getheaders request starts from
// the best block reported by the node.
func TestSendGetHeaders(t *testing.T) {
	node, sender := newRecordingNode(t)

	var prevHash chainhash.Hash
	var blocks []*wire.MsgBlock
	for i := uint32(0); i < 4; i++ {
		block := makeBlock(&prevHash, i)
		require.NoError(t, node.blockStore.AddBlock(block))
		blocks = append(blocks, block)
		prevHash = block.BlockHash()
	}

	require.NoError(t, node.sendGetHeaders())
	msg := sender.msgs[0].(*wire.MsgGetHeaders)
	require.Equal(t, blocks[2].BlockHash(), *msg.BlockLocatorHashes[0])

	msgHeaders := wire.NewMsgHeaders()
	require.NoError(t, msgHeaders.AddBlockHeader(&blocks[1].Header))
	node.OnHeaders(msgHeaders)
	require.NoError(t, node.sendGetHeaders())
	msg = sender.msgs[1].(*wire.MsgGetHeaders)
	require.Equal(t, blocks[0].BlockHash(), *msg.BlockLocatorHashes[0])
}

// TestPongTracking ensures pongs consume outstanding nonces, keepalive pongs
// are tolerated and any other pong latches a fatal error.
func TestPongTracking(t *testing.T) {
	node, sender := newRecordingNode(t)

	node.sendPing(1)
	require.Len(t, sender.msgs, 1)
	require.Equal(t, uint64(1), sender.msgs[0].(*wire.MsgPing).Nonce)
	require.False(t, node.receivedPong(1))

	node.OnPong(wire.NewMsgPong(1))
	require.True(t, node.receivedPong(1))
	require.NoError(t, node.err())

	// A ping sent by the transport itself.
	node.OnWrite(wire.NewMsgPing(0xdeadbeef))
	node.OnPong(wire.NewMsgPong(0xdeadbeef))
	require.NoError(t, node.err())

	// Nobody sent this one, and neither can a second pong for nonce 1 be
	// expected.
	node.OnPong(wire.NewMsgPong(7))
	var failure *TestFailure
	require.True(t, errors.As(node.err(), &failure))
	require.Equal(t, ErrUnrequestedPong, failure.ErrorCode)

	// Only the first fatal error is kept.
	node.OnPong(wire.NewMsgPong(1))
	require.Same(t, failure, node.err())
}

// TestLatePingWrite ensures a ping of the test manager reported as written
// after its pong was consumed is not mistaken for a keepalive ping.
func TestLatePingWrite(t *testing.T) {
	node, _ := newRecordingNode(t)

	node.sendPing(7)
	node.OnPong(wire.NewMsgPong(7))
	node.OnWrite(wire.NewMsgPing(7))
	require.NoError(t, node.err())

	node.OnPong(wire.NewMsgPong(7))
	var failure *TestFailure
	require.True(t, errors.As(node.err(), &failure))
	require.Equal(t, ErrUnrequestedPong, failure.ErrorCode)
}

// TestInventory ensures mempool requests reset the inventory and that the
// inventory sorts by hash.
func TestInventory(t *testing.T) {
	node, sender := newRecordingNode(t)

	hashes := []chainhash.Hash{{0x03}, {0x01}, {0x02}}
	inv := wire.NewMsgInv()
	for i := range hashes {
		require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx,
			&hashes[i])))
	}
	node.OnInv(inv)
	require.Equal(t, hashes, node.inventory())

	node.sortInventory()
	require.Equal(t, []chainhash.Hash{{0x01}, {0x02}, {0x03}}, node.inventory())

	node.sendMempool()
	require.Empty(t, node.inventory())
	require.IsType(t, &wire.MsgMemPool{}, sender.msgs[len(sender.msgs)-1])
}

// TestConnectionState ensures handshake and close notifications are
// recorded.
func TestConnectionState(t *testing.T) {
	node, _ := newRecordingNode(t)

	require.False(t, node.handshakeDone())
	node.OnVerAck()
	require.True(t, node.handshakeDone())

	require.False(t, node.isClosed())
	node.onClose()
	require.True(t, node.isClosed())
}
