// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package comptool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btccomptool/blockstore"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPollInterval is the delay between two polls of the node
	// states while waiting on a barrier.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultRequestAttempts is the number of polls allowed per delivered
	// object before a request barrier fails.
	DefaultRequestAttempts = 20

	// DefaultHandshakeTimeout is the time allowed for every connection to
	// complete the version handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultDisconnectTimeout is the time allowed for every connection to
	// report closed during teardown.
	DefaultDisconnectTimeout = 10 * time.Second

	// DefaultPongTimeout is the time allowed for every node to answer a
	// synchronization ping.
	DefaultPongTimeout = 2 * time.Minute

	// DefaultUserAgentName and DefaultUserAgentVersion are advertised in
	// the version message of every connection.
	DefaultUserAgentName    = "comptool"
	DefaultUserAgentVersion = "0.1.0"

	// firstPingNonce is the nonce of the first synchronization ping.
	firstPingNonce = 1
)

// ChainQuerier is the out-of-band handle to a node under test.  It is only
// used to report the chain height of each node after a passing test.  It is
// satisfied by *rpcclient.Client.
type ChainQuerier interface {
	GetBlockCount() (int64, error)
}

// Target names a node under test.  RPC is optional.
type Target struct {
	Addr string
	RPC  ChainQuerier
}

// DialFunc opens a network connection to a node under test.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config houses the configuration of a TestManager.  Zero values select the
// defaults.
type Config struct {
	// ChainParams identifies the network of the nodes under test.
	ChainParams *chaincfg.Params

	// BlockStore and TxStore hold the objects delivered to the nodes.  The
	// manager takes ownership and closes them on teardown.  In-memory
	// stores are created when they are nil.
	BlockStore *blockstore.BlockStore
	TxStore    *blockstore.TxStore

	// Dial opens the connections to the nodes.  It defaults to a plain
	// TCP dialer and is replaced to go through a proxy.
	Dial DialFunc

	// UserAgentName and UserAgentVersion are advertised to the nodes.
	UserAgentName    string
	UserAgentVersion string

	// Services are the services advertised to the nodes.  Full node and
	// witness support are advertised by default so the nodes sync from
	// the manager.
	Services wire.ServiceFlag

	PollInterval      time.Duration
	RequestAttempts   int
	HandshakeTimeout  time.Duration
	DisconnectTimeout time.Duration
	PongTimeout       time.Duration

	// MaxInvSize is the number of queued announcements that triggers a
	// flush in batched mode.
	MaxInvSize int

	// Registerer receives the metrics of the manager.  A private registry
	// is used when it is nil.
	Registerer prometheus.Registerer
}

// peerConn is the transport of a connection to a node under test.  It is
// satisfied by *peer.Peer.
type peerConn interface {
	messageSender
	VerAckReceived() bool
	Disconnect()
	WaitForDisconnect()
}

// connection ties the transport to a node with its observer and its
// optional RPC handle.
type connection struct {
	peer peerConn
	node *TestNode
	rpc  ChainQuerier
}

// TestManager runs comparison tests against a set of nodes.  It delivers the
// blocks and transactions of every test instance to all nodes, synchronizes
// with them and checks that they reached the expected outcome.
//
// A TestManager runs a single comparison run.  The connections must be made
// with Connect or ConnectAll before calling Run.
type TestManager struct {
	cfg     Config
	metrics *metrics

	// connMtx protects conns while connections are being made.
	connMtx sync.Mutex
	conns   []*connection

	pingCounter uint64
	invQueue    []*wire.InvVect

	// allowSelfConns lets the peers of the manager connect to nodes
	// running in the same process.
	allowSelfConns bool
}

// New returns a test manager for the passed configuration.
func New(cfg *Config) (*TestManager, error) {
	c := *cfg
	if c.ChainParams == nil {
		c.ChainParams = &chaincfg.RegressionNetParams
	}
	if c.Dial == nil {
		var d net.Dialer
		c.Dial = d.DialContext
	}
	if c.UserAgentName == "" {
		c.UserAgentName = DefaultUserAgentName
		c.UserAgentVersion = DefaultUserAgentVersion
	}
	if c.Services == 0 {
		c.Services = wire.SFNodeNetwork | wire.SFNodeWitness
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RequestAttempts <= 0 {
		c.RequestAttempts = DefaultRequestAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxInvSize <= 0 || c.MaxInvSize > wire.MaxInvPerMsg {
		c.MaxInvSize = wire.MaxInvPerMsg
	}

	if c.BlockStore == nil {
		db, err := blockstore.OpenEngine("memdb", "")
		if err != nil {
			return nil, err
		}
		c.BlockStore = blockstore.NewBlockStore(db)
	}
	if c.TxStore == nil {
		db, err := blockstore.OpenEngine("memdb", "")
		if err != nil {
			return nil, err
		}
		c.TxStore = blockstore.NewTxStore(db)
	}

	m, err := newMetrics(c.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return &TestManager{
		cfg:         c,
		metrics:     m,
		pingCounter: firstPingNonce,
	}, nil
}

// dial connects to the node at addr and starts the version handshake.
func (m *TestManager) dial(ctx context.Context, addr string, rpc ChainQuerier) (*connection, error) {
	node := newTestNode(m.cfg.BlockStore, m.cfg.TxStore)
	node.addr = addr

	peerCfg := &peer.Config{
		UserAgentName:    m.cfg.UserAgentName,
		UserAgentVersion: m.cfg.UserAgentVersion,
		ChainParams:      m.cfg.ChainParams,
		Services:         m.cfg.Services,
		ProtocolVersion:  wire.FeeFilterVersion,
		TrickleInterval:  peer.DefaultTrickleInterval,
		Listeners:        node.listeners(),
		AllowSelfConns:   m.allowSelfConns,
	}
	p, err := peer.NewOutboundPeer(peerCfg, addr)
	if err != nil {
		return nil, fmt.Errorf("create peer for %s: %w", addr, err)
	}

	conn, err := m.cfg.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	node.conn = p
	p.AssociateConnection(conn)

	go func() {
		p.WaitForDisconnect()
		node.onClose()
	}()

	log.Infof("Connected to %s", addr)
	return &connection{peer: p, node: node, rpc: rpc}, nil
}

// addConnection appends a connection.  The first connection is the reference
// the others are compared against in indeterminate checks.
func (m *TestManager) addConnection(c *connection) {
	m.connMtx.Lock()
	m.conns = append(m.conns, c)
	m.connMtx.Unlock()
}

// Connect connects to the node at addr.  rpc may be nil.
func (m *TestManager) Connect(ctx context.Context, addr string, rpc ChainQuerier) error {
	c, err := m.dial(ctx, addr, rpc)
	if err != nil {
		return err
	}
	m.addConnection(c)
	return nil
}

// ConnectAll connects to all targets concurrently.  The connections keep the
// order of targets.  On error the connections that were made are closed.
func (m *TestManager) ConnectAll(ctx context.Context, targets []Target) error {
	conns := make([]*connection, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			c, err := m.dial(gctx, target.Addr, target.RPC)
			if err != nil {
				return err
			}
			conns[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				c.peer.Disconnect()
			}
		}
		return err
	}

	for _, c := range conns {
		m.addConnection(c)
	}
	return nil
}

// Run runs every test instance produced by gen against the connected nodes.
// The first failure aborts the run and is returned, as a *TestFailure for
// failed checks.  The connections are closed and the stores are released
// when Run returns, whether or not it succeeded.
func (m *TestManager) Run(ctx context.Context, gen TestGenerator) error {
	defer m.teardown()

	if len(m.conns) == 0 {
		return testFailure(ErrNoConnections, "no nodes are connected")
	}
	if err := m.awaitHandshake(ctx); err != nil {
		return err
	}

	var (
		testNum  int
		lastName string
	)
	for inst, err := range gen.Tests() {
		testNum++
		if err != nil {
			m.metrics.tests.WithLabelValues("fail").Inc()
			return &TestFailure{
				ErrorCode:   ErrGenerator,
				TestNum:     testNum,
				Description: fmt.Sprintf("unable to generate test: %v", err),
			}
		}

		log.Debugf("Running test %d (%d entries)", testNum, len(inst.Entries))
		err = m.runInstance(ctx, inst)
		if err == nil {
			err = m.nodeErr()
		}
		if err != nil {
			m.metrics.tests.WithLabelValues("fail").Inc()
			return attributeFailure(err, testNum, inst.Name)
		}

		m.metrics.tests.WithLabelValues("pass").Inc()
		if inst.Name != "" {
			log.Infof("Test %d (%s): PASS %v", testNum, inst.Name,
				m.blockCounts())
		} else {
			log.Infof("Test %d: PASS %v", testNum, m.blockCounts())
		}
		lastName = inst.Name
	}

	// A violation reported after the last barrier still fails the run.
	if err := m.nodeErr(); err != nil {
		return attributeFailure(err, testNum, lastName)
	}
	return nil
}

// nodeErr returns the first fatal error latched by a node callback, in
// connection order.
func (m *TestManager) nodeErr() error {
	for _, c := range m.conns {
		if err := c.node.err(); err != nil {
			return err
		}
	}
	return nil
}

// attributeFailure stamps the test instance being processed on err when it is
// a TestFailure.
func attributeFailure(err error, testNum int, name string) error {
	var failure *TestFailure
	if errors.As(err, &failure) {
		failure.TestNum = testNum
		failure.TestName = name
	}
	return err
}

// runInstance delivers the entries of a test instance and runs the final
// barriers of batched mode.
func (m *TestManager) runInstance(ctx context.Context, inst *TestInstance) error {
	var (
		lastBlock *BlockEntry
		lastTx    *TxEntry
	)
	m.invQueue = m.invQueue[:0]
	for i, entry := range inst.Entries {
		var err error
		switch e := entry.(type) {
		case BlockEntry:
			if e.Block == nil {
				return testFailure(ErrGenerator, fmt.Sprintf("entry %d "+
					"has no block", i))
			}
			lastBlock = &e
			err = m.deliverBlock(ctx, &e, inst.SyncEveryBlock)

		case HeaderEntry:
			if e.Header == nil {
				return testFailure(ErrGenerator, fmt.Sprintf("entry %d "+
					"has no header", i))
			}
			err = m.deliverHeader(&e)

		case TxEntry:
			if e.Tx == nil {
				return testFailure(ErrGenerator, fmt.Sprintf("entry %d "+
					"has no transaction", i))
			}
			lastTx = &e
			err = m.deliverTx(ctx, &e, inst.SyncEveryTx)

		default:
			err = testFailure(ErrGenerator, fmt.Sprintf("entry %d has "+
				"unknown type %T", i, entry))
		}
		if err != nil {
			return err
		}

		if len(m.invQueue) >= m.cfg.MaxInvSize {
			m.flushInvQueue()
		}
	}

	numEntries := len(inst.Entries)
	if !inst.SyncEveryBlock && lastBlock != nil {
		m.flushInvQueue()
		hash := lastBlock.Block.BlockHash()
		if err := m.syncBlocks(ctx, &hash, numEntries); err != nil {
			return err
		}
		if err := m.checkResults(lastBlock.expectedTip(), lastBlock.Outcome); err != nil {
			return err
		}
	}
	if !inst.SyncEveryTx && lastTx != nil {
		m.flushInvQueue()
		hash := lastTx.Tx.TxHash()
		if err := m.syncTransaction(ctx, &hash, numEntries); err != nil {
			return err
		}
		if err := m.checkMempool(&hash, lastTx.Outcome); err != nil {
			return err
		}
	}
	return nil
}

// lockNodes locks every node in connection order.
func (m *TestManager) lockNodes() {
	for _, c := range m.conns {
		c.node.mtx.Lock()
	}
}

// unlockNodes unlocks every node locked by lockNodes.
func (m *TestManager) unlockNodes() {
	for i := len(m.conns) - 1; i >= 0; i-- {
		m.conns[i].node.mtx.Unlock()
	}
}

// deliverBlock registers a block and, when sync is set, announces it and
// checks the outcome.  Otherwise the announcement is queued.
//
// A node that already asked for the block before it was stored will not ask
// again, so the block is pushed to it directly.  The node locks are held
// while the block is registered so no getdata is processed in between.
func (m *TestManager) deliverBlock(ctx context.Context, e *BlockEntry, sync bool) error {
	block := e.Block
	hash := block.BlockHash()

	known, err := m.cfg.BlockStore.Has(&hash)
	if err != nil {
		return testFailure(ErrStore, fmt.Sprintf("unable to look up "+
			"block %v: %v", hash, err))
	}

	m.lockNodes()
	err = m.cfg.BlockStore.AddBlock(block)
	if err == nil {
		for _, c := range m.conns {
			if !known && c.node.blockRequested[hash] {
				log.Debugf("Pushing previously requested block %v "+
					"to %s", hash, c.node)
				c.peer.QueueMessage(block, nil)
				continue
			}
			c.node.blockRequested[hash] = false
		}
	}
	m.unlockNodes()
	if err != nil {
		return testFailure(ErrStore, fmt.Sprintf("unable to store "+
			"block %v: %v", hash, err))
	}
	m.metrics.objects.WithLabelValues(objectBlock).Inc()

	iv := wire.NewInvVect(wire.InvTypeBlock, &hash)
	if !sync {
		m.invQueue = append(m.invQueue, iv)
		return nil
	}

	m.flushInvQueue()
	for _, c := range m.conns {
		c.node.sendInv(iv)
	}
	if err := m.syncBlocks(ctx, &hash, 1); err != nil {
		return err
	}
	return m.checkResults(e.expectedTip(), e.Outcome)
}

// deliverHeader registers a header without announcing it.
func (m *TestManager) deliverHeader(e *HeaderEntry) error {
	if err := m.cfg.BlockStore.AddHeader(e.Header); err != nil {
		return testFailure(ErrStore, fmt.Sprintf("unable to store "+
			"header %v: %v", e.Header.BlockHash(), err))
	}
	m.metrics.objects.WithLabelValues(objectHeader).Inc()
	return nil
}

// deliverTx registers a transaction and, when sync is set, announces it and
// checks the outcome.  Otherwise the announcement is queued.
func (m *TestManager) deliverTx(ctx context.Context, e *TxEntry, sync bool) error {
	hash := e.Tx.TxHash()

	// The node locks are held so no getdata is processed between storing
	// the transaction and resetting the request flags.
	m.lockNodes()
	err := m.cfg.TxStore.AddTransaction(e.Tx)
	if err == nil {
		for _, c := range m.conns {
			c.node.resetTxRequest(&hash)
		}
	}
	m.unlockNodes()
	if err != nil {
		return testFailure(ErrStore, fmt.Sprintf("unable to store "+
			"transaction %v: %v", hash, err))
	}
	m.metrics.objects.WithLabelValues(objectTx).Inc()

	iv := wire.NewInvVect(wire.InvTypeTx, &hash)
	if !sync {
		m.invQueue = append(m.invQueue, iv)
		return nil
	}

	m.flushInvQueue()
	for _, c := range m.conns {
		c.node.sendInv(iv)
	}
	if err := m.syncTransaction(ctx, &hash, 1); err != nil {
		return err
	}
	return m.checkMempool(&hash, e.Outcome)
}

// flushInvQueue broadcasts the queued announcements as one inv message.
func (m *TestManager) flushInvQueue() {
	if len(m.invQueue) == 0 {
		return
	}

	msg := wire.NewMsgInvSizeHint(uint(len(m.invQueue)))
	for _, iv := range m.invQueue {
		if err := msg.AddInvVect(iv); err != nil {
			break
		}
	}
	for _, c := range m.conns {
		c.peer.QueueMessage(msg, nil)
	}

	log.Debugf("Flushed %d queued announcements", len(m.invQueue))
	m.invQueue = m.invQueue[:0]
}

// blockCounts returns the block count reported by every node with an RPC
// handle, in connection order.
func (m *TestManager) blockCounts() []string {
	counts := make([]string, 0, len(m.conns))
	for _, c := range m.conns {
		if c.rpc == nil {
			counts = append(counts, "-")
			continue
		}
		count, err := c.rpc.GetBlockCount()
		if err != nil {
			log.Warnf("Unable to query block count of %s: %v", c.node, err)
			counts = append(counts, "?")
			continue
		}
		counts = append(counts, strconv.FormatInt(count, 10))
	}
	return counts
}

// teardown disconnects every node, waits for the connections to close and
// releases the stores.  Failures are logged only.
func (m *TestManager) teardown() {
	var result *multierror.Error

	for _, c := range m.conns {
		c.peer.Disconnect()
	}
	err := m.waitUntil(context.Background(), m.cfg.DisconnectTimeout,
		func() (bool, error) {
			for _, c := range m.conns {
				if !c.node.isClosed() {
					return false, nil
				}
			}
			return true, nil
		})
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("not all "+
			"connections closed within %v", m.cfg.DisconnectTimeout))
	}

	if err := m.cfg.BlockStore.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close block "+
			"store: %w", err))
	}
	if err := m.cfg.TxStore.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close "+
			"transaction store: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		log.Warnf("Teardown incomplete: %v", err)
		return
	}
	log.Debugf("Teardown complete")
}

// nodeTip is a printable rendering of an optional tip.
func nodeTip(hash *chainhash.Hash) string {
	if hash == nil {
		return "<none>"
	}
	return hash.String()
}
