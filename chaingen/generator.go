// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaingen

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// generatorKeySeed is the private key every generator pays its outputs to.
var generatorKeySeed = chainhash.DoubleHashB([]byte("comptool chaingen key"))

// SpendableOut is a transaction output the generator is able to sign for,
// along with its amount and public key script.
type SpendableOut struct {
	PrevOut  wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte
}

// makeSpendableOut returns a spendable output for the given output of tx.
func makeSpendableOut(tx *wire.MsgTx, txOutIndex uint32) SpendableOut {
	return SpendableOut{
		PrevOut:  wire.OutPoint{Hash: tx.TxHash(), Index: txOutIndex},
		Amount:   btcutil.Amount(tx.TxOut[txOutIndex].Value),
		PkScript: tx.TxOut[txOutIndex].PkScript,
	}
}

// Generator builds chains of solved blocks and signed transactions.  Blocks
// are named so that tests can branch from any of them.  All coinbase and
// spend outputs pay to a single pay-to-pubkey-hash address whose key is held
// by the generator.
//
// The generator panics when a block cannot be built, which only happens when
// the caller misuses it.  BasicTests converts such panics into errors.
type Generator struct {
	params    *chaincfg.Params
	privKey   *btcec.PrivateKey
	payScript []byte

	tip          *wire.MsgBlock
	tipName      string
	blocks       map[chainhash.Hash]*wire.MsgBlock
	blocksByName map[string]*wire.MsgBlock
	blockHeights map[chainhash.Hash]int32
	startTime    time.Time
	extraNonce   int64

	// Used for tracking spendable coinbase outputs.
	spendableOuts     []SpendableOut
	prevCollectedHash chainhash.Hash
}

// NewGenerator returns a generator whose tip is the genesis block of params.
// The first generated block is timestamped an hour in the past so the chains
// it builds are considered current by the nodes.
func NewGenerator(params *chaincfg.Params) (*Generator, error) {
	privKey, _ := btcec.PrivKeyFromBytes(generatorKeySeed)
	pkHash := btcutil.Hash160(privKey.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, params)
	if err != nil {
		return nil, err
	}
	payScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	genesis := params.GenesisBlock
	genesisHash := genesis.BlockHash()
	return &Generator{
		params:       params,
		privKey:      privKey,
		payScript:    payScript,
		tip:          genesis,
		tipName:      "genesis",
		blocks:       map[chainhash.Hash]*wire.MsgBlock{genesisHash: genesis},
		blocksByName: map[string]*wire.MsgBlock{"genesis": genesis},
		blockHeights: map[chainhash.Hash]int32{genesisHash: 0},
		startTime:    time.Unix(time.Now().Add(-time.Hour).Unix(), 0),

		prevCollectedHash: genesisHash,
	}, nil
}

// Params returns the network parameters of the generator.
func (g *Generator) Params() *chaincfg.Params {
	return g.params
}

// Tip returns the block the next generated block builds on.
func (g *Generator) Tip() *wire.MsgBlock {
	return g.tip
}

// TipName returns the name of the current tip.
func (g *Generator) TipName() string {
	return g.tipName
}

// TipHeight returns the height of the current tip.
func (g *Generator) TipHeight() int32 {
	return g.blockHeights[g.tip.BlockHash()]
}

// BlockByName returns the generated block with the given name, or nil.
func (g *Generator) BlockByName(name string) *wire.MsgBlock {
	return g.blocksByName[name]
}

// SetTip changes the tip of the generator to the block with the provided
// name so the next block branches from it.
func (g *Generator) SetTip(blockName string) {
	g.tip = g.blocksByName[blockName]
	if g.tip == nil {
		panic(fmt.Sprintf("tip block name %s does not exist", blockName))
	}
	g.tipName = blockName
}

// solveBlock attempts to find a nonce which makes the passed block header hash
// to a value less than the target difficulty.  When a successful solution is
// found, true is returned and the nonce field of the passed header is updated
// with the solution.  False is returned if no solution exists.
//
// NOTE: This function will never solve blocks with a nonce of 0.  This is done
// so NextBlock can properly detect when a nonce was modified by a munge
// function.
func solveBlock(header *wire.BlockHeader) bool {
	// sbResult is used by the solver goroutines to send results.
	type sbResult struct {
		found bool
		nonce uint32
	}

	// solver accepts a block header and a nonce range to test. It is
	// intended to be run as a goroutine.
	targetDifficulty := blockchain.CompactToBig(header.Bits)
	quit := make(chan bool)
	results := make(chan sbResult)
	solver := func(hdr wire.BlockHeader, startNonce, stopNonce uint32) {
		// We need to modify the nonce field of the header, so make sure
		// we work with a copy of the original header.
		for i := startNonce; i >= startNonce && i <= stopNonce; i++ {
			select {
			case <-quit:
				return
			default:
				hdr.Nonce = i
				hash := hdr.BlockHash()
				if blockchain.HashToBig(&hash).Cmp(targetDifficulty) <= 0 {
					select {
					case results <- sbResult{true, i}:
					case <-quit:
					}
					return
				}
			}
		}
		select {
		case results <- sbResult{false, 0}:
		case <-quit:
		}
	}

	startNonce := uint32(1)
	stopNonce := uint32(math.MaxUint32)
	numCores := uint32(runtime.NumCPU())
	noncesPerCore := (stopNonce - startNonce) / numCores
	for i := uint32(0); i < numCores; i++ {
		rangeStart := startNonce + (noncesPerCore * i)
		rangeStop := startNonce + (noncesPerCore * (i + 1)) - 1
		if i == numCores-1 {
			rangeStop = stopNonce
		}
		go solver(*header, rangeStart, rangeStop)
	}
	for i := uint32(0); i < numCores; i++ {
		result := <-results
		if result.found {
			close(quit)
			header.Nonce = result.nonce
			return true
		}
	}

	return false
}

// standardCoinbaseScript returns a standard script suitable for use as the
// signature script of the coinbase transaction of a new block.  It starts
// with the block height required by version 2 blocks and adds the extra nonce
// which keeps sibling blocks unique.
func standardCoinbaseScript(blockHeight int32, extraNonce int64) ([]byte, error) {
	return txscript.NewScriptBuilder().AddInt64(int64(blockHeight)).
		AddInt64(extraNonce).Script()
}

// createCoinbaseTx returns a coinbase transaction paying the subsidy for the
// passed block height to the generator's address.
func (g *Generator) createCoinbaseTx(blockHeight int32) *wire.MsgTx {
	g.extraNonce++
	coinbaseScript, err := standardCoinbaseScript(blockHeight, g.extraNonce)
	if err != nil {
		panic(err)
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		// Coinbase transactions have no inputs, so previous outpoint is
		// zero hash and max index.
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex),
		SignatureScript: coinbaseScript,
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    blockchain.CalcBlockSubsidy(blockHeight, g.params),
		PkScript: g.payScript,
	})
	return tx
}

// CreateSpendTx creates a transaction that spends the provided output back to
// the generator's address, paying fee.  The input is signed.
func (g *Generator) CreateSpendTx(spend *SpendableOut, fee btcutil.Amount) *wire.MsgTx {
	spendTx := wire.NewMsgTx(1)
	spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: spend.PrevOut,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	spendTx.AddTxOut(wire.NewTxOut(int64(spend.Amount-fee), g.payScript))

	sigScript, err := txscript.SignatureScript(spendTx, 0, spend.PkScript,
		txscript.SigHashAll, g.privKey, true)
	if err != nil {
		panic(err)
	}
	spendTx.TxIn[0].SignatureScript = sigScript
	return spendTx
}

// calcMerkleRoot returns the merkle root of the passed transactions.
func calcMerkleRoot(txns []*wire.MsgTx) chainhash.Hash {
	if len(txns) == 0 {
		return chainhash.Hash{}
	}

	utilTxns := make([]*btcutil.Tx, 0, len(txns))
	for _, tx := range txns {
		utilTxns = append(utilTxns, btcutil.NewTx(tx))
	}
	merkles := blockchain.BuildMerkleTreeStore(utilTxns, false)
	return *merkles[len(merkles)-1]
}

// NextBlock builds a new block that extends the current tip of the generator
// and makes it the new tip under blockName.
//
// The block contains a coinbase paying the subsidy to the generator and, when
// spend is provided, a transaction spending it with a fee of one satoshi.
//
// Additionally, if one or more munge functions are specified, they will be
// invoked with the block prior to solving it.  This provides callers with the
// opportunity to modify the block which is especially useful for testing.
//
// In order to simply the logic in the munge functions, the following rules are
// applied after all munge functions have been invoked:
// - The merkle root will be recalculated unless it was manually changed
// - The block will be solved unless the nonce was changed
func (g *Generator) NextBlock(blockName string, spend *SpendableOut, mungers ...func(*wire.MsgBlock)) *wire.MsgBlock {
	if _, ok := g.blocksByName[blockName]; ok {
		panic(fmt.Sprintf("block name %s already used", blockName))
	}

	tipHash := g.tip.BlockHash()
	nextHeight := g.blockHeights[tipHash] + 1

	txns := []*wire.MsgTx{g.createCoinbaseTx(nextHeight)}
	if spend != nil {
		txns = append(txns, g.CreateSpendTx(spend, 1))
	}

	// Use a timestamp that is one second after the previous block unless
	// this is the first block in which case the start time is used.
	ts := g.startTime
	if nextHeight > 1 {
		ts = g.tip.Header.Timestamp.Add(time.Second)
	}

	block := wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    4,
			PrevBlock:  tipHash,
			MerkleRoot: calcMerkleRoot(txns),
			Bits:       g.params.PowLimitBits,
			Timestamp:  ts,
			Nonce:      0, // To be solved.
		},
		Transactions: txns,
	}

	// Perform any block munging just before solving.  Only recalculate the
	// merkle root if it wasn't manually changed by a munge function.
	curMerkleRoot := block.Header.MerkleRoot
	curNonce := block.Header.Nonce
	for _, f := range mungers {
		f(&block)
	}
	if block.Header.MerkleRoot == curMerkleRoot {
		block.Header.MerkleRoot = calcMerkleRoot(block.Transactions)
	}

	// Only solve the block if the nonce wasn't manually changed by a munge
	// function.
	if block.Header.Nonce == curNonce && !solveBlock(&block.Header) {
		panic(fmt.Sprintf("unable to solve block at height %d",
			nextHeight))
	}

	blockHash := block.BlockHash()
	g.blocks[blockHash] = &block
	g.blocksByName[blockName] = &block
	g.blockHeights[blockHash] = nextHeight
	g.tip = &block
	g.tipName = blockName

	log.Tracef("Generated block %s (%v) at height %d", blockName,
		blockHash, nextHeight)
	return &block
}

// SaveTipCoinbaseOut adds the coinbase output of the current tip to the list
// of spendable outputs.
func (g *Generator) SaveTipCoinbaseOut() {
	g.spendableOuts = append(g.spendableOuts,
		makeSpendableOut(g.tip.Transactions[0], 0))
	g.prevCollectedHash = g.tip.BlockHash()
}

// SaveSpendableCoinbaseOuts adds the coinbase outputs of every block from the
// block after the last collected one up to the current tip, oldest first.
func (g *Generator) SaveSpendableCoinbaseOuts() {
	// Ensure tip is reset to the current one when done.
	curTipName := g.tipName
	defer g.SetTip(curTipName)

	// Loop through the ancestors of the current tip until the reaching the
	// block that has already had the coinbase outputs collected.
	var collectBlocks []*wire.MsgBlock
	for b := g.tip; b != nil; b = g.blocks[b.Header.PrevBlock] {
		if b.BlockHash() == g.prevCollectedHash {
			break
		}
		collectBlocks = append(collectBlocks, b)
	}
	for i := range collectBlocks {
		g.tip = collectBlocks[len(collectBlocks)-1-i]
		g.SaveTipCoinbaseOut()
	}
}

// OldestCoinbaseOut removes the oldest saved coinbase output and returns it.
func (g *Generator) OldestCoinbaseOut() SpendableOut {
	if len(g.spendableOuts) == 0 {
		panic("no spendable coinbase outputs")
	}
	out := g.spendableOuts[0]
	g.spendableOuts = g.spendableOuts[1:]
	return out
}

// NumSpendableOuts returns the number of saved coinbase outputs.
func (g *Generator) NumSpendableOuts() int {
	return len(g.spendableOuts)
}
