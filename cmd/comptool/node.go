// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
)

const (
	// nodeRPCUser and nodeRPCPass are the RPC credentials of launched
	// nodes.
	nodeRPCUser = "comptool"
	nodeRPCPass = "comptool"

	// nodeStartTimeout is the time allowed for a launched node to answer
	// RPC requests.
	nodeStartTimeout = 30 * time.Second
)

// nodeConfig contains all the args, and data required to launch a node
// process and connect the rpc client to it.
type nodeConfig struct {
	exe       string
	listen    string
	rpcListen string
	dataDir   string
	logDir    string
	netFlag   string
	extra     []string
}

// newNodeConfig returns the configuration of a node rooted at nodeDir
// listening on free loopback ports.
func newNodeConfig(exe, nodeDir string, params *chaincfg.Params, extra []string) (*nodeConfig, error) {
	listen, err := freeLoopbackAddr()
	if err != nil {
		return nil, err
	}
	rpcListen, err := freeLoopbackAddr()
	if err != nil {
		return nil, err
	}

	netFlag := "--regtest"
	if params.Net == chaincfg.SimNetParams.Net {
		netFlag = "--simnet"
	}

	return &nodeConfig{
		exe:       exe,
		listen:    listen,
		rpcListen: rpcListen,
		dataDir:   filepath.Join(nodeDir, "data"),
		logDir:    filepath.Join(nodeDir, "logs"),
		netFlag:   netFlag,
		extra:     extra,
	}, nil
}

// freeLoopbackAddr returns a loopback address with a port that was free at
// the time of the call.
func freeLoopbackAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// arguments returns an array of arguments that be used to launch the node
// process.
func (n *nodeConfig) arguments() []string {
	args := []string{
		n.netFlag,
		fmt.Sprintf("--rpcuser=%s", nodeRPCUser),
		fmt.Sprintf("--rpcpass=%s", nodeRPCPass),
		fmt.Sprintf("--listen=%s", n.listen),
		fmt.Sprintf("--rpclisten=%s", n.rpcListen),
		"--notls",
		fmt.Sprintf("--datadir=%s", n.dataDir),
		fmt.Sprintf("--logdir=%s", n.logDir),
	}
	return append(args, n.extra...)
}

// rpcConnConfig returns the rpc connection config that can be used to connect
// to the node process.
func (n *nodeConfig) rpcConnConfig() *rpcclient.ConnConfig {
	return &rpcclient.ConnConfig{
		Host:         n.rpcListen,
		User:         nodeRPCUser,
		Pass:         nodeRPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
}

// node houses the necessary state required to configure, launch, and manage a
// node process.
type node struct {
	config *nodeConfig
	cmd    *exec.Cmd
	rpc    *rpcclient.Client
}

// start launches the node process and waits until it answers RPC requests.
// In the case of a failure after the process was started, it must be
// stopped with shutdown.
func (n *node) start(ctx context.Context) error {
	n.cmd = exec.Command(n.config.exe, n.config.arguments()...)
	if err := n.cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", n.config.exe, err)
	}
	log.Debugf("Launched %s (pid %d) listening on %s", n.config.exe,
		n.cmd.Process.Pid, n.config.listen)

	client, err := rpcclient.New(n.config.rpcConnConfig(), nil)
	if err != nil {
		return err
	}
	n.rpc = client

	ctx, cancel := context.WithTimeout(ctx, nodeStartTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := client.GetBlockCount(); err == nil {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("node at %s did not start: %w",
				n.config.rpcListen, ctx.Err())
		}
	}
}

// stop interrupts the running node process, and waits until it exits
// properly.  On windows, interrupt is not supported, so a kill signal is used
// instead.
func (n *node) stop() error {
	if n.cmd == nil || n.cmd.Process == nil {
		// return if not properly initialized
		// or error starting the process
		return nil
	}
	defer n.cmd.Wait()
	if runtime.GOOS == "windows" {
		return n.cmd.Process.Signal(os.Kill)
	}
	return n.cmd.Process.Signal(os.Interrupt)
}

// shutdown releases the RPC client and terminates the running node process.
func (n *node) shutdown() error {
	if n.rpc != nil {
		n.rpc.Shutdown()
	}
	return n.stop()
}

// launchNodes launches numNodes node processes with their state in
// subdirectories of baseDir.  The nodes that were launched are returned even
// on error so they can be shut down.
func launchNodes(ctx context.Context, cfg *config, baseDir string) ([]*node, error) {
	nodes := make([]*node, 0, cfg.NumNodes)
	for i := 0; i < cfg.NumNodes; i++ {
		nodeDir := filepath.Join(baseDir, fmt.Sprintf("node%d", i))
		if err := os.MkdirAll(nodeDir, 0700); err != nil {
			return nodes, err
		}
		nodeCfg, err := newNodeConfig(cfg.NodeExe, nodeDir,
			activeNetParams, cfg.NodeArgs)
		if err != nil {
			return nodes, err
		}

		n := &node{config: nodeCfg}
		nodes = append(nodes, n)
		if err := n.start(ctx); err != nil {
			return nodes, err
		}
		log.Infof("Node %d listening on %s", i, nodeCfg.listen)
	}
	return nodes, nil
}
