// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btccomptool/blockstore"
	"github.com/btcsuite/btccomptool/chaingen"
	"github.com/btcsuite/btccomptool/comptool"
	"github.com/btcsuite/go-socks/socks"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// proxyDialer returns a dial function that connects through the SOCKS5
// proxy configured in cfg.
func proxyDialer(cfg *config) comptool.DialFunc {
	proxy := &socks.Proxy{
		Addr:     cfg.Proxy,
		Username: cfg.ProxyUser,
		Password: cfg.ProxyPass,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		timeout := defaultConnectTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return proxy.DialTimeout(network, addr, timeout)
	}
}

// newRPCClient returns an RPC client in HTTP POST mode for the node whose RPC
// server listens on host.
func newRPCClient(cfg *config, host string) (*rpcclient.Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   cfg.NoTLS,
	}
	if !cfg.NoTLS && cfg.RPCCert != "" {
		certs, err := os.ReadFile(cfg.RPCCert)
		if err != nil {
			return nil, err
		}
		connCfg.Certificates = certs
	}
	return rpcclient.New(connCfg, nil)
}

// serveMetrics serves the metrics of reg on addr until the returned function
// is called.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server: %v", err)
		}
	}()
	log.Infof("Serving metrics on %s", listener.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

// realMain is the real main function for the utility.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
func realMain() error {
	// Load configuration and parse command line.
	cfg, _, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	// Setup logging.
	if err := initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer logRotator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Delivered objects live in a temporary directory unless a data
	// directory was given.
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir, err = os.MkdirTemp("", "comptool")
		if err != nil {
			log.Errorf("Unable to create data directory: %v", err)
			return err
		}
		defer os.RemoveAll(dataDir)
	}

	blockStore, err := blockstore.OpenBlockStore(cfg.DbType, dataDir)
	if err != nil {
		log.Errorf("Unable to open block store: %v", err)
		return err
	}
	txStore, err := blockstore.OpenTxStore(cfg.DbType, dataDir)
	if err != nil {
		blockStore.Close()
		log.Errorf("Unable to open transaction store: %v", err)
		return err
	}

	// The test manager owns the stores once the comparison run starts.
	closeStores := func() {
		blockStore.Close()
		txStore.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.MetricsListen != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsListen, reg)
		if err != nil {
			closeStores()
			log.Errorf("Unable to serve metrics: %v", err)
			return err
		}
		defer stopMetrics()
	}

	mgrCfg := &comptool.Config{
		ChainParams: activeNetParams,
		BlockStore:  blockStore,
		TxStore:     txStore,
		PongTimeout: cfg.PongTimeout,
		Registerer:  reg,
	}
	if cfg.Proxy != "" {
		mgrCfg.Dial = proxyDialer(cfg)
	}
	mgr, err := comptool.New(mgrCfg)
	if err != nil {
		closeStores()
		log.Errorf("Unable to create test manager: %v", err)
		return err
	}

	// Collect the nodes under test.
	targets := make([]comptool.Target, 0, len(cfg.Connect)+cfg.NumNodes)
	for i, addr := range cfg.Connect {
		target := comptool.Target{Addr: addr}
		if i < len(cfg.RPCConnect) {
			client, err := newRPCClient(cfg, cfg.RPCConnect[i])
			if err != nil {
				closeStores()
				log.Errorf("Unable to create RPC client for %s: %v",
					cfg.RPCConnect[i], err)
				return err
			}
			defer client.Shutdown()
			target.RPC = client
		}
		targets = append(targets, target)
	}
	if cfg.NodeExe != "" {
		nodes, err := launchNodes(ctx, cfg, filepath.Join(dataDir, "nodes"))
		defer func() {
			for _, n := range nodes {
				if err := n.shutdown(); err != nil {
					log.Warnf("Unable to stop node: %v", err)
				}
			}
		}()
		if err != nil {
			closeStores()
			log.Errorf("Unable to launch nodes: %v", err)
			return err
		}
		for _, n := range nodes {
			targets = append(targets, comptool.Target{
				Addr: n.config.listen,
				RPC:  n.rpc,
			})
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	err = mgr.ConnectAll(connectCtx, targets)
	cancel()
	if err != nil {
		closeStores()
		log.Errorf("Unable to connect to the nodes: %v", err)
		return err
	}

	log.Infof("Running comparison tests against %d nodes on %s",
		len(targets), activeNetParams.Name)
	if err := mgr.Run(ctx, chaingen.NewBasicTests(activeNetParams)); err != nil {
		log.Errorf("Comparison tests failed: %v", err)
		return err
	}

	log.Info("All comparison tests passed")
	return nil
}

func main() {
	if err := realMain(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		if errors.Is(err, errShowSubsystems) {
			return
		}
		os.Exit(1)
	}
}
