// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btccomptool/blockstore"
	"github.com/btcsuite/btccomptool/comptool"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultDbType         = "leveldb"
	defaultLogLevel       = "info"
	defaultLogFilename    = "comptool.log"
	defaultNumNodes       = 2
	defaultConnectTimeout = 30 * time.Second
)

var (
	comptoolHomeDir = btcutil.AppDataDir("comptool", false)
	defaultLogDir   = filepath.Join(comptoolHomeDir, "logs")
	knownDbTypes    = blockstore.SupportedEngines()
	activeNetParams = &chaincfg.RegressionNetParams
)

// config defines the configuration options for comptool.
//
// See loadConfig for details on the configuration load process.
type config struct {
	Connect        []string      `short:"c" long:"connect" description:"Peer-to-peer address of a node under test -- may be specified multiple times"`
	RPCConnect     []string      `long:"rpcconnect" description:"RPC server of a node under test, paired in order with --connect -- may be specified multiple times"`
	RPCUser        string        `short:"u" long:"rpcuser" description:"Username for RPC connections"`
	RPCPass        string        `short:"P" long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	RPCCert        string        `long:"rpccert" description:"File containing the certificate of the RPC servers"`
	NoTLS          bool          `long:"notls" description:"Disable TLS for RPC connections"`
	RegressionTest bool          `long:"regtest" description:"Use the regression test network (default)"`
	SimNet         bool          `long:"simnet" description:"Use the simulation test network"`
	DataDir        string        `short:"b" long:"datadir" description:"Directory to keep the delivered blocks and transactions in -- a temporary directory is used when empty"`
	DbType         string        `long:"dbtype" description:"Storage engine for delivered blocks and transactions"`
	LogDir         string        `long:"logdir" description:"Directory to log output"`
	DebugLevel     string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Proxy          string        `long:"proxy" description:"Connect to the nodes via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser      string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass      string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	PongTimeout    time.Duration `long:"pongtimeout" description:"Time allowed for every node to answer a synchronization ping"`
	MetricsListen  string        `long:"metricslisten" description:"Serve Prometheus metrics on this address (eg. 127.0.0.1:9110)"`
	NodeExe        string        `long:"nodeexe" description:"Launch nodes under test from this executable before connecting"`
	NodeArgs       []string      `long:"nodeargs" description:"Extra argument passed to every launched node -- may be specified multiple times"`
	NumNodes       int           `long:"numnodes" description:"Number of nodes launched with --nodeexe"`
}

// validDbType returns whether or not dbType is a supported storage engine.
func validDbType(dbType string) bool {
	for _, knownType := range knownDbTypes {
		if dbType == knownType {
			return true
		}
	}

	return false
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(comptoolHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// errShowSubsystems is returned by loadConfig when the available logging
// subsystems were listed instead of loading a configuration.
var errShowSubsystems = errors.New("logging subsystems listed")

// loadConfig initializes and parses the config using command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Parse the command line options in args
//  3. Validate the combination of options
func loadConfig(args []string) (*config, []string, error) {
	// Default config.
	cfg := config{
		DbType:      defaultDbType,
		LogDir:      defaultLogDir,
		DebugLevel:  defaultLogLevel,
		PongTimeout: comptool.DefaultPongTimeout,
		NumNodes:    defaultNumNodes,
	}

	// Parse command line options.
	parser := flags.NewParser(&cfg, flags.Default)
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	funcName := "loadConfig"
	usageErr := func(err error) (*config, []string, error) {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		return nil, nil, errShowSubsystems
	}

	// Multiple networks can't be selected simultaneously.  Blocks are
	// generated at the proof of work limit of the network, so only the
	// test networks with a trivial limit are supported.
	activeNetParams = &chaincfg.RegressionNetParams
	if cfg.RegressionTest && cfg.SimNet {
		str := "%s: The regtest and simnet params can't be used " +
			"together -- choose one of the two"
		return usageErr(fmt.Errorf(str, funcName))
	}
	if cfg.SimNet {
		activeNetParams = &chaincfg.SimNetParams
	}

	// Validate database type.
	if !validDbType(cfg.DbType) {
		str := "%s: The specified database type [%v] is invalid -- " +
			"supported types %v"
		return usageErr(fmt.Errorf(str, funcName, cfg.DbType, knownDbTypes))
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return usageErr(fmt.Errorf("%s: %w", funcName, err))
	}

	// There must be something to test.
	if len(cfg.Connect) == 0 && cfg.NodeExe == "" {
		str := "%s: At least one node must be given with --connect or " +
			"launched with --nodeexe"
		return usageErr(fmt.Errorf(str, funcName))
	}
	if len(cfg.RPCConnect) > len(cfg.Connect) {
		str := "%s: Each --rpcconnect must be paired with a --connect " +
			"option -- got %d rpcconnect and %d connect options"
		return usageErr(fmt.Errorf(str, funcName, len(cfg.RPCConnect),
			len(cfg.Connect)))
	}
	if cfg.NodeExe != "" && cfg.NumNodes < 1 {
		str := "%s: The number of launched nodes must be positive -- " +
			"parsed [%d]"
		return usageErr(fmt.Errorf(str, funcName, cfg.NumNodes))
	}
	if cfg.NodeExe == "" && len(cfg.NodeArgs) > 0 {
		str := "%s: The --nodeargs option requires --nodeexe"
		return usageErr(fmt.Errorf(str, funcName))
	}
	if cfg.PongTimeout <= 0 {
		str := "%s: The pong timeout must be positive -- parsed [%v]"
		return usageErr(fmt.Errorf(str, funcName, cfg.PongTimeout))
	}
	if cfg.Proxy == "" && (cfg.ProxyUser != "" || cfg.ProxyPass != "") {
		str := "%s: The --proxyuser and --proxypass options require " +
			"--proxy"
		return usageErr(fmt.Errorf(str, funcName))
	}

	// Namespace the data directory per network.
	if cfg.DataDir != "" {
		cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir),
			activeNetParams.Name)
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return &cfg, remainingArgs, nil
}
