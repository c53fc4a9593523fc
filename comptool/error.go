// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package comptool

import (
	"fmt"
)

// ErrorCode identifies a kind of fatal test failure.
type ErrorCode int

// These constants are used to identify a specific TestFailure.
const (
	// ErrHandshakeTimeout indicates not every connection completed the
	// version handshake in time.
	ErrHandshakeTimeout ErrorCode = iota

	// ErrNotRequested indicates not every node requested an announced
	// object within the allowed number of polls.
	ErrNotRequested

	// ErrTipMismatch indicates a node's chain tip did not match the
	// expected outcome of a block, or the tips of the nodes differ.
	ErrTipMismatch

	// ErrMempoolMismatch indicates a node's mempool did not match the
	// expected outcome of a transaction, or the mempools of the nodes
	// differ.
	ErrMempoolMismatch

	// ErrUnrequestedPong indicates a node answered a ping that was never
	// sent to it.
	ErrUnrequestedPong

	// ErrPeerUnresponsive indicates a node did not answer a
	// synchronization ping in time.
	ErrPeerUnresponsive

	// ErrGenerator indicates the test generator failed to produce the
	// next test instance.
	ErrGenerator

	// ErrStore indicates a block or transaction store operation failed.
	ErrStore

	// ErrNoConnections indicates a run was started without any connected
	// node.
	ErrNoConnections

	// numErrorCodes is the maximum error code number used in tests.
	numErrorCodes
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrHandshakeTimeout: "ErrHandshakeTimeout",
	ErrNotRequested:     "ErrNotRequested",
	ErrTipMismatch:      "ErrTipMismatch",
	ErrMempoolMismatch:  "ErrMempoolMismatch",
	ErrUnrequestedPong:  "ErrUnrequestedPong",
	ErrPeerUnresponsive: "ErrPeerUnresponsive",
	ErrGenerator:        "ErrGenerator",
	ErrStore:            "ErrStore",
	ErrNoConnections:    "ErrNoConnections",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// TestFailure identifies a fatal failure of a comparison run.  The run is
// aborted as soon as one is raised.  TestNum is the one-based index of the
// test instance being processed, or zero when the failure happened outside
// of any test instance.
type TestFailure struct {
	ErrorCode   ErrorCode // Describes the kind of failure
	TestNum     int       // Test instance being processed
	TestName    string    // Optional name of the test instance
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e *TestFailure) Error() string {
	switch {
	case e.TestNum == 0:
		return e.Description
	case e.TestName != "":
		return fmt.Sprintf("test %d (%s) failed: %s", e.TestNum,
			e.TestName, e.Description)
	default:
		return fmt.Sprintf("test %d failed: %s", e.TestNum,
			e.Description)
	}
}

// testFailure creates a TestFailure given a set of arguments.  The test
// number is filled in by the test manager.
func testFailure(c ErrorCode, desc string) *TestFailure {
	return &TestFailure{ErrorCode: c, Description: desc}
}
