// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
This test file is part of the comptool package rather than than the
comptool_test package so it can bridge access to the internals to properly
test cases which are either not possible or can't reliably be tested via the
public interface.  The functions are only exported while the tests are being
run.
*/

package comptool

// TstAllowSelfConns allows the test manager to connect to nodes running in
// the same process.  It must be called before connecting.
func (m *TestManager) TstAllowSelfConns() {
	m.allowSelfConns = true
}
