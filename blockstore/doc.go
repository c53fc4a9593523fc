// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package blockstore provides the block and transaction stores used by the
comparison tool to answer getheaders and getdata requests from the nodes under
test.

Both stores key their objects by content hash and are backed by a simple
key/value engine.  Three engines are available:

	leveldb - goleveldb on disk
	pebble  - pebble on disk
	memdb   - goleveldb over in-memory storage

Objects are never evicted before the store is closed.  The block store also
tracks the most recently added block, which is the default starting point for
both header responses and block locators.
*/
package blockstore
