// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection handle backing
// Thrall's store (journal, context, and prompt tables) in
// <plugin_dir>/thrall.db.
//
// There is exactly one writer by design (§5: every mutation happens on
// the pipeline engine's event-loop thread), so this is not a
// general-purpose sizeable pool — it exists only so the TTL pruner
// (lib/store) can run its own read/delete pass on tick without taking
// the same connection slot the event loop's journal append is using.
// Two connections cover that; Thrall never needs more, and nothing
// here sizes the pool off runtime.NumCPU the way a server handling
// concurrent client reads would.
//
// # Pragmas
//
// journal_mode=WAL (so the pruner's sweep never stalls a concurrent
// journal append) and synchronous=NORMAL (durable across a process
// crash, not a power loss — the journal is an audit trail and
// regression dataset, not the node's record of having sent or received
// a message; the host's mail transport is that record) are the two
// pragmas this package exists to set consistently. busy_timeout=5000
// and foreign_keys=OFF round it out; cache_size and temp_store are
// tuned down from a server default (no mmap_size at all) because
// thrall.db is small, single-tenant, and long-lived per node rather
// than serving concurrent client reads at scale.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(pluginDir, "thrall.db"),
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
package sqlitepool
