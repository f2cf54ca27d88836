// Package store persists what a running platform learns, using SQLite.
//
// # Data Models
//
//   - peers: addresses learned from handshakes, keyed by agent id. Loaded into
//     each node's peer.Directory at startup so a restarted platform can reach
//     agents that moved off the default table.
//   - envelopes: append-only ledger of every envelope a node sent or
//     dispatched, with the full wire frame.
//
// SQLiteStore implements peer.Persister and node.Ledger, so one store can be
// handed to every node.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (no cgo) in WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Use NewSQLiteStore(":memory:") for throwaway databases in tests.
//
// # Migrations
//
// Missing columns are added in place when an older database is opened.
package store
