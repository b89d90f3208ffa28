// Package ledger is the authoritative record of subscription state per instrument key.
//
// The ledger performs no I/O. The subscription coordinator is its only writer; the dispatch
// pipeline and the status surface only read it. All methods are safe for concurrent use.
package ledger
