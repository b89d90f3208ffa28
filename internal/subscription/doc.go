// Package subscription implements the Subscription Coordinator.
//
// The coordinator turns a desired instrument-key set into control batches of at most
// BatchSize keys, sent one at a time in insertion order with BatchDelay between them. Each
// batch outcome is recorded in the ledger: success marks keys Active, failure marks them
// Failed and the loop moves on. RetryFailed re-drives only Failed keys through the same
// batching. When the connection manager reports a new session, Active keys are demoted to
// Pending and re-driven.
//
// Mode ceilings are enforced before any frame is encoded. Drives never overlap.
package subscription
