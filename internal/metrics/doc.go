// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Feed connection state, reconnects and backoff waits
//   - Inbound frame and protocol error rates
//   - Subscription batch outcomes and ledger state counts
//   - Dispatch queue depth, dropped ticks and per-handler latency/failures
//   - Tick writer inserts, conflicts and flushes
//
// All methods are safe on a nil *Metrics, so components can run without instrumentation.
package metrics
