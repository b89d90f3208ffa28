// Package writer implements the durable tick store handler.
//
// TickWriter accumulates ticks from the dispatch pipeline and inserts them into a
// TimescaleDB hypertable in batches. Writes are append-only; a row whose
// (instrument_key, received_at) already exists is counted as a conflict.
// Absent tick fields are stored as NULL, never as zero.
package writer
