package writer

import (
	"errors"
	"time"
)

// ErrWriterClosed is returned by Handle after Stop.
var ErrWriterClosed = errors.New("writer closed")

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// Table is the hypertable ticks are inserted into.
	Table string

	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Table:         "ticks",
		BatchSize:     1000,
		FlushInterval: 1 * time.Second,
	}
}

// tickRow represents a row to be inserted into the ticks table.
// Nil pointers and invalid numerics become NULL.
type tickRow struct {
	ExchangeTs    *time.Time
	ReceivedAt    time.Time
	InstrumentKey string
	Mode          string
	LastPrice     numeric
	LastQty       *int64
	PrevClose     numeric
	Open          numeric
	High          numeric
	Low           numeric
	Close         numeric
	Volume        *int64
	OpenInterest  *int64
	ImpliedVol    *float64
	AvgPrice      numeric
	BidPrice      numeric
	BidQty        *int64
	AskPrice      numeric
	AskQty        *int64
	Delta         *float64
	Gamma         *float64
	Theta         *float64
	Vega          *float64
	Initial       bool
}

// WriterMetrics contains writer statistics.
type WriterMetrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
}
