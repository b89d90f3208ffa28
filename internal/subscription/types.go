package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/marketfeed/internal/model"
)

// Errors
var (
	ErrAckTimeout  = errors.New("acknowledgement timeout")
	ErrAckRejected = errors.New("request rejected")
)

// AckPolicy decides when a sent batch counts as subscribed.
type AckPolicy string

const (
	// AckOptimistic treats a successful send as acknowledgement.
	AckOptimistic AckPolicy = "optimistic"
	// AckAwait waits for a matching control acknowledgement.
	AckAwait AckPolicy = "await"
)

// Config configures the coordinator.
type Config struct {
	Mode       model.Mode    // Default mode for Subscribe
	BatchSize  int           // Max keys per control frame
	BatchDelay time.Duration // Pause between consecutive batches
	AckPolicy  AckPolicy
	AckTimeout time.Duration // Used with AckAwait
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:       model.ModeFull,
		BatchSize:  50,
		BatchDelay: 500 * time.Millisecond,
		AckPolicy:  AckOptimistic,
		AckTimeout: 5 * time.Second,
	}
}

// Sender is the connection the coordinator sends control frames on.
type Sender interface {
	Send(data []byte) error
	State() model.ConnectionState
}

// Result summarizes one drive.
type Result struct {
	Requested   int   `json:"requested"`
	Batches     []int `json:"batches"` // size of each batch sent, in order
	Succeeded   int   `json:"succeeded"`
	Failed      int   `json:"failed"`
	Skipped     int   `json:"skipped"`      // already active
	Deferred    int   `json:"deferred"`     // left pending until the next session
	ModeChanged int   `json:"mode_changed"` // active keys moved to another mode, included in Succeeded
}

// Status is a projection of the ledger snapshot.
type Status struct {
	Total       int     `json:"total"`
	ActiveCount int     `json:"active"`
	Pending     int     `json:"pending"`
	FailedCount int     `json:"failed"`
	ActiveRate  float64 `json:"active_rate"`
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Partition splits keys into consecutive batches of at most size keys.
func Partition(keys []model.InstrumentKey, size int) [][]model.InstrumentKey {
	if size <= 0 {
		size = DefaultConfig().BatchSize
	}
	batches := make([][]model.InstrumentKey, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		batches = append(batches, keys[start:end:end])
	}
	return batches
}
