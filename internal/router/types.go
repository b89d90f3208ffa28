package router

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/marketfeed/internal/model"
)

// ErrQueueClosed is returned by Enqueue once the router has stopped.
var ErrQueueClosed = errors.New("dispatch queue closed")

// RouterConfig holds configuration for the dispatch pipeline.
type RouterConfig struct {
	// QueueSize bounds the events held between the read loop and dispatch.
	// A full queue blocks the read loop. Default: 1024
	QueueSize int
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		QueueSize: 1024,
	}
}

// Handler consumes ticks. A returned error is local to the handler.
type Handler interface {
	Name() string
	Handle(ctx context.Context, tick model.Tick) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, tick model.Tick) error
}

// NewHandlerFunc wraps fn as a Handler called name.
func NewHandlerFunc(name string, fn func(ctx context.Context, tick model.Tick) error) HandlerFunc {
	return HandlerFunc{name: name, fn: fn}
}

func (h HandlerFunc) Name() string { return h.name }

func (h HandlerFunc) Handle(ctx context.Context, tick model.Tick) error {
	return h.fn(ctx, tick)
}

// Outcome is the result of one handler invocation.
// Err is nil on success, otherwise a *model.HandlerError.
type Outcome struct {
	Handler  string
	Err      error
	Duration time.Duration
}

// OK reports whether the handler succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// ActiveChecker reports whether ticks for a key may be delivered.
// *ledger.Ledger satisfies it.
type ActiveChecker interface {
	IsActive(key model.InstrumentKey) bool
}

// HandlerStats contains per-handler counters.
type HandlerStats struct {
	Handled   int64  `json:"handled"`
	Failed    int64  `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	EventsReceived  int64                   `json:"events_received"`
	TicksDispatched int64                   `json:"ticks_dispatched"`
	TicksDropped    int64                   `json:"ticks_dropped"`
	EventsDiscarded int64                   `json:"events_discarded"` // left queued when Stop timed out
	HandlerFailures int64                   `json:"handler_failures"`
	Queue           BufferStats             `json:"queue"`
	Handlers        map[string]HandlerStats `json:"handlers"`
}
