package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketfeed/internal/metrics"
	"github.com/rickgao/marketfeed/internal/model"
	"github.com/rickgao/marketfeed/internal/protocol"
)

// Router delivers decoded market events to the registered handlers.
type Router interface {
	// RegisterHandler appends h. Invocation order is registration order.
	RegisterHandler(h Handler)

	// Dispatch runs every handler on tick and returns one outcome per handler.
	Dispatch(ctx context.Context, tick model.Tick) []Outcome

	// Route dispatches each tick of ev whose key is Active and drops the rest.
	Route(ctx context.Context, ev protocol.MarketEvent)

	// Enqueue places ev on the bounded queue, blocking while it is full.
	Enqueue(ctx context.Context, ev protocol.MarketEvent) error

	// Start begins draining the queue.
	Start(ctx context.Context) error

	// Stop closes the queue and waits for queued events to be routed.
	Stop(ctx context.Context) error

	// Stats returns current router statistics.
	Stats() RouterStats
}

// Option configures a router.
type Option func(*router)

// WithMetrics records dispatch counters in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *router) { r.metrics = m }
}

// router is the internal implementation.
type router struct {
	cfg     RouterConfig
	logger  *slog.Logger
	active  ActiveChecker
	metrics *metrics.Metrics

	queue *BoundedBuffer[protocol.MarketEvent]

	handlersMu sync.RWMutex
	handlers   []Handler

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	// Stats
	mu           sync.RWMutex
	received     int64
	dispatched   int64
	dropped      int64
	discarded    int64
	failures     int64
	handlerStats map[string]*HandlerStats
}

// NewRouter creates a dispatch pipeline that consults active before delivery.
func NewRouter(cfg RouterConfig, active ActiveChecker, logger *slog.Logger, opts ...Option) Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultRouterConfig().QueueSize
	}

	r := &router{
		cfg:          cfg,
		logger:       logger,
		active:       active,
		queue:        NewBoundedBuffer[protocol.MarketEvent](cfg.QueueSize),
		handlerStats: make(map[string]*HandlerStats),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *router) RegisterHandler(h Handler) {
	r.handlersMu.Lock()
	r.handlers = append(r.handlers, h)
	r.handlersMu.Unlock()

	r.mu.Lock()
	if _, ok := r.handlerStats[h.Name()]; !ok {
		r.handlerStats[h.Name()] = &HandlerStats{}
	}
	r.mu.Unlock()

	r.logger.Info("handler registered", "handler", h.Name())
}

func (r *router) Dispatch(ctx context.Context, tick model.Tick) []Outcome {
	r.handlersMu.RLock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.handlersMu.RUnlock()

	outcomes := make([]Outcome, 0, len(handlers))
	for _, h := range handlers {
		start := time.Now()
		err := r.invoke(ctx, h, tick)
		elapsed := time.Since(start)

		if err != nil {
			err = &model.HandlerError{Handler: h.Name(), Key: tick.Key, Err: err}
			r.logger.Warn("handler failed", "handler", h.Name(), "key", tick.Key, "error", err)
		}
		r.recordOutcome(h.Name(), err)
		r.metrics.ObserveHandler(h.Name(), elapsed, err != nil)

		outcomes = append(outcomes, Outcome{Handler: h.Name(), Err: err, Duration: elapsed})
	}

	r.mu.Lock()
	r.dispatched++
	r.mu.Unlock()
	r.metrics.IncDispatched()

	return outcomes
}

// invoke runs one handler, converting a panic into an error.
func (r *router) invoke(ctx context.Context, h Handler, tick model.Tick) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.Handle(ctx, tick)
}

func (r *router) recordOutcome(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hs, ok := r.handlerStats[name]
	if !ok {
		hs = &HandlerStats{}
		r.handlerStats[name] = hs
	}
	hs.Handled++
	if err != nil {
		hs.Failed++
		hs.LastError = err.Error()
		r.failures++
	}
}

func (r *router) Route(ctx context.Context, ev protocol.MarketEvent) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	for _, tick := range ev.Ticks {
		if r.active != nil && !r.active.IsActive(tick.Key) {
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
			r.metrics.IncDropped()
			r.logger.Debug("dropping tick for inactive key", "key", tick.Key)
			continue
		}
		r.Dispatch(ctx, tick)
	}
}

func (r *router) Enqueue(ctx context.Context, ev protocol.MarketEvent) error {
	if r.queue.Len() == r.queue.Cap() {
		r.metrics.IncQueueBlocked()
	}
	if err := r.queue.Send(ctx, ev); err != nil {
		if errors.Is(err, ErrBufferClosed) {
			return ErrQueueClosed
		}
		return err
	}
	r.metrics.SetQueueDepth(r.queue.Len())
	return nil
}

func (r *router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("router already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("dispatch router started", "queue_size", r.cfg.QueueSize)
	return nil
}

// Stop closes the queue and lets the loop drain it. If ctx ends first the
// loop is cancelled and remaining events are discarded and counted.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping dispatch router")

	r.queue.Close()

	// Wait for goroutine to finish
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("dispatch router stopped")
	case <-ctx.Done():
		r.logger.Warn("dispatch router stop timed out", "queued", r.queue.Len())
		if r.cancel != nil {
			r.cancel()
		}
		<-done
		r.discardQueued()
		return ctx.Err()
	}

	if r.cancel != nil {
		r.cancel()
	}
	r.discardQueued()
	return nil
}

// discardQueued empties the queue after the loop has exited and counts what was lost.
func (r *router) discardQueued() {
	left := r.queue.DrainTo(0)
	if len(left) == 0 {
		return
	}
	ticks := 0
	for _, ev := range left {
		ticks += len(ev.Ticks)
	}
	r.mu.Lock()
	r.discarded += int64(len(left))
	r.mu.Unlock()
	r.metrics.SetQueueDepth(0)
	r.logger.Warn("discarded queued events", "events", len(left), "ticks", ticks)
}

func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make(map[string]HandlerStats, len(r.handlerStats))
	for name, hs := range r.handlerStats {
		handlers[name] = *hs
	}

	return RouterStats{
		EventsReceived:  r.received,
		TicksDispatched: r.dispatched,
		TicksDropped:    r.dropped,
		EventsDiscarded: r.discarded,
		HandlerFailures: r.failures,
		Queue:           r.queue.Stats(),
		Handlers:        handlers,
	}
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		if r.ctx.Err() != nil {
			return
		}
		ev, ok := r.queue.Receive(r.ctx)
		if !ok {
			return
		}
		r.metrics.SetQueueDepth(r.queue.Len())
		r.Route(r.ctx, ev)
	}
}
