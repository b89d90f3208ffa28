package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketfeed/internal/ledger"
	"github.com/rickgao/marketfeed/internal/metrics"
	"github.com/rickgao/marketfeed/internal/model"
	"github.com/rickgao/marketfeed/internal/protocol"
)

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSleep replaces the inter-batch wait, mainly for tests.
func WithSleep(s SleepFunc) Option {
	return func(c *Coordinator) { c.sleep = s }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithIDGenerator replaces the correlation id source.
func WithIDGenerator(f func() string) Option {
	return func(c *Coordinator) { c.newID = f }
}

// Coordinator drives subscriptions through the connection in batches.
type Coordinator struct {
	cfg     Config
	sender  Sender
	ledger  *ledger.Ledger
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   SleepFunc
	newID   func() string

	admitMu sync.Mutex // capacity check plus MarkDesired
	driveMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.ControlAck

	resets chan uint64
}

// NewCoordinator creates a coordinator over the given ledger and sender.
func NewCoordinator(cfg Config, sender Sender, l *ledger.Ledger, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.AckPolicy == "" {
		cfg.AckPolicy = def.AckPolicy
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}

	c := &Coordinator{
		cfg:     cfg,
		sender:  sender,
		ledger:  l,
		logger:  logger,
		sleep:   sleepCtx,
		newID:   protocol.NewCorrelationID,
		pending: make(map[string]chan protocol.ControlAck),
		resets:  make(chan uint64, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe records keys as desired under mode (the configured mode when empty) and drives
// the ones not yet active. Keys already Active under another mode are moved with change_mode
// requests. Exceeding the mode ceiling fails before any I/O. When the connection is down the
// keys stay Pending for the next session.
func (c *Coordinator) Subscribe(ctx context.Context, mode model.Mode, keys []model.InstrumentKey) (Result, error) {
	if mode == "" {
		mode = c.cfg.Mode
	}
	if !mode.Valid() {
		return Result{}, fmt.Errorf("%w: %q", protocol.ErrUnknownMode, mode)
	}
	keys = dedupe(keys)
	res := Result{Requested: len(keys)}
	if len(keys) == 0 {
		return res, nil
	}

	switching, err := c.admit(mode, keys)
	if err != nil {
		return res, err
	}

	if c.sender.State() != model.Connected {
		res.Deferred = len(keys)
		c.publishStatus()
		return res, nil
	}

	c.driveMu.Lock()
	defer c.driveMu.Unlock()

	out, err := c.driveLocked(ctx, keys, switching)
	out.Requested = res.Requested
	return out, err
}

// admit checks capacity and records keys as desired in one step, so concurrent callers cannot
// both pass the check. It returns the keys that are Active under a different mode.
func (c *Coordinator) admit(mode model.Mode, keys []model.InstrumentKey) (map[model.InstrumentKey]struct{}, error) {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	if err := c.checkCapacity(mode, keys); err != nil {
		return nil, err
	}

	var switching map[model.InstrumentKey]struct{}
	for _, k := range keys {
		rec, ok := c.ledger.Record(k)
		if !ok || rec.State != model.StateActive || rec.Mode == mode {
			continue
		}
		if switching == nil {
			switching = make(map[model.InstrumentKey]struct{})
		}
		switching[k] = struct{}{}
	}

	added := c.ledger.MarkDesired(keys, mode)
	c.logger.Info("subscription desired",
		"mode", mode,
		"keys", len(keys),
		"new", len(added),
		"mode_changes", len(switching),
	)
	return switching, nil
}

// SubscribeSymbols converts symbols to instrument keys and subscribes them.
func (c *Coordinator) SubscribeSymbols(ctx context.Context, mode model.Mode, symbols []model.Symbol) (Result, error) {
	return c.Subscribe(ctx, mode, model.SymbolsToKeys(symbols))
}

func (c *Coordinator) checkCapacity(mode model.Mode, keys []model.InstrumentKey) error {
	fresh := 0
	for _, k := range keys {
		if rec, ok := c.ledger.Record(k); !ok || rec.Mode != mode {
			fresh++
		}
	}
	total := c.ledger.CountByMode(mode) + fresh
	if total > mode.Limit() {
		return &model.CapacityError{Mode: mode, Requested: total, Limit: mode.Limit()}
	}
	return nil
}

// RetryFailed re-drives only the keys currently Failed.
func (c *Coordinator) RetryFailed(ctx context.Context) (Result, error) {
	c.driveMu.Lock()
	defer c.driveMu.Unlock()

	failed := c.ledger.Keys(model.StateFailed)
	res := Result{Requested: len(failed)}
	if len(failed) == 0 {
		return res, nil
	}
	if c.sender.State() != model.Connected {
		res.Deferred = len(failed)
		return res, nil
	}

	c.logger.Info("retrying failed subscriptions", "keys", len(failed))
	out, err := c.driveLocked(ctx, failed, nil)
	out.Requested = res.Requested
	return out, err
}

// Unsubscribe removes keys from the ledger, so their ticks are dropped from now on, then
// sends unsubscribe batches if connected.
func (c *Coordinator) Unsubscribe(ctx context.Context, keys []model.InstrumentKey) (Result, error) {
	c.driveMu.Lock()
	defer c.driveMu.Unlock()

	known := make([]model.InstrumentKey, 0, len(keys))
	for _, k := range dedupe(keys) {
		if _, ok := c.ledger.State(k); ok {
			known = append(known, k)
		}
	}
	res := Result{Requested: len(keys)}
	if len(known) == 0 {
		return res, nil
	}
	c.ledger.Remove(known)
	defer c.publishStatus()

	if c.sender.State() != model.Connected {
		res.Deferred = len(known)
		return res, nil
	}

	var errs []error
	for i, batch := range Partition(known, c.cfg.BatchSize) {
		if i > 0 {
			if err := c.sleep(ctx, c.cfg.BatchDelay); err != nil {
				return res, err
			}
		}
		res.Batches = append(res.Batches, len(batch))

		data, err := protocol.EncodeUnsubscribe(batch, c.newID())
		if err == nil {
			err = c.sender.Send(data)
		}
		c.metrics.IncBatch(protocol.MethodUnsubscribe, err == nil)
		if err != nil {
			res.Failed += len(batch)
			errs = append(errs, &model.SubscriptionError{Method: protocol.MethodUnsubscribe, Keys: batch, Err: err})
			continue
		}
		res.Succeeded += len(batch)
	}
	return res, errors.Join(errs...)
}

// HandleSessionStart queues a resubscription for a new session. Never blocks.
func (c *Coordinator) HandleSessionStart(sessionID uint64) {
	select {
	case c.resets <- sessionID:
	default:
		// a resync is already queued; it will cover this session too
	}
}

// HandleSessionEnd demotes Active keys to Pending as soon as the session is gone, so status
// never reports keys as streaming while the connection is down. Never blocks on a drive.
func (c *Coordinator) HandleSessionEnd(sessionID uint64) {
	demoted := c.ledger.MarkAllPendingOnSessionReset()
	c.logger.Info("session ended, subscriptions pending",
		"session_id", sessionID,
		"demoted", demoted,
	)
	c.publishStatus()
}

// HandleAck delivers a control acknowledgement to the batch waiting on it. Never blocks.
func (c *Coordinator) HandleAck(ack protocol.ControlAck) {
	c.pendingMu.Lock()
	ch, ok := c.pending[ack.CorrelationID]
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("unmatched control ack", "guid", ack.CorrelationID, "success", ack.Success)
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

// Run handles session resets until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-c.resets:
			if _, err := c.resync(ctx, id); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// resync demotes Active keys and re-drives everything not active.
func (c *Coordinator) resync(ctx context.Context, sessionID uint64) (Result, error) {
	c.driveMu.Lock()
	defer c.driveMu.Unlock()

	demoted := c.ledger.MarkAllPendingOnSessionReset()
	keys := c.ledger.Keys(model.StatePending, model.StateFailed)
	c.logger.Info("session reset, resubscribing",
		"session_id", sessionID,
		"demoted", demoted,
		"keys", len(keys),
	)
	if len(keys) == 0 {
		c.publishStatus()
		return Result{}, nil
	}

	res, err := c.driveLocked(ctx, keys, nil)
	c.logger.Info("resubscription finished",
		"session_id", sessionID,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"batches", len(res.Batches),
	)
	return res, err
}

// driveLocked sends subscribe batches for keys that are not yet Active, then change_mode
// batches for the switching keys that are still Active. Keys are grouped by their ledger mode
// in first-seen order. Caller holds driveMu.
func (c *Coordinator) driveLocked(ctx context.Context, keys []model.InstrumentKey, switching map[model.InstrumentKey]struct{}) (Result, error) {
	defer c.publishStatus()

	var res Result
	var subscribe, change modeGroups
	for _, k := range keys {
		rec, ok := c.ledger.Record(k)
		if !ok {
			continue
		}
		if rec.State != model.StateActive {
			subscribe.add(rec.Mode, k)
			continue
		}
		if _, ok := switching[k]; ok {
			change.add(rec.Mode, k)
			continue
		}
		res.Skipped++
	}

	first := true
	for _, step := range []struct {
		method string
		groups modeGroups
	}{
		{protocol.MethodSubscribe, subscribe},
		{protocol.MethodChangeMode, change},
	} {
		for _, g := range step.groups {
			for _, batch := range Partition(g.keys, c.cfg.BatchSize) {
				if !first {
					if err := c.sleep(ctx, c.cfg.BatchDelay); err != nil {
						return res, err
					}
				}
				first = false
				res.Batches = append(res.Batches, len(batch))

				err := c.sendBatch(ctx, step.method, g.mode, batch)
				c.metrics.IncBatch(step.method, err == nil)
				if err != nil {
					if ctx.Err() != nil {
						return res, ctx.Err()
					}
					c.ledger.MarkFailed(batch)
					res.Failed += len(batch)
					c.logger.Warn("subscription batch failed",
						"method", step.method,
						"mode", g.mode,
						"batch", len(res.Batches),
						"keys", len(batch),
						"first_key", batch[0],
						"error", err,
					)
					continue
				}
				c.ledger.MarkAcknowledged(batch)
				res.Succeeded += len(batch)
				if step.method == protocol.MethodChangeMode {
					res.ModeChanged += len(batch)
				}
				c.logger.Debug("subscription batch sent",
					"method", step.method,
					"mode", g.mode,
					"batch", len(res.Batches),
					"keys", len(batch),
				)
			}
		}
	}
	return res, nil
}

// sendBatch encodes, sends and, under AckAwait, waits for the acknowledgement.
func (c *Coordinator) sendBatch(ctx context.Context, method string, mode model.Mode, batch []model.InstrumentKey) error {
	id := c.newID()
	var data []byte
	var err error
	if method == protocol.MethodChangeMode {
		data, err = protocol.EncodeChangeMode(mode, batch, id)
	} else {
		data, err = protocol.EncodeSubscribe(mode, batch, id)
	}
	if err != nil {
		return &model.SubscriptionError{Method: method, Keys: batch, Err: err}
	}

	var ackCh chan protocol.ControlAck
	if c.cfg.AckPolicy == AckAwait {
		ackCh = make(chan protocol.ControlAck, 1)
		c.pendingMu.Lock()
		c.pending[id] = ackCh
		c.pendingMu.Unlock()
		defer func() {
			c.pendingMu.Lock()
			delete(c.pending, id)
			c.pendingMu.Unlock()
		}()
	}

	c.ledger.MarkAttempted(batch)
	if err := c.sender.Send(data); err != nil {
		return &model.SubscriptionError{Method: method, Keys: batch, Err: err}
	}
	if ackCh == nil {
		return nil
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		if !ack.Success {
			return &model.SubscriptionError{
				Method: method,
				Keys:   batch,
				Err:    fmt.Errorf("%w: %s", ErrAckRejected, ack.Reason),
			}
		}
		return nil
	case <-timer.C:
		return &model.SubscriptionError{Method: method, Keys: batch, Err: ErrAckTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status projects the ledger snapshot.
func (c *Coordinator) Status() Status {
	snap := c.ledger.Snapshot()
	return Status{
		Total:       snap.Total,
		ActiveCount: snap.Active,
		Pending:     snap.Pending,
		FailedCount: snap.Failed,
		ActiveRate:  snap.ActiveRate(),
	}
}

func (c *Coordinator) publishStatus() {
	snap := c.ledger.Snapshot()
	c.metrics.SetSubscriptions(snap.Active, snap.Pending, snap.Failed)
}

func dedupe(keys []model.InstrumentKey) []model.InstrumentKey {
	seen := make(map[model.InstrumentKey]struct{}, len(keys))
	out := make([]model.InstrumentKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// modeGroups collects keys per mode in first-seen order.
type modeGroups []*modeGroup

type modeGroup struct {
	mode model.Mode
	keys []model.InstrumentKey
}

func (gs *modeGroups) add(mode model.Mode, key model.InstrumentKey) {
	for _, g := range *gs {
		if g.mode == mode {
			g.keys = append(g.keys, key)
			return
		}
	}
	*gs = append(*gs, &modeGroup{mode: mode, keys: []model.InstrumentKey{key}})
}
