package connection

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/marketfeed/internal/metrics"
	"github.com/rickgao/marketfeed/internal/model"
	"github.com/rickgao/marketfeed/internal/protocol"
)

// Option customizes a Manager.
type Option func(*Manager)

// WithAuthorizer resolves the websocket URL before every attempt.
func WithAuthorizer(a Authorizer) Option {
	return func(m *Manager) { m.authorizer = a }
}

// WithClientFactory replaces the gorilla client, mainly for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(s SleepFunc) Option {
	return func(m *Manager) { m.sleep = s }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// session is one live connection.
type session struct {
	id       uint64
	client   Client
	writeErr chan error
}

// Manager owns the feed connection and its state machine.
type Manager struct {
	cfg        ManagerConfig
	backoff    Backoff
	logger     *slog.Logger
	metrics    *metrics.Metrics
	authorizer Authorizer
	newClient  ClientFactory
	sleep      SleepFunc

	mu             sync.RWMutex
	state          model.ConnectionState
	current        *session
	sessionID      uint64
	failures       int
	lastBackoff    time.Duration
	lastErr        error
	connectedSince time.Time
	segmentStatus  map[string]string

	// Listeners; register before Start.
	sink      InboundSink
	onSession []func(sessionID uint64)
	onEnd     []func(sessionID uint64)
	onAck     []func(ack protocol.ControlAck)

	reconnects     atomic.Int64
	framesReceived atomic.Int64
	marketEvents   atomic.Int64
	controlAcks    atomic.Int64
	protocolErrors atomic.Int64

	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	firstOnce sync.Once
	first     chan struct{}
	firstErr  error
}

// NewManager creates a connection manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultManagerConfig().MaxAttempts
	}

	m := &Manager{
		cfg:       cfg,
		backoff:   Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		logger:    logger,
		newClient: NewClient,
		sleep:     sleepCtx,
		state:     model.Disconnected,
		done:      make(chan struct{}),
		first:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterInboundSink sets the receiver of decoded market events.
func (m *Manager) RegisterInboundSink(sink InboundSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// OnSessionStart registers fn to run on every transition into Connected. fn runs on the
// manager goroutine and must not block.
func (m *Manager) OnSessionStart(fn func(sessionID uint64)) {
	m.mu.Lock()
	m.onSession = append(m.onSession, fn)
	m.mu.Unlock()
}

// OnSessionEnd registers fn to run when an established session closes, before any
// reconnect attempt or terminal state. fn runs on the manager goroutine and must not block.
func (m *Manager) OnSessionEnd(fn func(sessionID uint64)) {
	m.mu.Lock()
	m.onEnd = append(m.onEnd, fn)
	m.mu.Unlock()
}

// OnControlAck registers fn for every decoded control acknowledgement. fn must not block.
func (m *Manager) OnControlAck(fn func(ack protocol.ControlAck)) {
	m.mu.Lock()
	m.onAck = append(m.onAck, fn)
	m.mu.Unlock()
}

// Start launches the connection loop and returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.logger.Info("starting connection manager",
		"max_attempts", m.cfg.MaxAttempts,
		"backoff_base", m.cfg.BackoffBase,
		"backoff_cap", m.cfg.BackoffCap,
	)

	go func() {
		defer close(m.done)
		m.run(m.ctx)
	}()
	return nil
}

// Connect starts the manager and waits for the first outcome: nil once Connected,
// ErrAttemptsExhausted if the budget ran out first.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	select {
	case <-m.first:
		return m.firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the loop and releases the transport. Safe to call from any state.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	cur := m.current
	m.mu.Unlock()

	cancel()
	if cur != nil {
		cur.client.Close()
	}

	select {
	case <-m.done:
		m.logger.Info("connection manager stopped", "state", m.State())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Send writes a request frame on the current session. Fails fast unless Connected.
func (m *Manager) Send(data []byte) error {
	m.mu.RLock()
	cur := m.current
	state := m.state
	m.mu.RUnlock()

	if state != model.Connected || cur == nil {
		return ErrNotConnected
	}
	if err := cur.client.Send(data); err != nil {
		select {
		case cur.writeErr <- err:
		default:
		}
		return err
	}
	return nil
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := ManagerStats{
		State:               m.state,
		SessionID:           m.sessionID,
		ConsecutiveFailures: m.failures,
		MaxAttempts:         m.cfg.MaxAttempts,
		Reconnects:          m.reconnects.Load(),
		LastBackoff:         m.lastBackoff,
		ConnectedSince:      m.connectedSince,
		FramesReceived:      m.framesReceived.Load(),
		MarketEvents:        m.marketEvents.Load(),
		ControlAcks:         m.controlAcks.Load(),
		ProtocolErrors:      m.protocolErrors.Load(),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if len(m.segmentStatus) > 0 {
		s.SegmentStatus = make(map[string]string, len(m.segmentStatus))
		for k, v := range m.segmentStatus {
			s.SegmentStatus[k] = v
		}
	}
	return s
}

func (m *Manager) setState(s model.ConnectionState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	if s == model.Connected {
		m.connectedSince = time.Now()
	} else {
		m.connectedSince = time.Time{}
	}
	m.mu.Unlock()

	m.metrics.SetConnectionState(s)
	if prev != s {
		m.logger.Info("connection state changed", "from", prev, "to", s)
	}
}

func (m *Manager) resolveFirst(err error) {
	m.firstOnce.Do(func() {
		m.firstErr = err
		close(m.first)
	})
}

// run drives the state machine until ctx is cancelled or the budget is exhausted.
func (m *Manager) run(ctx context.Context) {
	defer m.resolveFirst(context.Canceled)

	for {
		m.setState(model.Connecting)

		sess, err := m.dial(ctx)
		if ctx.Err() != nil {
			if sess != nil {
				sess.client.Close()
			}
			m.setState(model.Disconnected)
			return
		}

		if err == nil {
			err = m.serve(ctx, sess)
			sess.client.Close()

			m.mu.Lock()
			m.current = nil
			listeners := append([]func(uint64){}, m.onEnd...)
			m.mu.Unlock()
			for _, fn := range listeners {
				fn(sess.id)
			}

			if ctx.Err() != nil {
				m.setState(model.Disconnected)
				return
			}
			m.logger.Warn("session ended", "session_id", sess.id, "error", err)
		} else {
			m.logger.Warn("connection attempt failed", "error", err)
		}

		m.mu.Lock()
		m.failures++
		failures := m.failures
		m.lastErr = err
		m.mu.Unlock()

		if failures >= m.cfg.MaxAttempts {
			m.setState(model.Failed)
			m.logger.Error("reconnection attempts exhausted",
				"attempts", failures,
				"last_error", err,
			)
			m.resolveFirst(ErrAttemptsExhausted)
			return
		}

		m.setState(model.Reconnecting)
		wait := m.backoff.Next(failures)

		m.mu.Lock()
		m.lastBackoff = wait
		m.mu.Unlock()
		m.reconnects.Add(1)
		m.metrics.ObserveReconnect(wait)

		m.logger.Info("reconnecting", "attempt", failures+1, "wait", wait)
		if err := m.sleep(ctx, wait); err != nil || ctx.Err() != nil {
			m.setState(model.Disconnected)
			return
		}
	}
}

// dial authorizes and opens one session.
func (m *Manager) dial(ctx context.Context) (*session, error) {
	url := m.cfg.URL
	if m.authorizer != nil {
		u, err := m.authorizer.Authorize(ctx)
		if err != nil {
			var te *model.TransportError
			if !errors.As(err, &te) {
				err = &model.TransportError{Op: "authorize", Err: err}
			}
			return nil, err
		}
		url = u
	}

	cc := m.cfg.Client
	cc.URL = url
	c := m.newClient(cc, m.logger)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		var te *model.TransportError
		if !errors.As(err, &te) {
			err = &model.TransportError{Op: "dial", Err: err}
		}
		return nil, err
	}

	m.mu.Lock()
	m.sessionID++
	sess := &session{id: m.sessionID, client: c, writeErr: make(chan error, 1)}
	m.current = sess
	m.failures = 0
	m.lastErr = nil
	listeners := append([]func(uint64){}, m.onSession...)
	m.mu.Unlock()

	m.setState(model.Connected)
	m.logger.Info("session established", "session_id", sess.id, "url", redactURL(url))
	for _, fn := range listeners {
		fn(sess.id)
	}
	m.resolveFirst(nil)
	return sess, nil
}

// serve pumps frames until the session ends.
func (m *Manager) serve(ctx context.Context, sess *session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sess.client.Errors():
			return err
		case err := <-sess.writeErr:
			return err
		case msg, ok := <-sess.client.Messages():
			if !ok {
				return &model.TransportError{Op: "read", Err: ErrStreamClosed}
			}
			if err := m.handleFrame(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// handleFrame decodes one frame. Protocol errors are counted and skipped.
func (m *Manager) handleFrame(ctx context.Context, msg TimestampedMessage) error {
	m.framesReceived.Add(1)

	decoded, err := protocol.Decode(msg.Data, msg.ReceivedAt)
	if err != nil {
		m.protocolErrors.Add(1)
		m.metrics.IncProtocolError()
		m.logger.Warn("skipping undecodable frame", "error", err, "bytes", len(msg.Data))
		return nil
	}
	m.metrics.IncFrame(decoded.Kind().String())

	switch v := decoded.(type) {
	case protocol.SessionInfo:
		m.mu.Lock()
		m.segmentStatus = v.SegmentStatus
		m.mu.Unlock()
		m.logger.Info("market status", "segments", v.SegmentStatus)

	case protocol.ControlAck:
		m.controlAcks.Add(1)
		m.mu.RLock()
		listeners := m.onAck
		m.mu.RUnlock()
		for _, fn := range listeners {
			fn(v)
		}

	case protocol.MarketEvent:
		m.marketEvents.Add(1)
		m.mu.RLock()
		sink := m.sink
		m.mu.RUnlock()
		if sink == nil {
			return nil
		}
		if err := sink(ctx, v); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("inbound sink rejected event", "error", err, "ticks", len(v.Ticks))
		}
	}
	return nil
}

// redactURL drops the query string, which may carry a one-time authorization code.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
