package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketfeed/internal/api"
	"github.com/rickgao/marketfeed/internal/auth"
	"github.com/rickgao/marketfeed/internal/cache"
	"github.com/rickgao/marketfeed/internal/config"
	"github.com/rickgao/marketfeed/internal/connection"
	"github.com/rickgao/marketfeed/internal/ledger"
	"github.com/rickgao/marketfeed/internal/metrics"
	"github.com/rickgao/marketfeed/internal/model"
	"github.com/rickgao/marketfeed/internal/poller"
	"github.com/rickgao/marketfeed/internal/publish"
	"github.com/rickgao/marketfeed/internal/router"
	"github.com/rickgao/marketfeed/internal/subscription"
	"github.com/rickgao/marketfeed/internal/universe"
	"github.com/rickgao/marketfeed/internal/writer"
)

// Poller names used in Status.
const (
	PollerRetry   = "retry_failed"
	PollerRefresh = "universe_refresh"
)

const startupCleanupTimeout = 10 * time.Second

// Service is one gatherer pipeline.
type Service struct {
	cfg     *config.GathererConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	mode    model.Mode

	ledger      *ledger.Ledger
	manager     *connection.Manager
	coordinator *subscription.Coordinator
	router      router.Router
	source      universe.Source
	registry    *universe.Registry
	latest      *cache.LatestCache
	writer      *writer.TickWriter
	redis       *cache.RedisMirror
	kafka       *publish.KafkaPublisher
	pollers     map[string]*poller.Poller

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New builds the pipeline from cfg. Nothing connects until Start.
func New(cfg *config.GathererConfig, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	mode, err := model.ParseMode(cfg.Subscriptions.Mode)
	if err != nil {
		return nil, err
	}
	if cfg.Writer.Enabled && o.db == nil {
		return nil, ErrNoDatabase
	}

	creds, err := auth.LoadCredentials(cfg.Feed.AccessToken, cfg.Feed.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	source := o.source
	if source == nil {
		var q universe.Querier
		if o.db != nil {
			q = o.db
		}
		if source, err = universe.NewSource(cfg.Universe, q); err != nil {
			return nil, fmt.Errorf("universe: %w", err)
		}
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		metrics:  o.metrics,
		mode:     mode,
		ledger:   ledger.New(),
		source:   source,
		registry: universe.NewRegistry(source, logger),
		latest:   cache.NewLatestCache(),
		pollers:  make(map[string]*poller.Poller),
	}

	s.manager = connection.NewManager(managerConfig(cfg, creds), logger, s.connectionOptions(cfg, creds, o)...)

	s.coordinator = subscription.NewCoordinator(subscription.Config{
		Mode:       mode,
		BatchSize:  cfg.Subscriptions.BatchSize,
		BatchDelay: cfg.Subscriptions.BatchDelay,
		AckPolicy:  subscription.AckPolicy(cfg.Subscriptions.AckPolicy),
		AckTimeout: cfg.Subscriptions.AckTimeout,
	}, s.manager, s.ledger, logger, subscription.WithMetrics(o.metrics))

	s.router = router.NewRouter(router.RouterConfig{QueueSize: cfg.Connection.QueueSize}, s.ledger, logger,
		router.WithMetrics(o.metrics))

	s.registerHandlers(cfg, o)

	s.manager.RegisterInboundSink(s.router.Enqueue)
	s.manager.OnSessionStart(s.coordinator.HandleSessionStart)
	s.manager.OnSessionEnd(s.coordinator.HandleSessionEnd)
	s.manager.OnControlAck(s.coordinator.HandleAck)

	s.pollers[PollerRetry] = poller.New(poller.Config{
		Interval:    cfg.Subscriptions.RetryInterval,
		SkipInitial: true,
	}, []poller.Job{poller.NewJobFunc(PollerRetry, s.retryFailed)}, logger)

	if cfg.Universe.RefreshInterval > 0 {
		s.pollers[PollerRefresh] = poller.New(poller.Config{
			Interval:    cfg.Universe.RefreshInterval,
			Timeout:     cfg.Universe.RefreshInterval,
			SkipInitial: true,
		}, []poller.Job{poller.NewJobFunc(PollerRefresh, s.refreshUniverse)}, logger)
	}

	return s, nil
}

func managerConfig(cfg *config.GathererConfig, creds *auth.Credentials) connection.ManagerConfig {
	return connection.ManagerConfig{
		URL: cfg.Feed.WSURL,
		Client: connection.ClientConfig{
			Token:            creds.Token,
			HandshakeTimeout: cfg.Connection.HandshakeTimeout,
			PingInterval:     cfg.Connection.PingInterval,
			PongTimeout:      cfg.Connection.PongTimeout,
			WriteTimeout:     cfg.Connection.WriteTimeout,
			BufferSize:       cfg.Connection.BufferSize,
			BinaryFrames:     cfg.Feed.BinaryFrames,
		},
		BackoffBase: cfg.Connection.BackoffBase,
		BackoffCap:  cfg.Connection.BackoffCap,
		MaxAttempts: cfg.Connection.MaxAttempts,
	}
}

// connectionOptions authorizes each attempt through the REST API unless the feed URL is
// dialled directly.
func (s *Service) connectionOptions(cfg *config.GathererConfig, creds *auth.Credentials, o options) []connection.Option {
	opts := []connection.Option{connection.WithMetrics(o.metrics)}

	authz := o.authorizer
	if authz == nil && !cfg.Feed.DirectConnect {
		authz = api.NewClient(cfg.Feed.RestURL, creds,
			api.WithLogger(s.logger),
			api.WithTimeout(cfg.Feed.Timeout),
			api.WithRetries(cfg.Feed.MaxRetries, time.Second),
		)
	}
	if authz != nil {
		opts = append(opts, connection.WithAuthorizer(authz))
	}
	if o.clientFactory != nil {
		opts = append(opts, connection.WithClientFactory(o.clientFactory))
	}
	return opts
}

// registerHandlers installs handlers in a fixed order: latest cache, store, redis, kafka, extras.
func (s *Service) registerHandlers(cfg *config.GathererConfig, o options) {
	s.router.RegisterHandler(s.latest)

	if cfg.Writer.Enabled {
		s.writer = writer.NewTickWriter(writer.WriterConfig{
			Table:         cfg.Writer.Table,
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, o.db, o.metrics, s.logger)
		s.router.RegisterHandler(s.writer)
	}

	if cfg.Cache.Redis.Enabled {
		s.redis = cache.NewRedisMirror(cache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
			TTL:       cfg.Cache.Redis.TTL,
		}, s.logger)
		s.router.RegisterHandler(s.redis)
	}

	if cfg.Kafka.Enabled {
		s.kafka = publish.NewKafkaPublisher(publish.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			Async:        cfg.Kafka.Async,
		}, s.logger)
		s.router.RegisterHandler(s.kafka)
	}

	for _, h := range o.handlers {
		s.router.RegisterHandler(h)
	}
}

// Start loads the universe, records it as desired, starts the pipeline and waits for the
// first connection outcome. Subscriptions are driven when the session starts.
// If the connection budget is exhausted the pipeline is torn down and ErrConnectionFailed
// is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("starting gatherer service",
		"instance_id", s.cfg.Instance.ID,
		"mode", s.mode,
		"universe", s.source.Name(),
	)

	if _, err := s.registry.Sync(runCtx, s.apply); err != nil {
		s.abort()
		return fmt.Errorf("sync universe: %w", err)
	}

	if s.writer != nil {
		if err := s.writer.Start(runCtx); err != nil {
			s.abort()
			return fmt.Errorf("start writer: %w", err)
		}
	}
	if err := s.router.Start(runCtx); err != nil {
		s.abort()
		return fmt.Errorf("start router: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	s.mu.Lock()
	s.group = g
	s.mu.Unlock()

	g.Go(func() error {
		if err := s.coordinator.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return s.watchConnection(gctx) })

	for name, p := range s.pollers {
		if err := p.Start(gctx); err != nil {
			s.abort()
			return fmt.Errorf("start %s poller: %w", name, err)
		}
	}

	if err := s.manager.Connect(runCtx); err != nil {
		s.abort()
		if errors.Is(err, connection.ErrAttemptsExhausted) {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return err
	}

	s.logger.Info("gatherer service started",
		"keys", s.registry.Len(),
		"session_id", s.manager.Stats().SessionID,
	)
	return nil
}

// abort tears down a partially started service.
func (s *Service) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), startupCleanupTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		s.logger.Warn("cleanup after failed start", "error", err)
	}
}

// watchConnection ends the group with ErrConnectionFailed when the manager gives up.
func (s *Service) watchConnection(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.manager.Done():
		if s.manager.State() == model.Failed {
			s.logger.Error("feed connection failed", "last_error", s.manager.Stats().LastError)
			return ErrConnectionFailed
		}
		return nil
	}
}

// Wait blocks until the background loops exit. It returns ErrConnectionFailed if the
// connection manager reached its terminal state.
func (s *Service) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// Stop shuts the pipeline down in dependency order: pollers, connection, router (which
// drains queued events), writer (final flush), publishers. Safe to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	g := s.group
	s.mu.Unlock()

	s.logger.Info("stopping gatherer service")

	var errs []error
	for name, p := range s.pollers {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s poller: %w", name, err))
		}
	}
	if err := s.manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop connection: %w", err))
	}
	if err := s.router.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop router: %w", err))
	}
	if s.writer != nil {
		if err := s.writer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop writer: %w", err))
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	cancel()
	if g != nil {
		done := make(chan struct{})
		go func() {
			g.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	s.logger.Info("gatherer service stopped", "state", s.manager.State())
	return errors.Join(errs...)
}

// Status returns a snapshot of every component.
func (s *Service) Status() Status {
	st := Status{
		InstanceID:    s.cfg.Instance.ID,
		Connection:    s.manager.Stats(),
		Subscriptions: s.coordinator.Status(),
		Router:        s.router.Stats(),
		Universe: UniverseStatus{
			Source:     s.source.Name(),
			Keys:       s.registry.Len(),
			LastSyncAt: s.registry.LastSyncAt(),
		},
		LatestTicks: s.latest.Len(),
		Pollers:     make(map[string]poller.Stats, len(s.pollers)),
	}
	st.State = st.Connection.State.String()
	for name, p := range s.pollers {
		st.Pollers[name] = p.Stats()
	}
	if s.writer != nil {
		w := s.writer.Stats()
		st.Writer = &w
	}
	if s.kafka != nil {
		k := s.kafka.Stats()
		st.Publisher = &k
	}

	s.mu.Lock()
	st.StartedAt = s.startedAt
	s.mu.Unlock()

	st.Healthy = healthy(st)
	return st
}

// Healthy reports whether the feed is connected and at least one desired key is active.
func (s *Service) Healthy() bool {
	return healthy(s.Status())
}

func healthy(st Status) bool {
	if st.Connection.State != model.Connected {
		return false
	}
	return st.Subscriptions.Total == 0 || st.Subscriptions.ActiveCount > 0
}

// Latest returns the in-process latest-value cache.
func (s *Service) Latest() *cache.LatestCache {
	return s.latest
}
