package service

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketfeed/internal/connection"
	"github.com/rickgao/marketfeed/internal/metrics"
	"github.com/rickgao/marketfeed/internal/poller"
	"github.com/rickgao/marketfeed/internal/publish"
	"github.com/rickgao/marketfeed/internal/router"
	"github.com/rickgao/marketfeed/internal/subscription"
	"github.com/rickgao/marketfeed/internal/universe"
	"github.com/rickgao/marketfeed/internal/writer"
)

// Errors
var (
	ErrAlreadyStarted   = errors.New("service already started")
	ErrNotStarted       = errors.New("service not started")
	ErrConnectionFailed = errors.New("feed connection failed")
	ErrNoDatabase       = errors.New("configuration requires a database but none was provided")
)

// Database is the part of *pgxpool.Pool the service hands to the writer and universe source.
type Database interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Option customizes a Service.
type Option func(*options)

type options struct {
	metrics       *metrics.Metrics
	db            Database
	source        universe.Source
	authorizer    connection.Authorizer
	clientFactory connection.ClientFactory
	handlers      []router.Handler
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDatabase supplies the pool used by the tick writer and the postgres universe source.
func WithDatabase(db Database) Option {
	return func(o *options) { o.db = db }
}

// WithSource overrides the universe source built from config.
func WithSource(s universe.Source) Option {
	return func(o *options) { o.source = s }
}

// WithAuthorizer overrides how the websocket URL is resolved per attempt.
func WithAuthorizer(a connection.Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

// WithClientFactory overrides the websocket client constructor.
func WithClientFactory(f connection.ClientFactory) Option {
	return func(o *options) { o.clientFactory = f }
}

// WithHandler registers an extra handler after the built-in ones.
func WithHandler(h router.Handler) Option {
	return func(o *options) { o.handlers = append(o.handlers, h) }
}

// Status is a point-in-time view of the whole pipeline.
type Status struct {
	InstanceID    string                  `json:"instance_id"`
	Healthy       bool                    `json:"healthy"`
	State         string                  `json:"state"`
	Connection    connection.ManagerStats `json:"connection"`
	Subscriptions subscription.Status     `json:"subscriptions"`
	Router        router.RouterStats      `json:"router"`
	Universe      UniverseStatus          `json:"universe"`
	LatestTicks   int                     `json:"latest_ticks"`
	Writer        *writer.WriterMetrics   `json:"writer,omitempty"`
	Publisher     *publish.Stats          `json:"publisher,omitempty"`
	Pollers       map[string]poller.Stats `json:"pollers"`
	StartedAt     time.Time               `json:"started_at,omitzero"`
}

// UniverseStatus describes the desired instrument set.
type UniverseStatus struct {
	Source     string    `json:"source"`
	Keys       int       `json:"keys"`
	LastSyncAt time.Time `json:"last_sync_at,omitzero"`
}
