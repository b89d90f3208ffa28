package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL              = "wss://api.upstox.com/v3/feed/market-data-feed"
	DefaultRestURL            = "https://api.upstox.com/v3"
	DefaultFeedTimeout        = 30 * time.Second
	DefaultFeedMaxRetries     = 3
	DefaultBackoffBase        = 2 * time.Second
	DefaultBackoffCap         = 60 * time.Second
	DefaultMaxAttempts        = 10
	DefaultPingInterval       = 10 * time.Second
	DefaultPongTimeout        = 30 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultConnBufferSize     = 1024
	DefaultQueueSize          = 1024
	DefaultMode               = "full"
	DefaultSubBatchSize       = 50
	DefaultBatchDelay         = 500 * time.Millisecond
	DefaultAckPolicy          = "optimistic"
	DefaultAckTimeout         = 5 * time.Second
	DefaultRetryInterval      = 60 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultDBApplicationName  = "marketfeed"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultTable              = "ticks"
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 1 * time.Second
	DefaultRedisAddr          = "localhost:6379"
	DefaultRedisKeyPrefix     = "marketfeed:latest:"
	DefaultRedisTTL           = 24 * time.Hour
	DefaultKafkaTopic         = "marketfeed.ticks"
	DefaultKafkaBatchSize     = 100
	DefaultKafkaBatchTimeout  = 100 * time.Millisecond
	DefaultKafkaRequiredAcks  = 1
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	UniverseSourceStatic      = "static"
	UniverseSourceFile        = "file"
	UniverseSourcePostgres    = "postgres"
	DefaultUniverseSource     = UniverseSourceStatic
	DefaultUniverseQueryTable = "instruments"
)

// ApplyDefaults fills zero-valued optional fields.
func (c *GathererConfig) ApplyDefaults() {
	// Feed defaults
	if c.Feed.RestURL == "" {
		c.Feed.RestURL = DefaultRestURL
	}
	if c.Feed.WSURL == "" {
		c.Feed.WSURL = DefaultWSURL
	}
	if c.Feed.Timeout == 0 {
		c.Feed.Timeout = DefaultFeedTimeout
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = DefaultFeedMaxRetries
	}

	// Connection defaults
	if c.Connection.BackoffBase == 0 {
		c.Connection.BackoffBase = DefaultBackoffBase
	}
	if c.Connection.BackoffCap == 0 {
		c.Connection.BackoffCap = DefaultBackoffCap
	}
	if c.Connection.MaxAttempts == 0 {
		c.Connection.MaxAttempts = DefaultMaxAttempts
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PongTimeout == 0 {
		c.Connection.PongTimeout = DefaultPongTimeout
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultConnBufferSize
	}
	if c.Connection.QueueSize == 0 {
		c.Connection.QueueSize = DefaultQueueSize
	}

	// Subscription defaults
	if c.Subscriptions.Mode == "" {
		c.Subscriptions.Mode = DefaultMode
	}
	if c.Subscriptions.BatchSize == 0 {
		c.Subscriptions.BatchSize = DefaultSubBatchSize
	}
	if c.Subscriptions.BatchDelay == 0 {
		c.Subscriptions.BatchDelay = DefaultBatchDelay
	}
	if c.Subscriptions.AckPolicy == "" {
		c.Subscriptions.AckPolicy = DefaultAckPolicy
	}
	if c.Subscriptions.AckTimeout == 0 {
		c.Subscriptions.AckTimeout = DefaultAckTimeout
	}
	if c.Subscriptions.RetryInterval == 0 {
		c.Subscriptions.RetryInterval = DefaultRetryInterval
	}

	// Universe defaults
	if c.Universe.Source == "" {
		c.Universe.Source = DefaultUniverseSource
	}
	if c.Universe.Source == UniverseSourcePostgres && c.Universe.Query == "" {
		c.Universe.Query = "SELECT instrument_key FROM " + DefaultUniverseQueryTable + " WHERE enabled ORDER BY instrument_key"
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)

	// Writer defaults
	if c.Writer.Table == "" {
		c.Writer.Table = DefaultTable
	}
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}

	// Cache defaults
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = DefaultRedisAddr
	}
	if c.Cache.Redis.KeyPrefix == "" {
		c.Cache.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Cache.Redis.TTL == 0 {
		c.Cache.Redis.TTL = DefaultRedisTTL
	}

	// Kafka defaults
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = DefaultKafkaTopic
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = DefaultKafkaBatchSize
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = DefaultKafkaBatchTimeout
	}
	if c.Kafka.RequiredAcks == 0 {
		c.Kafka.RequiredAcks = DefaultKafkaRequiredAcks
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.ApplicationName == "" {
		db.ApplicationName = DefaultDBApplicationName
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
