package config

import "time"

// GathererConfig is the root configuration for a gatherer instance.
type GathererConfig struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Feed          FeedConfig          `yaml:"feed"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Universe      UniverseConfig      `yaml:"universe"`
	Database      DatabaseConfig      `yaml:"database"`
	Writer        WriterConfig        `yaml:"writer"`
	Cache         CacheConfig         `yaml:"cache"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// InstanceConfig identifies this gatherer.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// FeedConfig holds market-data feed endpoints and credentials.
type FeedConfig struct {
	// RestURL is the REST API root used to authorize each websocket session.
	RestURL string `yaml:"rest_url"`
	// WSURL is dialled as-is when DirectConnect is set.
	WSURL         string        `yaml:"ws_url"`
	DirectConnect bool          `yaml:"direct_connect"`
	AccessToken   string        `yaml:"access_token"`
	TokenFile     string        `yaml:"token_file"` // read when access_token is empty
	BinaryFrames  bool          `yaml:"binary_frames"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

// ConnectionConfig holds websocket connection manager settings.
type ConnectionConfig struct {
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	MaxAttempts      int           `yaml:"max_attempts"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"` // frames held between socket and decoder
	QueueSize        int           `yaml:"queue_size"`  // events held between decoder and handlers
}

// SubscriptionsConfig holds batching and acknowledgement settings.
type SubscriptionsConfig struct {
	Mode          string        `yaml:"mode"`
	BatchSize     int           `yaml:"batch_size"`
	BatchDelay    time.Duration `yaml:"batch_delay"`
	AckPolicy     string        `yaml:"ack_policy"` // "optimistic" or "await"
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// UniverseConfig selects where the desired instrument set comes from.
type UniverseConfig struct {
	Source  string   `yaml:"source"` // "static", "file" or "postgres"
	Symbols []string `yaml:"symbols"`
	Keys    []string `yaml:"keys"`
	File    string   `yaml:"file"`
	Query   string   `yaml:"query"`

	// RefreshInterval reloads the source periodically; zero loads it once at startup.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DatabaseConfig holds the TimescaleDB connection for time-series data.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
// URL, when set, is used as-is and the discrete fields are ignored.
type DBConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	ApplicationName string        `yaml:"application_name"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
}

// WriterConfig holds tick store writer settings.
type WriterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// CacheConfig holds latest-value cache settings.
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds the optional redis mirror of the latest-value cache.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// KafkaConfig holds the tick fan-out publisher settings.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Async        bool          `yaml:"async"` // failures only show in stats
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// NeedsDatabase reports whether any enabled component uses TimescaleDB.
func (c *GathererConfig) NeedsDatabase() bool {
	return c.Writer.Enabled || c.Universe.Source == UniverseSourcePostgres
}
