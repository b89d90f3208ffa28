package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-gatherer
  az: ap-south-1a
feed:
  ws_url: wss://feed.example.com/v3
  access_token: tok
  binary_frames: true
connection:
  backoff_base: 1s
  max_attempts: 5
subscriptions:
  mode: ltpc
  batch_delay: 250ms
universe:
  source: static
  symbols: [RELIANCE-EQ, NIFTY25JAN24000CE]
kafka:
  enabled: true
  brokers: [localhost:9092]
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-gatherer" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-gatherer")
	}
	if cfg.Feed.WSURL != "wss://feed.example.com/v3" {
		t.Errorf("Feed.WSURL = %q", cfg.Feed.WSURL)
	}
	if !cfg.Feed.BinaryFrames {
		t.Error("Feed.BinaryFrames = false, want true")
	}
	if cfg.Connection.BackoffBase != time.Second {
		t.Errorf("Connection.BackoffBase = %v, want 1s", cfg.Connection.BackoffBase)
	}
	if cfg.Subscriptions.BatchDelay != 250*time.Millisecond {
		t.Errorf("Subscriptions.BatchDelay = %v, want 250ms", cfg.Subscriptions.BatchDelay)
	}
	if len(cfg.Universe.Symbols) != 2 || cfg.Universe.Symbols[0] != "RELIANCE-EQ" {
		t.Errorf("Universe.Symbols = %v", cfg.Universe.Symbols)
	}
	if !cfg.Kafka.Enabled || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_FEED_TOKEN", "secret123")

	yaml := `
instance:
  id: test-gatherer
feed:
  access_token: ${TEST_FEED_TOKEN}
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Feed.AccessToken != "secret123" {
		t.Errorf("Feed.AccessToken = %q, want %q", cfg.Feed.AccessToken, "secret123")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	envPath := writeTempFile(t, ".env", "MARKETFEED_TEST_DB_PASSWORD=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("MARKETFEED_TEST_DB_PASSWORD") })

	if err := LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), envPath); err != nil {
		t.Fatalf("LoadEnvFiles failed: %v", err)
	}

	yaml := `
database:
  timescale:
    password: ${MARKETFEED_TEST_DB_PASSWORD}
`
	cfg, err := Load(writeTempFile(t, "config.yaml", yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Timescale.Password != "from-dotenv" {
		t.Errorf("Database.Timescale.Password = %q, want %q", cfg.Database.Timescale.Password, "from-dotenv")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-gatherer
feed:
  access_token: tok
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Feed.RestURL != DefaultRestURL {
		t.Errorf("Feed.RestURL = %q, want default %q", cfg.Feed.RestURL, DefaultRestURL)
	}
	if cfg.Feed.WSURL != DefaultWSURL {
		t.Errorf("Feed.WSURL = %q, want default %q", cfg.Feed.WSURL, DefaultWSURL)
	}
	if cfg.Connection.BackoffBase != DefaultBackoffBase {
		t.Errorf("Connection.BackoffBase = %v, want default %v", cfg.Connection.BackoffBase, DefaultBackoffBase)
	}
	if cfg.Connection.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Connection.MaxAttempts = %d, want default %d", cfg.Connection.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.Subscriptions.BatchSize != DefaultSubBatchSize {
		t.Errorf("Subscriptions.BatchSize = %d, want default %d", cfg.Subscriptions.BatchSize, DefaultSubBatchSize)
	}
	if cfg.Subscriptions.AckPolicy != DefaultAckPolicy {
		t.Errorf("Subscriptions.AckPolicy = %q, want default %q", cfg.Subscriptions.AckPolicy, DefaultAckPolicy)
	}
	if cfg.Universe.Source != UniverseSourceStatic {
		t.Errorf("Universe.Source = %q, want %q", cfg.Universe.Source, UniverseSourceStatic)
	}
	if cfg.Database.Timescale.Port != DefaultDBPort {
		t.Errorf("Database.Timescale.Port = %d, want default %d", cfg.Database.Timescale.Port, DefaultDBPort)
	}
	if cfg.Writer.Table != DefaultTable {
		t.Errorf("Writer.Table = %q, want default %q", cfg.Writer.Table, DefaultTable)
	}
	if cfg.Cache.Redis.TTL != DefaultRedisTTL {
		t.Errorf("Cache.Redis.TTL = %v, want default %v", cfg.Cache.Redis.TTL, DefaultRedisTTL)
	}
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Metrics.Port = %d, want default %d", cfg.Metrics.Port, DefaultMetricsPort)
	}
}

func TestValidate(t *testing.T) {
	valid := func() GathererConfig {
		c := GathererConfig{
			Instance: InstanceConfig{ID: "test"},
			Feed:     FeedConfig{AccessToken: "tok"},
			Universe: UniverseConfig{Symbols: []string{"RELIANCE-EQ"}},
		}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *GathererConfig)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *GathererConfig) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "missing token",
			mutate:  func(c *GathererConfig) { c.Feed.AccessToken = "" },
			wantErr: "feed.access_token or feed.token_file is required",
		},
		{
			name: "direct connect without ws url",
			mutate: func(c *GathererConfig) {
				c.Feed.DirectConnect = true
				c.Feed.WSURL = ""
			},
			wantErr: "feed.ws_url is required with direct_connect",
		},
		{
			name:    "cap below base",
			mutate:  func(c *GathererConfig) { c.Connection.BackoffCap = time.Second },
			wantErr: "connection.backoff_cap (1s) cannot be below backoff_base (2s)",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *GathererConfig) { c.Subscriptions.Mode = "depth" },
			wantErr: `subscriptions.mode: unknown subscription mode "depth"`,
		},
		{
			name: "batch above mode limit",
			mutate: func(c *GathererConfig) {
				c.Subscriptions.Mode = "full_d30"
				c.Subscriptions.BatchSize = 60
			},
			wantErr: "subscriptions.batch_size (60) exceeds the full_d30 limit (50)",
		},
		{
			name:    "bad ack policy",
			mutate:  func(c *GathererConfig) { c.Subscriptions.AckPolicy = "never" },
			wantErr: `subscriptions.ack_policy must be optimistic or await, got "never"`,
		},
		{
			name:    "empty static universe",
			mutate:  func(c *GathererConfig) { c.Universe.Symbols = nil },
			wantErr: "universe.symbols or universe.keys is required for the static source",
		},
		{
			name:    "writer needs database",
			mutate:  func(c *GathererConfig) { c.Writer.Enabled = true },
			wantErr: "database.timescale.host is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *GathererConfig) {
				c.Writer.Enabled = true
				c.Database.Timescale = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "database.timescale.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name: "database url replaces fields",
			mutate: func(c *GathererConfig) {
				c.Writer.Enabled = true
				c.Writer.BatchSize = 100
				c.Database.Timescale = DBConfig{URL: "postgres://svc:pw@tsdb:5432/ts", MaxConns: 5, MinConns: 1}
			},
			wantErr: "",
		},
		{
			name: "database url scheme",
			mutate: func(c *GathererConfig) {
				c.Writer.Enabled = true
				c.Database.Timescale = DBConfig{URL: "mysql://svc@tsdb/ts", MaxConns: 5, MinConns: 1}
			},
			wantErr: "database.timescale.url must be a postgres:// URL",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *GathererConfig) { c.Kafka.Enabled = true },
			wantErr: "kafka.brokers is required",
		},
		{
			name:    "valid config",
			mutate:  func(c *GathererConfig) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
