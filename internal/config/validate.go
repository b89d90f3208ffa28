package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rickgao/marketfeed/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *GathererConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Feed.AccessToken == "" && c.Feed.TokenFile == "" {
		return errors.New("feed.access_token or feed.token_file is required")
	}
	if c.Feed.DirectConnect && c.Feed.WSURL == "" {
		return errors.New("feed.ws_url is required with direct_connect")
	}
	if !c.Feed.DirectConnect && c.Feed.RestURL == "" {
		return errors.New("feed.rest_url is required")
	}

	if c.Connection.BackoffBase <= 0 {
		return errors.New("connection.backoff_base must be > 0")
	}
	if c.Connection.BackoffCap < c.Connection.BackoffBase {
		return fmt.Errorf("connection.backoff_cap (%s) cannot be below backoff_base (%s)",
			c.Connection.BackoffCap, c.Connection.BackoffBase)
	}
	if c.Connection.MaxAttempts < 1 {
		return errors.New("connection.max_attempts must be >= 1")
	}
	if c.Connection.QueueSize < 1 {
		return errors.New("connection.queue_size must be >= 1")
	}

	mode, err := model.ParseMode(c.Subscriptions.Mode)
	if err != nil {
		return fmt.Errorf("subscriptions.mode: %w", err)
	}
	if c.Subscriptions.BatchSize < 1 {
		return errors.New("subscriptions.batch_size must be >= 1")
	}
	if c.Subscriptions.BatchSize > mode.Limit() {
		return fmt.Errorf("subscriptions.batch_size (%d) exceeds the %s limit (%d)",
			c.Subscriptions.BatchSize, mode, mode.Limit())
	}
	switch c.Subscriptions.AckPolicy {
	case "optimistic", "await":
	default:
		return fmt.Errorf("subscriptions.ack_policy must be optimistic or await, got %q", c.Subscriptions.AckPolicy)
	}

	switch c.Universe.Source {
	case UniverseSourceStatic:
		if len(c.Universe.Symbols) == 0 && len(c.Universe.Keys) == 0 {
			return errors.New("universe.symbols or universe.keys is required for the static source")
		}
	case UniverseSourceFile:
		if c.Universe.File == "" {
			return errors.New("universe.file is required for the file source")
		}
	case UniverseSourcePostgres:
	default:
		return fmt.Errorf("universe.source must be static, file or postgres, got %q", c.Universe.Source)
	}

	if c.NeedsDatabase() {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	}

	if c.Writer.Enabled && c.Writer.BatchSize < 1 {
		return errors.New("writer.batch_size must be >= 1")
	}

	if c.Cache.Redis.Enabled && c.Cache.Redis.Addr == "" {
		return errors.New("cache.redis.addr is required")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka.topic is required")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.URL != "" {
		if !strings.HasPrefix(db.URL, "postgres://") && !strings.HasPrefix(db.URL, "postgresql://") {
			return fmt.Errorf("%s.url must be a postgres:// URL", prefix)
		}
	} else {
		if db.Host == "" {
			return fmt.Errorf("%s.host is required", prefix)
		}
		if db.Name == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if db.User == "" {
			return fmt.Errorf("%s.user is required", prefix)
		}
		if db.Password == "" {
			return fmt.Errorf("%s.password is required", prefix)
		}
	}
	if db.ConnectTimeout < 0 {
		return fmt.Errorf("%s.connect_timeout must be >= 0", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
