package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/moznion/go-optional"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketfeed/internal/model"
)

// RedisConfig configures the redis mirror.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisMirror stores each instrument's latest fields in a redis hash.
// HSET only touches the fields a tick carries, so the hash accumulates the
// same merged view as LatestCache.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisMirror connects to redis. The connection is verified lazily; call Ping to check it.
func NewRedisMirror(cfg RedisConfig, logger *slog.Logger) *RedisMirror {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisMirror(client, cfg.KeyPrefix, cfg.TTL, logger)
}

func newRedisMirror(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisMirror {
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (m *RedisMirror) Name() string { return "redis" }

// Handle writes the present fields of tick and refreshes the key's TTL.
func (m *RedisMirror) Handle(ctx context.Context, tick model.Tick) error {
	key := m.key(tick.Key)
	fields := tickFields(tick)

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if m.ttl > 0 {
			pipe.Expire(ctx, key, m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror %s: %w", key, err)
	}
	return nil
}

// Get returns the stored fields for key, or nil if the key is unknown.
func (m *RedisMirror) Get(ctx context.Context, key model.InstrumentKey) (map[string]string, error) {
	fields, err := m.client.HGetAll(ctx, m.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// Remove deletes the hashes for keys.
func (m *RedisMirror) Remove(ctx context.Context, keys ...model.InstrumentKey) error {
	if len(keys) == 0 {
		return nil
	}
	rk := make([]string, len(keys))
	for i, k := range keys {
		rk[i] = m.key(k)
	}
	if err := m.client.Del(ctx, rk...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) key(k model.InstrumentKey) string {
	return m.prefix + string(k)
}

// tickFields flattens the present fields of t into hash fields.
func tickFields(t model.Tick) map[string]any {
	f := map[string]any{
		"received_at": t.ReceivedAt.UnixMilli(),
	}
	if t.Mode != "" {
		f["mode"] = string(t.Mode)
	}

	putDecimal(f, "last_price", t.LastPrice)
	putDecimal(f, "prev_close", t.PrevClose)
	putDecimal(f, "open", t.Open)
	putDecimal(f, "high", t.High)
	putDecimal(f, "low", t.Low)
	putDecimal(f, "close", t.Close)
	putDecimal(f, "avg_price", t.AvgPrice)
	putDecimal(f, "bid_price", t.Bid.Price)
	putDecimal(f, "ask_price", t.Ask.Price)

	putInt(f, "last_qty", t.LastQty)
	putInt(f, "volume", t.Volume)
	putInt(f, "open_interest", t.OpenInterest)
	putInt(f, "total_buy_qty", t.TotalBuyQty)
	putInt(f, "total_sell_qty", t.TotalSellQty)
	putInt(f, "bid_qty", t.Bid.Size)
	putInt(f, "ask_qty", t.Ask.Size)

	putFloat(f, "implied_vol", t.ImpliedVol)
	if t.ExchangeTime.IsSome() {
		f["exchange_ts"] = t.ExchangeTime.Unwrap().UnixMilli()
	}
	if t.Greeks.IsSome() {
		g := t.Greeks.Unwrap()
		putFloat(f, "delta", g.Delta)
		putFloat(f, "gamma", g.Gamma)
		putFloat(f, "theta", g.Theta)
		putFloat(f, "vega", g.Vega)
		putFloat(f, "rho", g.Rho)
	}
	return f
}

func putDecimal(f map[string]any, name string, v optional.Option[decimal.Decimal]) {
	if v.IsSome() {
		f[name] = v.Unwrap().String()
	}
}

func putInt(f map[string]any, name string, v optional.Option[int64]) {
	if v.IsSome() {
		f[name] = strconv.FormatInt(v.Unwrap(), 10)
	}
}

func putFloat(f map[string]any, name string, v optional.Option[float64]) {
	if v.IsSome() {
		f[name] = strconv.FormatFloat(v.Unwrap(), 'f', -1, 64)
	}
}
