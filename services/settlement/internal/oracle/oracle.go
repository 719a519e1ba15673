// Package oracle supplies the stable/native reference rate, cached in Redis
// with a last-known fallback for when the source is down.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const DefaultKeyPrefix = "mkt:oracle:"

var ErrRateUnavailable = errors.New("reference rate unavailable")

type Metrics interface {
	ObserveOracle(result string)
}

type Config struct {
	TTL       time.Duration
	MaxStale  time.Duration
	Timeout   time.Duration
	KeyPrefix string
}

type cachedRate struct {
	Rate      string    `json:"rate"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Oracle struct {
	source  Source
	redis   redis.Cmdable
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	mu   sync.Mutex
	last *cachedRate
}

type Option func(*Oracle)

// WithRedis caches rates in Redis so every replica quotes the same one.
func WithRedis(client redis.Cmdable) Option {
	return func(o *Oracle) { o.redis = client }
}

func WithMetrics(m Metrics) Option {
	return func(o *Oracle) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

func New(source Source, cfg Config, logger *slog.Logger, opts ...Option) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.MaxStale <= 0 {
		cfg.MaxStale = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	o := &Oracle{
		source: source,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Oracle) currentKey() string { return o.cfg.KeyPrefix + "rate" }
func (o *Oracle) lastKey() string    { return o.cfg.KeyPrefix + "rate:last" }

// ReferenceRate returns a cached rate younger than the TTL, else a fresh
// one from the source. If the source fails it falls back to the last known
// rate as long as it is within MaxStale.
func (o *Oracle) ReferenceRate(ctx context.Context) (decimal.Decimal, error) {
	if rate, ok := o.readCache(ctx, o.currentKey()); ok {
		if parsed, err := decimal.NewFromString(rate.Rate); err == nil {
			o.observe("cache_hit")
			return parsed, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	rate, err := o.source.FetchRate(fetchCtx)
	cancel()
	if err == nil {
		o.store(ctx, rate)
		o.observe("fetched")
		return rate, nil
	}

	o.logger.Warn("reference rate source failed", "source", o.source.Name(), "error", err)
	if last, ok := o.lastKnown(ctx); ok {
		age := o.now().Sub(last.FetchedAt)
		if age <= o.cfg.MaxStale {
			if parsed, perr := decimal.NewFromString(last.Rate); perr == nil {
				o.observe("fallback")
				o.logger.Warn("using last known reference rate", "rate", last.Rate, "age", age.String())
				return parsed, nil
			}
		}
	}
	o.observe("error")
	return decimal.Zero, fmt.Errorf("%w: %w", ErrRateUnavailable, err)
}

func (o *Oracle) store(ctx context.Context, rate decimal.Decimal) {
	entry := cachedRate{Rate: rate.String(), FetchedAt: o.now()}
	o.mu.Lock()
	o.last = &entry
	o.mu.Unlock()

	if o.redis == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := o.redis.Set(ctx, o.currentKey(), raw, o.cfg.TTL).Err(); err != nil {
		o.logger.Warn("cache reference rate failed", "error", err)
	}
	if err := o.redis.Set(ctx, o.lastKey(), raw, 0).Err(); err != nil {
		o.logger.Warn("store last known rate failed", "error", err)
	}
}

func (o *Oracle) readCache(ctx context.Context, key string) (*cachedRate, bool) {
	if o.redis == nil {
		o.mu.Lock()
		defer o.mu.Unlock()
		if key == o.currentKey() && o.last != nil && o.now().Sub(o.last.FetchedAt) < o.cfg.TTL {
			c := *o.last
			return &c, true
		}
		return nil, false
	}
	raw, err := o.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			o.logger.Warn("read cached rate failed", "key", key, "error", err)
		}
		return nil, false
	}
	var entry cachedRate
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

func (o *Oracle) lastKnown(ctx context.Context) (*cachedRate, bool) {
	if o.redis != nil {
		if entry, ok := o.readCache(ctx, o.lastKey()); ok {
			return entry, true
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return nil, false
	}
	c := *o.last
	return &c, true
}

func (o *Oracle) observe(result string) {
	if o.metrics != nil {
		o.metrics.ObserveOracle(result)
	}
}
