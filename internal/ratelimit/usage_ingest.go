package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/telcobss/meterbill/internal/config"
)

const (
	keyUsageIngestCustomer = "usage:ingest:customer:%s"
	keyRatingLock          = "rating:lock:%s:%s:%d"
)

// NewRedisClient builds the shared redis client, or nil when no address
// is configured.
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

type UsageIngestLimiter struct {
	enabled bool

	bucket *TokenBucket

	rate    float64
	burst   int
	lockTTL time.Duration
}

func NewUsageIngestLimiter(cfg config.Config, client *redis.Client) (*UsageIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	if client == nil {
		return nil, errors.New("rate limit requires a redis addr")
	}
	if limitCfg.IngestRate <= 0 || limitCfg.IngestBurst <= 0 {
		return nil, errors.New("usage ingest rate limit must be positive")
	}

	return &UsageIngestLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.IngestRate,
		burst:   limitCfg.IngestBurst,
		lockTTL: time.Duration(limitCfg.ConcurrencyTTLSecs) * time.Second,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowCustomer consumes one ingest token for the customer.
func (l *UsageIngestLimiter) AllowCustomer(ctx context.Context, customerID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestCustomer, strings.TrimSpace(customerID)), l.rate, l.burst)
}

// RatingLockKey names the lease guarding one accumulator period.
func RatingLockKey(customerID, resourceType string, periodStart time.Time) string {
	return fmt.Sprintf(keyRatingLock, strings.TrimSpace(customerID), strings.TrimSpace(resourceType), periodStart.UTC().Unix())
}
