package pricefeed

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Redis reads prices published by an external pricing process as decimal
// strings under "<prefix><assetID>".
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds the connection settings for NewRedis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Redis{client: client, prefix: cfg.Prefix}, nil
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(assetID string) string {
	return r.prefix + assetID
}

// CurrentPrice returns the stored price. A missing key is reported as
// ok=false; an unparsable or non-positive value is an error.
func (r *Redis) CurrentPrice(ctx context.Context, assetID string) (decimal.Decimal, bool, error) {
	val, err := r.client.Get(ctx, r.key(assetID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get price %s: %w", assetID, err)
	}

	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse price %s=%q: %w", assetID, val, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, false, fmt.Errorf("price %s is not positive: %s", assetID, price)
	}
	return price, true, nil
}

// SetPrice publishes an asset's price.
func (r *Redis) SetPrice(ctx context.Context, assetID string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price for %s must be greater than 0, got %s", assetID, price)
	}
	if err := r.client.Set(ctx, r.key(assetID), price.String(), 0).Err(); err != nil {
		return fmt.Errorf("set price %s: %w", assetID, err)
	}
	return nil
}
