package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per feed key holding
// the raw 18-decimal price and the unix timestamp it was pushed at.
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

// SetPrice records the last price pushed for key.
func (pc *PriceCache) SetPrice(ctx context.Context, key string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.Unix(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.c.Key("price", key), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", key, err)
	}
	return nil
}

// GetPrice returns the last price pushed for key, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, key string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.Key("price", key)).Result()
	if err != nil {
		return decimal.Zero(), time.Time{}, fmt.Errorf("redis: get price %s: %w", key, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero(), time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.ParseRaw(priceStr)
	if err != nil {
		return decimal.Zero(), time.Time{}, fmt.Errorf("redis: parse price %s: %w", key, err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero(), time.Time{}, fmt.Errorf("redis: parse ts %s: %w", key, err)
	}
	return price, time.Unix(ts, 0).UTC(), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
