package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// CostCap reports whether the upstream spend cap is currently hit.
type CostCap interface {
	Active() bool
}

// StaticCostCap is set by an operator.
type StaticCostCap struct {
	mu     sync.RWMutex
	active bool
}

// Set changes the flag and returns the previous value.
func (c *StaticCostCap) Set(active bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.active
	c.active = active
	return prev
}

// Active implements CostCap.
func (c *StaticCostCap) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// RedisCostCap mirrors a Redis key. The value is seeded with GET and then kept
// current from messages published on a channel of the same name, so Active
// never touches the network. Operator overrides go through the embedded
// StaticCostCap and are OR-ed with the Redis value.
type RedisCostCap struct {
	StaticCostCap
	rdb *redis.Client
	key string

	remoteMu sync.RWMutex
	remote   bool
}

// NewRedisCostCap connects to url and seeds the flag from key.
func NewRedisCostCap(ctx context.Context, url, key string) (*RedisCostCap, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := &RedisCostCap{rdb: redis.NewClient(opts), key: key}
	if err := c.Init(ctx); err != nil {
		_ = c.rdb.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return c, nil
}

// Init loads the current value of the key. A missing key means not capped.
func (c *RedisCostCap) Init(ctx context.Context) error {
	val, err := c.rdb.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		c.setRemote(false)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cost cap key: %w", err)
	}
	c.setRemote(parseFlag(val))
	return nil
}

// Listen applies published values until ctx is done.
func (c *RedisCostCap) Listen(ctx context.Context) {
	pubsub := c.rdb.Subscribe(ctx, c.key)
	defer func() {
		if err := pubsub.Close(); err != nil {
			slog.Warn("cost cap unsubscribe failed", slog.String("component", "status"), slog.Any("err", err))
		}
	}()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			active := parseFlag(msg.Payload)
			c.setRemote(active)
			slog.Info("cost cap updated", slog.String("component", "status"), slog.Bool("active", active))
		}
	}
}

// Close releases the Redis client.
func (c *RedisCostCap) Close() error { return c.rdb.Close() }

// Active implements CostCap.
func (c *RedisCostCap) Active() bool {
	c.remoteMu.RLock()
	remote := c.remote
	c.remoteMu.RUnlock()
	return remote || c.StaticCostCap.Active()
}

func (c *RedisCostCap) setRemote(v bool) {
	c.remoteMu.Lock()
	c.remote = v
	c.remoteMu.Unlock()
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "capped":
		return true
	}
	return false
}
