package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for event publication.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Password      string `yaml:"password"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg.ChannelPrefix), nil
}

func newClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "blockstor"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func (c *Client) channelKey(kind string) string {
	return fmt.Sprintf("%s:%s", c.prefix, kind)
}

func (c *Client) tipKey() string {
	return fmt.Sprintf("%s:tip", c.prefix)
}

// Publish sends a payload on the channel for kind.
func (c *Client) Publish(ctx context.Context, kind string, payload []byte) error {
	if err := c.rdb.Publish(ctx, c.channelKey(kind), payload).Err(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// SetTip records the latest applied block so consumers can read it without
// subscribing.
func (c *Client) SetTip(ctx context.Context, height uint32, hash string, sequence uint64) error {
	err := c.rdb.HSet(ctx, c.tipKey(),
		"height", height,
		"hash", hash,
		"sequence", sequence,
	).Err()
	if err != nil {
		return fmt.Errorf("hset failed: %w", err)
	}
	return nil
}
