package throttle

import (
	"context"
	"sync"
	"time"
)

// BlockCounter reports the node's best block height.
type BlockCounter interface {
	GetBlockCount(ctx context.Context) (uint32, error)
}

// TipCache reuses the node's reported height for up to ttl. Failed lookups
// are not cached.
type TipCache struct {
	node BlockCounter
	ttl  time.Duration

	mu      sync.Mutex
	height  uint32
	expires time.Time
	valid   bool
}

func NewTipCache(node BlockCounter, ttl time.Duration) *TipCache {
	return &TipCache{node: node, ttl: ttl}
}

// Height returns the node's tip height, asking the node only when the
// cached answer is missing or stale.
func (c *TipCache) Height(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && time.Now().Before(c.expires) {
		return c.height, nil
	}

	h, err := c.node.GetBlockCount(ctx)
	if err != nil {
		c.valid = false
		return 0, err
	}
	c.height, c.expires, c.valid = h, time.Now().Add(c.ttl), true
	return h, nil
}

// Reset drops the cached height. The sync engine calls it after every
// applied or rolled back block.
func (c *TipCache) Reset() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
