package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "ledger-sync:cooldown:"

// RedisPersister stores each cooldown as a JSON value whose key expires with the entry.
type RedisPersister struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisPersister wraps client; an empty prefix uses the default.
func NewRedisPersister(client redis.UniversalClient, prefix string) *RedisPersister {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisPersister{client: client, prefix: prefix, now: time.Now}
}

func (p *RedisPersister) redisKey(c Cooldown) string {
	return p.prefix + c.Key()
}

// Save writes c with a PX expiry equal to its remaining life. Already-expired entries are skipped.
func (p *RedisPersister) Save(ctx context.Context, c Cooldown) error {
	ttl := c.EndTime.Sub(p.now())
	if ttl <= 0 {
		return nil
	}
	c.Remaining = 0
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cooldown: %w", err)
	}
	if err := p.client.Set(ctx, p.redisKey(c), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", p.redisKey(c), err)
	}
	return nil
}

// Delete removes the persisted copy of c.
func (p *RedisPersister) Delete(ctx context.Context, c Cooldown) error {
	if err := p.client.Del(ctx, p.redisKey(c)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", p.redisKey(c), err)
	}
	return nil
}

// Load scans every key under the prefix. Keys that vanish between SCAN and GET are skipped.
func (p *RedisPersister) Load(ctx context.Context) ([]Cooldown, error) {
	var out []Cooldown
	iter := p.client.Scan(ctx, 0, p.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := p.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", iter.Val(), err)
		}
		var c Cooldown
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}
