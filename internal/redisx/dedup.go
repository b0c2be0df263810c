package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WebhookDedup remembers payloads whose processing is final, so redeliveries
// skip the database. Losing the cache only costs a log lookup.
type WebhookDedup struct {
	RDB *redis.Client
	TTL time.Duration
}

func (d *WebhookDedup) Seen(ctx context.Context, provider, payloadHash string) (bool, error) {
	return Exists(ctx, d.RDB, fmt.Sprintf(KeyWebhookDedup, provider, payloadHash))
}

func (d *WebhookDedup) Mark(ctx context.Context, provider, payloadHash string) error {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return d.RDB.Set(ctx, fmt.Sprintf(KeyWebhookDedup, provider, payloadHash), "1", ttl).Err()
}
