package ratelimit

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/settlement/internal/config"
)

const keyWebhookIngress = "settlement:webhook:ingress:%s"

// WebhookLimiter throttles inbound gateway deliveries per source. A nil
// or disabled limiter allows everything.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewWebhookLimiter(client *redis.Client, cfg config.Config) *WebhookLimiter {
	if client == nil || cfg.Webhook.RateLimitPerSecond <= 0 || cfg.Webhook.RateLimitBurst <= 0 {
		return &WebhookLimiter{}
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(client),
		rate:   float64(cfg.Webhook.RateLimitPerSecond),
		burst:  cfg.Webhook.RateLimitBurst,
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *WebhookLimiter) Allow(ctx context.Context, source string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	if source == "" {
		source = "unknown"
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookIngress, source), l.rate, l.burst)
}
