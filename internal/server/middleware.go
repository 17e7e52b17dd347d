package server

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/settlement/internal/observability/context"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderCronSecret = "X-Cron-Secret"
	HeaderSignature  = "X-Signature"
)

// CronAuthRequired rejects requests that do not carry the shared cron
// secret, either in X-Cron-Secret or as a bearer token. An unset secret
// rejects everything.
func (s *Server) CronAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := strings.TrimSpace(c.GetHeader(HeaderCronSecret))
		if provided == "" {
			provided = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if s.cfg.CronSecret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.CronSecret)) != 1 {
			obslogger.SecurityEvent(obslogger.WithContext(c.Request.Context(), s.log), "cron request rejected",
				zap.String("route", c.FullPath()),
				zap.String("client_ip", c.ClientIP()),
				zap.Bool("secret_present", provided != ""),
			)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "system", "cron")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// WebhookRateLimit throttles gateway deliveries per client address. A
// limiter failure lets the request through.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}

		result, err := s.webhookLimiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			obslogger.WithContext(c.Request.Context(), s.log).Warn("webhook rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			s.metrics.IncWebhookEvent("unknown", "rate_limited")
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
