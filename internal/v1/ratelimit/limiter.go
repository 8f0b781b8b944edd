// Package ratelimit enforces per-user WebSocket event limits and HTTP
// request limits, backed by Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marzo245/RoleDesk-B/internal/v1/auth"
	"github.com/marzo245/RoleDesk-B/internal/v1/config"
	"github.com/marzo245/RoleDesk-B/internal/v1/logging"
	"github.com/marzo245/RoleDesk-B/internal/v1/metrics"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Limiter holds one token bucket per rate-limited WebSocket event plus the
// HTTP API limits. Events without an entry are unlimited.
type Limiter struct {
	events    map[types.EventType]*limiter.Limiter
	apiGlobal *limiter.Limiter
	apiPublic *limiter.Limiter
	store     limiter.Store
}

// New builds a Limiter from the configured rates. When redisClient is nil
// (single-instance/dev mode) buckets live in process memory, so limits are
// per-instance rather than global.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled)")
	}

	eventRates := map[types.EventType]string{
		types.EventJoinRealm:   cfg.RateLimitJoin,
		types.EventMovePlayer:  cfg.RateLimitMove,
		types.EventTeleport:    cfg.RateLimitTeleport,
		types.EventChangedSkin: cfg.RateLimitSkin,
		types.EventSendMessage: cfg.RateLimitChat,
	}

	events := make(map[types.EventType]*limiter.Limiter, len(eventRates))
	for event, formatted := range eventRates {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %w", event, err)
		}
		events[event] = limiter.New(store, rate)
	}

	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}

	return &Limiter{
		events:    events,
		apiGlobal: limiter.New(store, apiGlobalRate),
		apiPublic: limiter.New(store, apiPublicRate),
		store:     store,
	}, nil
}

// AllowEvent reports whether userID may process one more instance of event.
// Buckets are keyed per (user, event). Events with no configured limit are
// always allowed, and store failures fail open so a Redis outage does not
// freeze every session.
func (rl *Limiter) AllowEvent(ctx context.Context, userID types.UserIDType, event types.EventType) bool {
	instance, ok := rl.events[event]
	if !ok {
		return true
	}

	lctx, err := instance.Get(ctx, string(event)+":"+string(userID))
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.String("event", string(event)), zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(string(event), "user").Inc()
		return false
	}

	metrics.RateLimitRequests.WithLabelValues(string(event)).Inc()
	return true
}

// GlobalMiddleware limits HTTP requests per authenticated user, falling back
// to a stricter per-IP limit for unauthenticated callers.
func (rl *Limiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		instance := rl.apiPublic
		key := c.ClientIP()
		kind := "ip"

		if claims, exists := c.Get("claims"); exists {
			if userClaims, ok := claims.(*auth.CustomClaims); ok {
				instance = rl.apiGlobal
				key = userClaims.Subject
				kind = "user"
			}
		}

		ctx := c.Request.Context()
		lctx, err := instance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), kind).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
