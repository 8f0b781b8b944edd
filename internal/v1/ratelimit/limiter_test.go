package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marzo245/RoleDesk-B/internal/v1/config"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitMove:      "60-S",
		RateLimitTeleport:  "2-S",
		RateLimitSkin:      "1-S",
		RateLimitChat:      "10-M",
		RateLimitJoin:      "5-M",
		RateLimitAPIGlobal: "1000-M",
		RateLimitAPIPublic: "3-M",
	}
}

func TestNew_InvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMove = "not-a-rate"

	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestAllowEvent_PerUserBuckets(t *testing.T) {
	rl, err := New(testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	// Skin limit is 1 per second: second attempt in the window is rejected.
	assert.True(t, rl.AllowEvent(ctx, "user-a", types.EventChangedSkin))
	assert.False(t, rl.AllowEvent(ctx, "user-a", types.EventChangedSkin))

	// A different user has an independent bucket.
	assert.True(t, rl.AllowEvent(ctx, "user-b", types.EventChangedSkin))

	// The same user's other events are unaffected.
	assert.True(t, rl.AllowEvent(ctx, "user-a", types.EventMovePlayer))
}

func TestAllowEvent_UnlimitedEvents(t *testing.T) {
	rl, err := New(testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	// kickPlayer has no configured limit.
	for i := 0; i < 100; i++ {
		assert.True(t, rl.AllowEvent(ctx, "user-a", types.EventKickPlayer))
	}
}

func TestGlobalMiddleware_LimitsByIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl, err := New(testConfig(), nil)
	require.NoError(t, err)

	router := gin.New()
	router.Use(rl.GlobalMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Public limit is 3 per minute.
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}
