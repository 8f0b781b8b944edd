package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/marzo245/RoleDesk-B/internal/v1/auth"
	"github.com/marzo245/RoleDesk-B/internal/v1/config"
	"github.com/marzo245/RoleDesk-B/internal/v1/logging"
	"github.com/marzo245/RoleDesk-B/internal/v1/metrics"
	"github.com/marzo245/RoleDesk-B/internal/v1/ratelimit"
	"github.com/marzo245/RoleDesk-B/internal/v1/session"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenValidator verifies a bearer token and binds it to the uid the client
// claimed at handshake.
type TokenValidator interface {
	VerifyToken(tokenString, claimedUserID string) (*auth.Principal, error)
}

// Hub accepts WebSocket connections: it authenticates the handshake, applies
// the per-IP connection cap, upgrades, and starts the client pumps. Session
// state lives in the session manager, not here.
type Hub struct {
	validator  TokenValidator
	manager    *session.Manager
	registry   *session.UserRegistry
	dispatcher *Dispatcher

	allowedOrigins    []string
	maxConnsPerIP     int
	inactivityTimeout time.Duration

	mu      sync.Mutex
	ipConns map[string]int
}

// NewHub wires the WebSocket edge together.
func NewHub(cfg *config.Config, validator TokenValidator, manager *session.Manager, registry *session.UserRegistry, store types.RealmStore, limiter *ratelimit.Limiter) *Hub {
	h := &Hub{
		validator:         validator,
		manager:           manager,
		registry:          registry,
		allowedOrigins:    auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		maxConnsPerIP:     cfg.MaxConnsPerIP,
		inactivityTimeout: cfg.InactivityTimeout,
		ipConns:           make(map[string]int),
	}
	h.dispatcher = NewDispatcher(manager, registry, store, limiter)
	return h
}

// Dispatcher exposes the hub's event router, mainly for tests.
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// ServeWs is the GET /ws handler. The client passes token and uid as query
// parameters; both must agree before the upgrade happens.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	token := c.Query("token")
	uid := c.Query("uid")

	principal, err := h.validator.VerifyToken(token, uid)
	if err != nil {
		logging.Warn(ctx, "WebSocket handshake rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	ip := c.ClientIP()
	if !h.acquireIP(ip) {
		logging.Warn(ctx, "Connection cap reached for IP", zap.String("ip", ip))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "Failed to upgrade connection", zap.Error(err))
		h.releaseIP(ip)
		return
	}

	h.HandleConnection(conn, principal, ip)
}

// HandleConnection registers an upgraded connection and starts its pumps.
// Split from ServeWs so tests can drive a fake wsConnection through it.
func (h *Hub) HandleConnection(conn wsConnection, principal *auth.Principal, ip string) *Client {
	client := &Client{
		conn:              conn,
		socketID:          types.SocketIDType(uuid.New().String()),
		userID:            types.UserIDType(principal.UserID),
		remoteIP:          ip,
		dispatcher:        h.dispatcher,
		hub:               h,
		inactivityTimeout: h.inactivityTimeout,
		send:              make(chan []byte, 256),
	}

	h.registry.Put(client.userID, session.UserInfo{Principal: *principal})
	metrics.IncConnection()

	logging.Info(context.Background(), "WebSocket connected",
		zap.String("user_id", principal.UserID),
		zap.String("socket_id", string(client.socketID)))

	go client.writePump()
	go client.readPump()
	return client
}

// Shutdown terminates every session with a restart notice so clients know to
// reconnect rather than treat the drop as an error.
func (h *Hub) Shutdown(ctx context.Context) {
	logging.Info(ctx, "Shutting down hub, evicting all sessions")
	h.manager.EvictAll(ctx, types.TerminationServerRestart, "Server is restarting.")
}

func (h *Hub) acquireIP(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ipConns[ip] >= h.maxConnsPerIP {
		return false
	}
	h.ipConns[ip]++
	return true
}

func (h *Hub) releaseIP(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ipConns[ip] <= 1 {
		delete(h.ipConns, ip)
		return
	}
	h.ipConns[ip]--
}
