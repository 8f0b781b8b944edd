// Package httpapi is the management surface: realm CRUD, profiles, and
// owner kicks. Realtime traffic never passes through here; mutations that
// affect live sessions evict them locally and notify other instances over
// the realm bus.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/marzo245/RoleDesk-B/internal/v1/auth"
	"github.com/marzo245/RoleDesk-B/internal/v1/logging"
	"github.com/marzo245/RoleDesk-B/internal/v1/protocol"
	"github.com/marzo245/RoleDesk-B/internal/v1/realmmap"
	"github.com/marzo245/RoleDesk-B/internal/v1/session"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClaimsValidator validates a bearer token into claims.
type ClaimsValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Handler serves the /api/v1 routes.
type Handler struct {
	store    types.RealmStore
	notifier types.RealmNotifier
	manager  *session.Manager
}

// NewHandler builds the management API. notifier may be nil in
// single-instance mode; local eviction still runs.
func NewHandler(store types.RealmStore, notifier types.RealmNotifier, manager *session.Manager) *Handler {
	return &Handler{store: store, notifier: notifier, manager: manager}
}

// Register mounts the routes on a router group that already carries the
// auth middleware.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/realms", h.createRealm)
	g.GET("/realms/:id", h.getRealm)
	g.PUT("/realms/:id", h.updateRealm)
	g.DELETE("/realms/:id", h.deleteRealm)
	g.POST("/realms/:id/share", h.rotateShareID)
	g.POST("/realms/:id/kick", h.kickPlayer)
	g.GET("/profile", h.getProfile)
	g.PUT("/profile", h.updateProfile)
}

// AuthMiddleware validates the Authorization bearer token and stores the
// claims for handlers and the user-scoped rate limiter.
func AuthMiddleware(v ClaimsValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := v.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

func callerID(c *gin.Context) types.UserIDType {
	claims := c.MustGet("claims").(*auth.CustomClaims)
	return types.UserIDType(claims.Subject)
}

type realmRequest struct {
	MapData json.RawMessage `json:"mapData" binding:"required"`
}

func (h *Handler) createRealm(c *gin.Context) {
	var req realmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mapData is required"})
		return
	}

	if _, err := realmmap.Parse(req.MapData); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	record := &types.RealmRecord{
		ID:      types.RealmIDType(uuid.New().String()),
		OwnerID: callerID(c),
		ShareID: uuid.New().String(),
		MapData: req.MapData,
	}
	if err := h.store.SaveRealm(c.Request.Context(), record); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	logging.Info(c.Request.Context(), "Realm created",
		zap.String("realm_id", string(record.ID)),
		zap.String("owner_id", string(record.OwnerID)))
	c.JSON(http.StatusCreated, record)
}

func (h *Handler) getRealm(c *gin.Context) {
	record, ok := h.ownedRealm(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, record)
}

// updateRealm replaces a realm's map. Every connected player is evicted with
// REALM_UPDATED so no session keeps serving a stale map.
func (h *Handler) updateRealm(c *gin.Context) {
	record, ok := h.ownedRealm(c)
	if !ok {
		return
	}

	var req realmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mapData is required"})
		return
	}
	if _, err := realmmap.Parse(req.MapData); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	record.MapData = req.MapData
	if err := h.store.SaveRealm(c.Request.Context(), record); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	ctx := c.Request.Context()
	h.manager.EvictRealm(ctx, record.ID, types.TerminationRealmUpdated, "This realm has been updated. Please rejoin.")
	if h.notifier != nil {
		if err := h.notifier.NotifyRealmUpdated(ctx, record.ID); err != nil {
			logging.Error(ctx, "Failed to notify realm update", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, record)
}

func (h *Handler) deleteRealm(c *gin.Context) {
	record, ok := h.ownedRealm(c)
	if !ok {
		return
	}

	if err := h.store.DeleteRealm(c.Request.Context(), record.ID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	ctx := c.Request.Context()
	h.manager.EvictRealm(ctx, record.ID, types.TerminationRealmDeleted, "This realm has been deleted.")
	if h.notifier != nil {
		if err := h.notifier.NotifyRealmDeleted(ctx, record.ID); err != nil {
			logging.Error(ctx, "Failed to notify realm deletion", zap.Error(err))
		}
	}

	c.Status(http.StatusNoContent)
}

// rotateShareID invalidates the old share link. Connected players stay;
// only future joins need the new id.
func (h *Handler) rotateShareID(c *gin.Context) {
	record, ok := h.ownedRealm(c)
	if !ok {
		return
	}

	record.ShareID = uuid.New().String()
	if err := h.store.SaveRealm(c.Request.Context(), record); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"shareId": record.ShareID})
}

type kickRequest struct {
	UID string `json:"uid" binding:"required"`
}

func (h *Handler) kickPlayer(c *gin.Context) {
	record, ok := h.ownedRealm(c)
	if !ok {
		return
	}

	var req kickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid is required"})
		return
	}

	target := types.UserIDType(req.UID)
	s, inRealm := h.manager.SessionOf(target)
	if !inRealm || s.RealmID() != record.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "player is not in this realm"})
		return
	}

	h.manager.Kick(c.Request.Context(), target, "You have been kicked by the realm owner.")
	c.Status(http.StatusNoContent)
}

func (h *Handler) getProfile(c *gin.Context) {
	userID := callerID(c)

	profile, err := h.store.LoadProfile(c.Request.Context(), userID)
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusOK, types.ProfileRecord{UserID: userID, Skin: "default"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

type profileRequest struct {
	Skin string `json:"skin" binding:"required"`
}

func (h *Handler) updateProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "skin is required"})
		return
	}

	raw, _ := json.Marshal(req.Skin)
	skin, err := protocol.ValidateSkin(raw)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	record := &types.ProfileRecord{UserID: callerID(c), Skin: skin}
	if err := h.store.SaveProfile(c.Request.Context(), record); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// ownedRealm loads the realm in the path and enforces that the caller owns
// it. 404 for both "missing" and "not yours" so ids are not probeable.
func (h *Handler) ownedRealm(c *gin.Context) (*types.RealmRecord, bool) {
	id := types.RealmIDType(c.Param("id"))

	record, err := h.store.LoadRealm(c.Request.Context(), id)
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "realm not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return nil, false
	}

	if record.OwnerID != callerID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "realm not found"})
		return nil, false
	}
	return record, true
}
