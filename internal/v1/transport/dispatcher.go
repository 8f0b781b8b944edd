package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marzo245/RoleDesk-B/internal/v1/logging"
	"github.com/marzo245/RoleDesk-B/internal/v1/metrics"
	"github.com/marzo245/RoleDesk-B/internal/v1/protocol"
	"github.com/marzo245/RoleDesk-B/internal/v1/ratelimit"
	"github.com/marzo245/RoleDesk-B/internal/v1/realmmap"
	"github.com/marzo245/RoleDesk-B/internal/v1/session"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"go.uber.org/zap"
)

const defaultSkin = "default"

// duplicateLoginReason is sent to the displaced connection when the same
// user joins again from elsewhere.
const duplicateLoginReason = "You have logged in from another location."

// Dispatcher routes validated inbound events into the session layer and
// fans results back out to the affected connections.
type Dispatcher struct {
	manager  *session.Manager
	registry *session.UserRegistry
	store    types.RealmStore
	limiter  *ratelimit.Limiter

	mu            sync.Mutex
	joinsInFlight map[types.UserIDType]struct{}
}

// NewDispatcher builds a Dispatcher. A nil limiter disables event rate
// limiting (tests).
func NewDispatcher(manager *session.Manager, registry *session.UserRegistry, store types.RealmStore, limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{
		manager:       manager,
		registry:      registry,
		store:         store,
		limiter:       limiter,
		joinsInFlight: make(map[types.UserIDType]struct{}),
	}
}

// HandleFrame decodes one inbound frame and routes it. Malformed and
// unknown frames are dropped; joinRealm is the only event that reports its
// failures, so a broken client cannot farm error traffic out of the server.
func (d *Dispatcher) HandleFrame(ctx context.Context, c *Client, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues("malformed", "dropped").Inc()
		return
	}

	if d.limiter != nil && !d.limiter.AllowEvent(ctx, c.userID, env.Event) {
		metrics.WebsocketEvents.WithLabelValues(string(env.Event), "rate_limited").Inc()
		c.Send(types.EventError, protocol.ErrorPayload{
			Event:   env.Event,
			Code:    types.ErrorCodeRateLimited,
			Message: "Too many " + string(env.Event) + " events, slow down.",
		})
		return
	}

	start := time.Now()
	status := "ok"

	switch env.Event {
	case types.EventJoinRealm:
		status = d.handleJoin(ctx, c, env.Payload)
	case types.EventMovePlayer:
		status = d.handleMove(ctx, c, env.Payload)
	case types.EventTeleport:
		status = d.handleTeleport(ctx, c, env.Payload)
	case types.EventChangedSkin:
		status = d.handleSkin(ctx, c, env.Payload)
	case types.EventSendMessage:
		status = d.handleChat(ctx, c, env.Payload)
	case types.EventKickPlayer:
		status = d.handleKick(ctx, c, env.Payload)
	default:
		status = "unknown_event"
	}

	metrics.WebsocketEvents.WithLabelValues(string(env.Event), status).Inc()
	metrics.EventHandlingDuration.WithLabelValues(string(env.Event)).Observe(time.Since(start).Seconds())
}

// HandleDisconnect removes the player behind a dead socket and cleans up the
// registry entry when this socket was the user's current one. The
// single-flight marker is not touched here: handleJoin clears its own entry,
// and a displaced socket's disconnect must not clear the marker of the same
// user's join running on the replacement socket.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, c *Client) {
	if userID, removed := d.manager.Disconnect(ctx, c.socketID); removed {
		d.registry.Delete(userID)
	}
	c.Close()
}

// handleJoin runs the join protocol: resolve the realm and profile, check
// access, parse the map, resolve any previous login, place the player, and
// sync state to everyone affected. Concurrent joins from the same user
// collapse to one.
func (d *Dispatcher) handleJoin(ctx context.Context, c *Client, raw []byte) string {
	payload, err := protocol.ValidateJoinRealm(raw)
	if err != nil {
		c.Send(types.EventJoinFailed, protocol.JoinFailedPayload{Reason: err.Error()})
		return "invalid"
	}

	d.mu.Lock()
	if _, inFlight := d.joinsInFlight[c.userID]; inFlight {
		d.mu.Unlock()
		c.Send(types.EventJoinFailed, protocol.JoinFailedPayload{Reason: "Already joining a space."})
		return "conflict"
	}
	d.joinsInFlight[c.userID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.joinsInFlight, c.userID)
		d.mu.Unlock()
	}()

	realmID := types.RealmIDType(payload.RealmID)

	record, err := d.store.LoadRealm(ctx, realmID)
	if errors.Is(err, types.ErrNotFound) {
		c.Send(types.EventJoinFailed, protocol.JoinFailedPayload{Reason: "Space not found"})
		return "not_found"
	}
	if err != nil {
		logging.Error(ctx, "Failed to load realm for join",
			zap.String("realm_id", payload.RealmID), zap.Error(err))
		c.Send(types.EventJoinFailed, protocol.JoinFailedPayload{Reason: "This realm is temporarily unavailable."})
		return "store_error"
	}

	profile, err := d.store.LoadProfile(ctx, c.userID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			logging.Error(ctx, "Failed to load profile for join",
				zap.String("user_id", string(c.userID)), zap.Error(err))
		}
		c.Send(types.EventJoinFailed, protocol.JoinFailedPayload{Reason: "Failed to get profile"})
		return "no_profile"
	}
	skin := profile.Skin
	if skin == "" {
		skin = defaultSkin
	}

	switch {
	case record.OwnerID == c.userID:
		// Owner always enters.
	case record.ShareID == "":
		// No share id on the record means the realm is public.
	case payload.ShareID == "":
		c.Send(types.EventJoinFailed, protocol.JoinFailedPayload{Reason: "This realm requires a share link."})
		return "denied"
	case payload.ShareID != record.ShareID:
		c.Send(types.EventJoinFailed, protocol.JoinFailedPayload{Reason: "The share link has been changed."})
		return "denied"
	}

	realm, err := realmmap.Parse(record.MapData)
	if err != nil {
		logging.Error(ctx, "Realm has unparseable map data",
			zap.String("realm_id", payload.RealmID), zap.Error(err))
		c.Send(types.EventJoinFailed, protocol.JoinFailedPayload{Reason: "This realm's map is invalid."})
		return "bad_map"
	}

	info, _ := d.registry.Get(c.userID)
	username := info.Principal.Username
	if username == "" {
		username = string(c.userID)
	}
	info.Skin = skin
	d.registry.Put(c.userID, info)

	// A user lives in at most one session. Rejoining the same realm swaps
	// the socket in place so the room sees no churn; a join into a
	// different realm displaces the old login entirely.
	if existing, already := d.manager.SessionOf(c.userID); already {
		if existing.RealmID() == realmID {
			if player, swapped := d.manager.SwapConn(ctx, c.userID, c, duplicateLoginReason); swapped {
				d.sendJoinState(c, record, existing, player)
				return "ok"
			}
		} else {
			d.manager.Kick(ctx, c.userID, duplicateLoginReason)
		}
	}

	s := d.manager.GetOrCreate(realmID, func() *session.Session {
		return session.New(realmID, record.OwnerID, realm)
	})

	player, changes := d.manager.Join(s, c, c.userID, username, skin)

	d.sendJoinState(c, record, s, player)
	for _, conn := range s.ConnsInRoom(player.RoomIndex, c.userID) {
		conn.Send(types.EventPlayerJoinedRoom, player)
	}
	session.DeliverProximity(s, changes)

	logging.Info(ctx, "Player joined realm",
		zap.String("user_id", string(c.userID)),
		zap.String("realm_id", payload.RealmID))
	return "ok"
}

// sendJoinState gives the joining client its initial view: joinedRoom for
// its own placement, then one playerJoinedRoom per player already in the
// room. The same event type carries presence in both directions.
func (d *Dispatcher) sendJoinState(c *Client, record *types.RealmRecord, s *session.Session, player types.Player) {
	c.Send(types.EventJoinedRoom, protocol.JoinedRoomPayload{
		Realm: protocol.RealmSummary{
			ID:        record.ID,
			OwnerID:   record.OwnerID,
			RoomCount: s.RoomCount(),
		},
		Player:    &player,
		RoomIndex: player.RoomIndex,
	})
	for _, p := range s.PlayersInRoom(player.RoomIndex, c.userID) {
		c.Send(types.EventPlayerJoinedRoom, p)
	}
}

func (d *Dispatcher) handleMove(ctx context.Context, c *Client, raw []byte) string {
	payload, err := protocol.ValidateMove(raw)
	if err != nil {
		return "invalid"
	}

	s, ok := d.sessionFor(c)
	if !ok {
		return "not_in_realm"
	}

	player, changes, err := s.MovePlayer(c.userID, payload.X, payload.Y)
	if err != nil {
		return "not_in_realm"
	}

	for _, conn := range s.ConnsInRoom(player.RoomIndex, c.userID) {
		conn.Send(types.EventPlayerMoved, protocol.MovedPayload{UID: player.UserID, X: player.X, Y: player.Y})
	}
	session.DeliverProximity(s, changes)
	return "ok"
}

func (d *Dispatcher) handleTeleport(ctx context.Context, c *Client, raw []byte) string {
	payload, err := protocol.ValidateTeleport(raw)
	if err != nil {
		return "invalid"
	}

	s, ok := d.sessionFor(c)
	if !ok {
		return "not_in_realm"
	}

	before, _ := s.Player(c.userID)
	player, changes, err := s.ChangeRoom(c.userID, payload.RoomIndex, payload.X, payload.Y)
	if errors.Is(err, session.ErrBadRoom) {
		return "bad_room"
	}
	if err != nil {
		return "not_in_realm"
	}

	announcement := protocol.TeleportedPayload{
		UID: player.UserID, X: player.X, Y: player.Y, RoomIndex: player.RoomIndex,
	}
	// Both the room left and the room entered see the teleport.
	seen := map[types.SocketIDType]struct{}{}
	recipients := s.ConnsInRoom(before.RoomIndex, c.userID)
	if player.RoomIndex != before.RoomIndex {
		recipients = append(recipients, s.ConnsInRoom(player.RoomIndex, c.userID)...)
	}
	for _, conn := range recipients {
		if _, dup := seen[conn.SocketID()]; dup {
			continue
		}
		seen[conn.SocketID()] = struct{}{}
		conn.Send(types.EventPlayerTeleported, announcement)
	}
	session.DeliverProximity(s, changes)
	return "ok"
}

func (d *Dispatcher) handleSkin(ctx context.Context, c *Client, raw []byte) string {
	skin, err := protocol.ValidateSkin(raw)
	if err != nil {
		return "invalid"
	}

	s, ok := d.sessionFor(c)
	if !ok {
		return "not_in_realm"
	}

	player, err := s.SetSkin(c.userID, skin)
	if err != nil {
		return "not_in_realm"
	}

	d.registry.SetSkin(c.userID, skin)
	if err := d.store.SaveProfile(ctx, &types.ProfileRecord{UserID: c.userID, Skin: skin}); err != nil {
		// The live session already has the new skin; persistence catches up
		// on the next change.
		logging.Warn(ctx, "Failed to persist skin",
			zap.String("user_id", string(c.userID)), zap.Error(err))
	}

	for _, conn := range s.ConnsInRoom(player.RoomIndex, c.userID) {
		conn.Send(types.EventPlayerChangedSkin, protocol.SkinChangedPayload{UID: player.UserID, Skin: player.Skin})
	}
	return "ok"
}

func (d *Dispatcher) handleChat(ctx context.Context, c *Client, raw []byte) string {
	message, err := protocol.ValidateChat(raw)
	if err != nil {
		return "invalid"
	}

	s, ok := d.sessionFor(c)
	if !ok {
		return "not_in_realm"
	}
	player, ok := s.Player(c.userID)
	if !ok {
		return "not_in_realm"
	}

	for _, conn := range s.ConnsInRoom(player.RoomIndex, c.userID) {
		conn.Send(types.EventReceiveMessage, protocol.ChatPayload{UID: player.UserID, Message: message})
	}
	return "ok"
}

func (d *Dispatcher) handleKick(ctx context.Context, c *Client, raw []byte) string {
	payload, err := protocol.ValidateKick(raw)
	if err != nil {
		return "invalid"
	}

	s, ok := d.sessionFor(c)
	if !ok {
		return "not_in_realm"
	}

	if s.OwnerID() != c.userID {
		c.Send(types.EventError, protocol.ErrorPayload{
			Event: types.EventKickPlayer, Code: types.ErrorCodeAuth, Message: "only the realm owner can kick",
		})
		return "forbidden"
	}

	target := types.UserIDType(payload.UID)
	if target == c.userID {
		c.Send(types.EventError, protocol.ErrorPayload{
			Event: types.EventKickPlayer, Code: types.ErrorCodeValidation, Message: "cannot kick yourself",
		})
		return "invalid"
	}

	// The target must be in this realm, not just somewhere on the server.
	if targetSession, inRealm := d.manager.SessionOf(target); !inRealm || targetSession != s {
		c.Send(types.EventError, protocol.ErrorPayload{
			Event: types.EventKickPlayer, Code: types.ErrorCodeValidation, Message: "player is not in this realm",
		})
		return "invalid"
	}

	d.manager.Kick(ctx, target, "You have been kicked by the realm owner.")
	d.registry.Delete(target)
	return "ok"
}

// sessionFor resolves the session the client's user is in. Events from a
// socket that never joined are dropped without a reply.
func (d *Dispatcher) sessionFor(c *Client) (*session.Session, bool) {
	s, ok := d.manager.SessionOf(c.userID)
	return s, ok
}
