package types

import (
	"context"
	"encoding/json"
	"errors"
)

// --- Core Domain Types ---

// UserIDType is the authenticated identity of a player (UUID from the token subject).
type UserIDType string

// RealmIDType identifies a persistent realm record and its live session.
type RealmIDType string

// SocketIDType identifies a single WebSocket connection.
type SocketIDType string

// SkinType is the avatar skin string chosen by a player.
type SkinType string

// EventType names a message on the wire, inbound or outbound.
type EventType string

const (
	// MaxCoordinate bounds player x/y on both axes.
	MaxCoordinate = 10000.0

	// ProximityRadius is the distance under which two players are directly "close".
	ProximityRadius = 150.0

	// ProximityNone is the group id of a player with no peers in range.
	ProximityNone = "none"
)

// Inbound events (client -> server).
const (
	EventJoinRealm   EventType = "joinRealm"
	EventMovePlayer  EventType = "movePlayer"
	EventTeleport    EventType = "teleport"
	EventChangedSkin EventType = "changedSkin"
	EventSendMessage EventType = "sendMessage"
	EventKickPlayer  EventType = "kickPlayer"
)

// Outbound events (server -> client).
const (
	EventJoinedRoom        EventType = "joinedRoom"
	EventJoinFailed        EventType = "joinFailed"
	EventPlayerJoinedRoom  EventType = "playerJoinedRoom"
	EventPlayerLeftRoom    EventType = "playerLeftRoom"
	EventPlayerMoved       EventType = "playerMoved"
	EventPlayerTeleported  EventType = "playerTeleported"
	EventPlayerChangedSkin EventType = "playerChangedSkin"
	EventReceiveMessage    EventType = "receiveMessage"
	EventProximityUpdate   EventType = "proximityUpdate"
	EventSessionTerminated EventType = "sessionTerminated"
	EventError             EventType = "error"
)

// Termination codes carried by sessionTerminated.
const (
	TerminationRealmUpdated  = "REALM_UPDATED"
	TerminationRealmDeleted  = "REALM_DELETED"
	TerminationOwnerKicked   = "OWNER_KICKED"
	TerminationServerRestart = "SERVER_RESTART"
)

// Error codes carried by the error event.
const (
	ErrorCodeAuth        = "AUTH_ERROR"
	ErrorCodeRateLimited = "RATE_LIMITED"
	ErrorCodeValidation  = "VALIDATION_ERROR"
)

// Player is the in-memory state of one connected user inside a session.
// SocketID is deliberately excluded from the wire representation.
type Player struct {
	UserID      UserIDType   `json:"uid"`
	Username    string       `json:"username"`
	Skin        SkinType     `json:"skin"`
	SocketID    SocketIDType `json:"-"`
	RoomIndex   int          `json:"roomIndex"`
	X           float64      `json:"x"`
	Y           float64      `json:"y"`
	ProximityID string       `json:"proximityId"`
}

// ProximityChange records a player whose group assignment changed.
type ProximityChange struct {
	UserID      UserIDType
	ProximityID string
}

// --- External Collaborator Records ---

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// RealmRecord is the persisted shape of a realm.
type RealmRecord struct {
	ID      RealmIDType     `json:"id"`
	OwnerID UserIDType      `json:"ownerId"`
	ShareID string          `json:"shareId,omitempty"`
	MapData json.RawMessage `json:"mapData"`
}

// ProfileRecord is the persisted per-user profile.
type ProfileRecord struct {
	UserID UserIDType `json:"userId"`
	Skin   SkinType   `json:"skin"`
}

// RealmStore abstracts the persistent realm/profile store.
type RealmStore interface {
	LoadRealm(ctx context.Context, id RealmIDType) (*RealmRecord, error)
	SaveRealm(ctx context.Context, record *RealmRecord) error
	DeleteRealm(ctx context.Context, id RealmIDType) error
	LoadProfile(ctx context.Context, id UserIDType) (*ProfileRecord, error)
	SaveProfile(ctx context.Context, record *ProfileRecord) error
}

// --- Shared Interfaces ---

// ClientConn is the behavior the session layer needs from a live connection.
// Send must never block; implementations queue and drop on overflow.
// Close drains queued frames, writes a close frame, and tears the socket down.
type ClientConn interface {
	SocketID() SocketIDType
	Send(event EventType, payload any)
	Close()
}

// RealmNotifier publishes realm lifecycle changes so that every server
// instance can evict affected sessions.
type RealmNotifier interface {
	NotifyRealmUpdated(ctx context.Context, id RealmIDType) error
	NotifyRealmDeleted(ctx context.Context, id RealmIDType) error
}
