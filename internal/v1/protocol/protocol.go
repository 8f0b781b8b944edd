// Package protocol defines the wire contract of the realtime channel: a JSON
// envelope of (event, payload) plus a pure validator per inbound event.
// Validators never touch session state; they return a typed payload or a
// ValidationError naming the offending field.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/google/uuid"
)

// Envelope is the frame carried on the WebSocket in both directions.
type Envelope struct {
	Event   types.EventType `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw frame into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, &ValidationError{Path: "event", Reason: "missing event name"}
	}
	return &env, nil
}

// Encode serializes an outbound frame.
func Encode(event types.EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// ValidationError reports which part of a payload failed its schema.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload at %s: %s", e.Path, e.Reason)
}

// --- Inbound payloads ---

// JoinRealmPayload is the payload of joinRealm.
type JoinRealmPayload struct {
	RealmID string `json:"realmId"`
	ShareID string `json:"shareId,omitempty"`
}

// MovePayload is the payload of movePlayer.
type MovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TeleportPayload is the payload of teleport.
type TeleportPayload struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	RoomIndex int     `json:"roomIndex"`
}

// KickPayload is the payload of kickPlayer.
type KickPayload struct {
	UID string `json:"uid"`
}

// --- Outbound payloads ---

// RealmSummary is the slice of realm state a joining client needs.
type RealmSummary struct {
	ID        types.RealmIDType `json:"id"`
	OwnerID   types.UserIDType  `json:"ownerId"`
	RoomCount int               `json:"roomCount"`
}

// JoinedRoomPayload is sent to the originator after a successful join. The
// players already present arrive as individual playerJoinedRoom frames right
// after it, one per player.
type JoinedRoomPayload struct {
	Realm     RealmSummary  `json:"realm"`
	Player    *types.Player `json:"player"`
	RoomIndex int           `json:"roomIndex"`
}

// JoinFailedPayload tells the originator why their join was refused.
type JoinFailedPayload struct {
	Reason string `json:"reason"`
}

// LeftRoomPayload is broadcast as playerLeftRoom.
type LeftRoomPayload struct {
	UID types.UserIDType `json:"uid"`
}

// MovedPayload is broadcast as playerMoved.
type MovedPayload struct {
	UID types.UserIDType `json:"uid"`
	X   float64          `json:"x"`
	Y   float64          `json:"y"`
}

// TeleportedPayload is broadcast as playerTeleported.
type TeleportedPayload struct {
	UID       types.UserIDType `json:"uid"`
	X         float64          `json:"x"`
	Y         float64          `json:"y"`
	RoomIndex int              `json:"roomIndex"`
}

// SkinChangedPayload is broadcast as playerChangedSkin.
type SkinChangedPayload struct {
	UID  types.UserIDType `json:"uid"`
	Skin types.SkinType   `json:"skin"`
}

// ChatPayload is broadcast as receiveMessage.
type ChatPayload struct {
	UID     types.UserIDType `json:"uid"`
	Message string           `json:"message"`
}

// ProximityPayload is delivered to the single player whose group changed.
type ProximityPayload struct {
	ProximityID string `json:"proximityId"`
}

// TerminatedPayload is the terminal frame of sessionTerminated.
type TerminatedPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// ErrorPayload is sent back to the originator for error-class outcomes.
type ErrorPayload struct {
	Event   types.EventType `json:"event"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// --- Validators ---

var skinPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
var whitespaceRun = regexp.MustCompile(`\s+`)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidateJoinRealm checks realmId is a UUID and shareId, when supplied, is
// a UUID too. An empty shareId is allowed and means "none supplied".
func ValidateJoinRealm(raw json.RawMessage) (JoinRealmPayload, error) {
	var p JoinRealmPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ValidationError{Path: "payload", Reason: "not an object"}
	}
	if !validUUID(p.RealmID) {
		return p, &ValidationError{Path: "realmId", Reason: "must be a UUID"}
	}
	if p.ShareID != "" && !validUUID(p.ShareID) {
		return p, &ValidationError{Path: "shareId", Reason: "must be a UUID or empty"}
	}
	return p, nil
}

// ValidateMove bounds both coordinates to finite values in ±MaxCoordinate.
func ValidateMove(raw json.RawMessage) (MovePayload, error) {
	var p MovePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ValidationError{Path: "payload", Reason: "not an object"}
	}
	if err := checkCoordinate("x", p.X); err != nil {
		return p, err
	}
	if err := checkCoordinate("y", p.Y); err != nil {
		return p, err
	}
	return p, nil
}

// ValidateTeleport checks coordinates like ValidateMove plus a non-negative
// room index. Room existence is the session's call, not the schema's.
func ValidateTeleport(raw json.RawMessage) (TeleportPayload, error) {
	var p TeleportPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ValidationError{Path: "payload", Reason: "not an object"}
	}
	if err := checkCoordinate("x", p.X); err != nil {
		return p, err
	}
	if err := checkCoordinate("y", p.Y); err != nil {
		return p, err
	}
	if p.RoomIndex < 0 {
		return p, &ValidationError{Path: "roomIndex", Reason: "must be >= 0"}
	}
	return p, nil
}

// ValidateSkin accepts a bare JSON string of 1..50 word characters.
func ValidateSkin(raw json.RawMessage) (types.SkinType, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ValidationError{Path: "payload", Reason: "not a string"}
	}
	if !skinPattern.MatchString(s) {
		return "", &ValidationError{Path: "payload", Reason: "skin must be 1-50 chars of [A-Za-z0-9_-]"}
	}
	return types.SkinType(s), nil
}

// ValidateChat trims, collapses whitespace runs, and bounds the result to
// 1..500 characters.
func ValidateChat(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ValidationError{Path: "payload", Reason: "not a string"}
	}
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	if s == "" {
		return "", &ValidationError{Path: "payload", Reason: "message is empty after trimming"}
	}
	if utf8.RuneCountInString(s) > 500 {
		return "", &ValidationError{Path: "payload", Reason: "message exceeds 500 characters"}
	}
	return s, nil
}

// ValidateKick checks the target uid is a UUID.
func ValidateKick(raw json.RawMessage) (KickPayload, error) {
	var p KickPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ValidationError{Path: "payload", Reason: "not an object"}
	}
	if !validUUID(p.UID) {
		return p, &ValidationError{Path: "uid", Reason: "must be a UUID"}
	}
	return p, nil
}

func checkCoordinate(path string, v float64) error {
	if !finite(v) {
		return &ValidationError{Path: path, Reason: "must be finite"}
	}
	if v < -types.MaxCoordinate || v > types.MaxCoordinate {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("must be within ±%g", float64(types.MaxCoordinate))}
	}
	return nil
}
