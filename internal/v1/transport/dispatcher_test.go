package transport

import (
	"encoding/json"
	"testing"

	"github.com/marzo245/RoleDesk-B/internal/v1/protocol"
	"github.com/marzo245/RoleDesk-B/internal/v1/session"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin_OwnerSucceeds(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	rig.registry.Put(owner.userID, testUserInfo(ownerUUID, "Owner"))

	rig.dispatcher.HandleFrame(t.Context(), owner, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID}))

	frames := drainFrames(t, owner)
	joined := framesByEvent(frames, types.EventJoinedRoom)
	require.Len(t, joined, 1)

	var payload protocol.JoinedRoomPayload
	require.NoError(t, json.Unmarshal(joined[0].Payload, &payload))
	assert.Equal(t, types.RealmIDType(realmUUID), payload.Realm.ID)
	assert.Equal(t, types.UserIDType(ownerUUID), payload.Realm.OwnerID)
	assert.Equal(t, 2, payload.Realm.RoomCount)
	assert.Equal(t, 0, payload.RoomIndex)
	require.NotNil(t, payload.Player)
	assert.Equal(t, "Owner", payload.Player.Username)
	assert.Equal(t, 100.0, payload.Player.X)

	// An empty room means no presence frames and no group assignment.
	assert.Empty(t, framesByEvent(frames, types.EventPlayerJoinedRoom))
	assert.Empty(t, framesByEvent(frames, types.EventProximityUpdate))

	_, ok := rig.manager.SessionOf(owner.userID)
	assert.True(t, ok)
}

func TestJoin_SecondJoinerSeesExistingPlayers(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	guest := rig.newTestClient(guestUUID, "sock-guest")
	rig.join(t, owner, "")

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID, ShareID: shareUUID}))

	frames := framesByEvent(drainFrames(t, guest), types.EventPlayerJoinedRoom)
	require.Len(t, frames, 1)
	var existing types.Player
	require.NoError(t, json.Unmarshal(frames[0].Payload, &existing))
	assert.Equal(t, types.UserIDType(ownerUUID), existing.UserID)

	// The room heard about the newcomer, not about itself.
	arrivals := framesByEvent(drainFrames(t, owner), types.EventPlayerJoinedRoom)
	require.Len(t, arrivals, 1)
	var newcomer types.Player
	require.NoError(t, json.Unmarshal(arrivals[0].Payload, &newcomer))
	assert.Equal(t, types.UserIDType(guestUUID), newcomer.UserID)
}

func TestJoin_PublicRealmNeedsNoShareID(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.store.SaveRealm(t.Context(), &types.RealmRecord{
		ID:      realmUUID,
		OwnerID: ownerUUID,
		MapData: json.RawMessage(`{"rooms":[{"spawn":{"x":100,"y":100}}]}`),
	}))
	require.NoError(t, rig.store.SaveProfile(t.Context(), &types.ProfileRecord{
		UserID: types.UserIDType(guestUUID), Skin: "default",
	}))
	guest := rig.newTestClient(guestUUID, "sock-guest")

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID}))

	frames := drainFrames(t, guest)
	require.Len(t, framesByEvent(frames, types.EventJoinedRoom), 1, "got %+v", frames)
	assert.Empty(t, framesByEvent(frames, types.EventJoinFailed))
}

func TestJoin_GuestNeedsMatchingShareID(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	guest := rig.newTestClient(guestUUID, "sock-guest")

	// Wrong share id reads as a link that was rotated.
	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID, ShareID: thirdUUID}))
	assert.Equal(t, "The share link has been changed.", joinFailedReason(t, guest))

	// No share id at all.
	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID}))
	assert.Equal(t, "This realm requires a share link.", joinFailedReason(t, guest))

	// Correct share id.
	rig.join(t, guest, shareUUID)
}

func joinFailedReason(t *testing.T, c *Client) string {
	t.Helper()
	frames := framesByEvent(drainFrames(t, c), types.EventJoinFailed)
	require.Len(t, frames, 1)
	var payload protocol.JoinFailedPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	return payload.Reason
}

func TestJoin_RealmNotFound(t *testing.T) {
	rig := newTestRig(t)
	guest := rig.newTestClient(guestUUID, "sock-guest")

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID}))

	assert.Equal(t, "Space not found", joinFailedReason(t, guest))
}

func TestJoin_MissingProfileFails(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	stranger := rig.newTestClient("1e6b79c5-8a0f-9bdc-eb3d-7c6fa0cde456", "sock-stranger")

	rig.dispatcher.HandleFrame(t.Context(), stranger, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID, ShareID: shareUUID}))

	assert.Equal(t, "Failed to get profile", joinFailedReason(t, stranger))
	_, ok := rig.manager.SessionOf(stranger.userID)
	assert.False(t, ok)
}

func TestJoin_ConcurrentJoinConflicts(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	guest := rig.newTestClient(guestUUID, "sock-guest")

	rig.dispatcher.mu.Lock()
	rig.dispatcher.joinsInFlight[guest.userID] = struct{}{}
	rig.dispatcher.mu.Unlock()

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID, ShareID: shareUUID}))

	assert.Equal(t, "Already joining a space.", joinFailedReason(t, guest))
}

func TestJoin_BadMapData(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.store.SaveRealm(t.Context(), &types.RealmRecord{
		ID:      realmUUID,
		OwnerID: ownerUUID,
		MapData: json.RawMessage(`{"rooms":[]}`),
	}))
	require.NoError(t, rig.store.SaveProfile(t.Context(), &types.ProfileRecord{
		UserID: types.UserIDType(ownerUUID), Skin: "default",
	}))
	owner := rig.newTestClient(ownerUUID, "sock-owner")

	rig.dispatcher.HandleFrame(t.Context(), owner, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID}))

	require.Len(t, framesByEvent(drainFrames(t, owner), types.EventJoinFailed), 1)
}

func TestJoin_InvalidPayload(t *testing.T) {
	rig := newTestRig(t)
	guest := rig.newTestClient(guestUUID, "sock-guest")

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: "not-a-uuid"}))

	// Join is the one event whose validation failures get a reply.
	frames := drainFrames(t, guest)
	assert.Empty(t, framesByEvent(frames, types.EventError))
	require.Len(t, framesByEvent(frames, types.EventJoinFailed), 1)
}

func TestJoin_DuplicateLoginSwapsConnectionInPlace(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	rig.join(t, owner, "")

	first := rig.newTestClient(guestUUID, "sock-1")
	rig.join(t, first, shareUUID)
	// Walk away from spawn so the rejoin position is distinguishable.
	rig.dispatcher.HandleFrame(t.Context(), first, encodeFrame(t, types.EventMovePlayer,
		protocol.MovePayload{X: 777, Y: 888}))
	drainFrames(t, owner)

	second := rig.newTestClient(guestUUID, "sock-2")
	rig.join(t, second, shareUUID)

	frames := framesByEvent(drainFrames(t, first), types.EventSessionTerminated)
	require.Len(t, frames, 1)
	var payload protocol.TerminatedPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	assert.Equal(t, "You have logged in from another location.", payload.Reason)

	// The room saw no churn: the player never left or re-entered.
	roomFrames := drainFrames(t, owner)
	assert.Empty(t, framesByEvent(roomFrames, types.EventPlayerLeftRoom))
	assert.Empty(t, framesByEvent(roomFrames, types.EventPlayerJoinedRoom))

	// The rejoined player kept its position instead of respawning.
	player, ok := mustSession(t, rig).Player(types.UserIDType(guestUUID))
	require.True(t, ok)
	assert.Equal(t, 777.0, player.X)
	assert.Equal(t, 888.0, player.Y)
	assert.Equal(t, types.SocketIDType("sock-2"), player.SocketID)

	// The old socket's disconnect must not remove the new login.
	rig.dispatcher.HandleDisconnect(t.Context(), first)
	_, ok = rig.manager.SessionOf(second.userID)
	assert.True(t, ok)
}

func TestJoin_DuplicateLoginOtherRealmDisplaces(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	otherRealm := thirdUUID
	require.NoError(t, rig.store.SaveRealm(t.Context(), &types.RealmRecord{
		ID:      types.RealmIDType(otherRealm),
		OwnerID: ownerUUID,
		MapData: json.RawMessage(`{"rooms":[{"spawn":{"x":0,"y":0}}]}`),
	}))

	first := rig.newTestClient(guestUUID, "sock-1")
	rig.join(t, first, shareUUID)

	second := rig.newTestClient(guestUUID, "sock-2")
	rig.dispatcher.HandleFrame(t.Context(), second, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: otherRealm}))
	require.NotEmpty(t, framesByEvent(drainFrames(t, second), types.EventJoinedRoom))

	require.Len(t, framesByEvent(drainFrames(t, first), types.EventSessionTerminated), 1)
	s, ok := rig.manager.SessionOf(second.userID)
	require.True(t, ok)
	assert.Equal(t, types.RealmIDType(otherRealm), s.RealmID())
}

func TestMove_BroadcastsToRoomExcludingOriginator(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	guest := rig.newTestClient(guestUUID, "sock-guest")
	rig.join(t, owner, "")
	rig.join(t, guest, shareUUID)
	drainFrames(t, owner)

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventMovePlayer,
		protocol.MovePayload{X: 120, Y: 130}))

	// The originator gets no playerMoved echo.
	assert.Empty(t, framesByEvent(drainFrames(t, guest), types.EventPlayerMoved))

	frames := framesByEvent(drainFrames(t, owner), types.EventPlayerMoved)
	require.Len(t, frames, 1)
	var payload protocol.MovedPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	assert.Equal(t, types.UserIDType(guestUUID), payload.UID)
	assert.Equal(t, 120.0, payload.X)
}

func TestMove_OutOfRangeSendsProximityUpdates(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	guest := rig.newTestClient(guestUUID, "sock-guest")
	rig.join(t, owner, "")
	rig.join(t, guest, shareUUID)
	drainFrames(t, owner)
	drainFrames(t, guest)

	// Both spawned together, so they are grouped. Walking away dissolves it.
	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventMovePlayer,
		protocol.MovePayload{X: 2000, Y: 2000}))

	for _, c := range []*Client{owner, guest} {
		frames := framesByEvent(drainFrames(t, c), types.EventProximityUpdate)
		require.Len(t, frames, 1)
		var payload protocol.ProximityPayload
		require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
		assert.Equal(t, types.ProximityNone, payload.ProximityID)
	}
}

func TestMove_WithoutJoinIsDropped(t *testing.T) {
	rig := newTestRig(t)
	guest := rig.newTestClient(guestUUID, "sock-guest")

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventMovePlayer,
		protocol.MovePayload{X: 1, Y: 1}))

	assert.Empty(t, drainFrames(t, guest))
}

func TestTeleport_CrossRoom(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	guest := rig.newTestClient(guestUUID, "sock-guest")
	rig.join(t, owner, "")
	rig.join(t, guest, shareUUID)
	drainFrames(t, owner)
	drainFrames(t, guest)

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventTeleport,
		protocol.TeleportPayload{RoomIndex: 1, X: 5000, Y: 5000}))

	// The room left hears about it.
	frames := framesByEvent(drainFrames(t, owner), types.EventPlayerTeleported)
	require.Len(t, frames, 1)
	var payload protocol.TeleportedPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	assert.Equal(t, 1, payload.RoomIndex)
}

func TestTeleport_BadRoomIndex(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	guest := rig.newTestClient(guestUUID, "sock-guest")
	rig.join(t, guest, shareUUID)

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventTeleport,
		protocol.TeleportPayload{RoomIndex: 5, X: 0, Y: 0}))

	// The frame is dropped and the player stays where it was.
	assert.Empty(t, drainFrames(t, guest))
	player, ok := mustSession(t, rig).Player(types.UserIDType(guestUUID))
	require.True(t, ok)
	assert.Equal(t, 0, player.RoomIndex)
}

func TestChangedSkin_PersistsAndBroadcasts(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	guest := rig.newTestClient(guestUUID, "sock-guest")
	rig.join(t, owner, "")
	rig.join(t, guest, shareUUID)
	drainFrames(t, owner)

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventChangedSkin, "pirate"))

	frames := framesByEvent(drainFrames(t, owner), types.EventPlayerChangedSkin)
	require.Len(t, frames, 1)
	var payload protocol.SkinChangedPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	assert.Equal(t, types.SkinType("pirate"), payload.Skin)

	profile, err := rig.store.LoadProfile(t.Context(), types.UserIDType(guestUUID))
	require.NoError(t, err)
	assert.Equal(t, types.SkinType("pirate"), profile.Skin)

	// The next join uses the persisted skin.
	rejoin := rig.newTestClient(guestUUID, "sock-guest-2")
	rig.join(t, rejoin, shareUUID)
	player, ok := mustSession(t, rig).Player(types.UserIDType(guestUUID))
	require.True(t, ok)
	assert.Equal(t, types.SkinType("pirate"), player.Skin)
}

func TestSendMessage_RoomScoped(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	guest := rig.newTestClient(guestUUID, "sock-guest")
	third := rig.newTestClient(thirdUUID, "sock-third")
	rig.join(t, owner, "")
	rig.join(t, guest, shareUUID)
	rig.join(t, third, shareUUID)
	// Move third to the other room; chat must not reach it.
	rig.dispatcher.HandleFrame(t.Context(), third, encodeFrame(t, types.EventTeleport,
		protocol.TeleportPayload{RoomIndex: 1, X: 5000, Y: 5000}))
	drainFrames(t, owner)
	drainFrames(t, third)

	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventSendMessage, "  hello   world  "))

	frames := framesByEvent(drainFrames(t, owner), types.EventReceiveMessage)
	require.Len(t, frames, 1)
	var payload protocol.ChatPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	assert.Equal(t, "hello world", payload.Message)

	assert.Empty(t, framesByEvent(drainFrames(t, third), types.EventReceiveMessage))
}

func TestKick_OwnerOnly(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	guest := rig.newTestClient(guestUUID, "sock-guest")
	rig.join(t, owner, "")
	rig.join(t, guest, shareUUID)
	drainFrames(t, owner)
	drainFrames(t, guest)

	// Guest cannot kick.
	rig.dispatcher.HandleFrame(t.Context(), guest, encodeFrame(t, types.EventKickPlayer,
		protocol.KickPayload{UID: ownerUUID}))
	frames := framesByEvent(drainFrames(t, guest), types.EventError)
	require.Len(t, frames, 1)
	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &errPayload))
	assert.Equal(t, types.ErrorCodeAuth, errPayload.Code)

	// Owner kicks guest.
	rig.dispatcher.HandleFrame(t.Context(), owner, encodeFrame(t, types.EventKickPlayer,
		protocol.KickPayload{UID: guestUUID}))

	terminated := framesByEvent(drainFrames(t, guest), types.EventSessionTerminated)
	require.Len(t, terminated, 1)
	var payload protocol.TerminatedPayload
	require.NoError(t, json.Unmarshal(terminated[0].Payload, &payload))
	assert.Equal(t, types.TerminationOwnerKicked, payload.Code)

	_, ok := rig.manager.SessionOf(types.UserIDType(guestUUID))
	assert.False(t, ok)
}

func TestKick_SelfAndAbsentTargets(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	rig.join(t, owner, "")

	rig.dispatcher.HandleFrame(t.Context(), owner, encodeFrame(t, types.EventKickPlayer,
		protocol.KickPayload{UID: ownerUUID}))
	require.Len(t, framesByEvent(drainFrames(t, owner), types.EventError), 1)

	rig.dispatcher.HandleFrame(t.Context(), owner, encodeFrame(t, types.EventKickPlayer,
		protocol.KickPayload{UID: guestUUID}))
	require.Len(t, framesByEvent(drainFrames(t, owner), types.EventError), 1)
}

func TestUnknownEventAndMalformedFrame(t *testing.T) {
	rig := newTestRig(t)
	guest := rig.newTestClient(guestUUID, "sock-guest")

	rig.dispatcher.HandleFrame(t.Context(), guest, []byte(`{"event":"doesNotExist"}`))
	assert.Empty(t, drainFrames(t, guest))

	rig.dispatcher.HandleFrame(t.Context(), guest, []byte(`{not json`))
	assert.Empty(t, drainFrames(t, guest))
}

func TestDisconnect_RemovesPlayerAndRegistryEntry(t *testing.T) {
	rig := newTestRig(t)
	rig.seedRealm(t)
	owner := rig.newTestClient(ownerUUID, "sock-owner")
	guest := rig.newTestClient(guestUUID, "sock-guest")
	rig.join(t, owner, "")
	rig.join(t, guest, shareUUID)
	drainFrames(t, owner)

	rig.dispatcher.HandleDisconnect(t.Context(), guest)

	frames := drainFrames(t, owner)
	assert.Len(t, framesByEvent(frames, types.EventPlayerLeftRoom), 1)
	assert.Len(t, framesByEvent(frames, types.EventProximityUpdate), 1)

	_, ok := rig.registry.Get(types.UserIDType(guestUUID))
	assert.False(t, ok)
	_, ok = rig.manager.SessionOf(types.UserIDType(guestUUID))
	assert.False(t, ok)
}

func mustSession(t *testing.T, rig *testRig) *session.Session {
	t.Helper()
	s, ok := rig.manager.Session(types.RealmIDType(realmUUID))
	require.True(t, ok)
	return s
}
