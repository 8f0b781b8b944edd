package session

import (
	"context"
	"testing"

	"github.com/marzo245/RoleDesk-B/internal/v1/auth"
	"github.com/marzo245/RoleDesk-B/internal/v1/protocol"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager { return NewManager() }

func createSession(m *Manager, realmID types.RealmIDType) *Session {
	return m.GetOrCreate(realmID, func() *Session {
		return New(realmID, "owner-1", twoRoomMap())
	})
}

func TestGetOrCreate_ReturnsSameSession(t *testing.T) {
	m := newTestManager()

	s1 := createSession(m, "realm-1")
	s2 := createSession(m, "realm-1")

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, m.SessionCount())
}

func TestJoinAndDisconnect_Lifecycle(t *testing.T) {
	m := newTestManager()
	s := createSession(m, "realm-1")
	conn := newMockConn("sock-1")

	m.Join(s, conn, "user-a", "Alice", "default")

	got, ok := m.SessionOf("user-a")
	require.True(t, ok)
	assert.Same(t, s, got)

	userID, removed := m.Disconnect(context.Background(), "sock-1")
	assert.True(t, removed)
	assert.Equal(t, types.UserIDType("user-a"), userID)

	// Last player out destroys the session.
	_, ok = m.Session("realm-1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.SessionCount())
}

func TestDisconnect_UnknownSocket(t *testing.T) {
	m := newTestManager()

	_, removed := m.Disconnect(context.Background(), "no-such-socket")
	assert.False(t, removed)
}

func TestDisconnect_BroadcastsDeparture(t *testing.T) {
	m := newTestManager()
	s := createSession(m, "realm-1")
	ca := newMockConn("sock-1")
	cb := newMockConn("sock-2")
	m.Join(s, ca, "user-a", "Alice", "default")
	m.Join(s, cb, "user-b", "Bob", "default")

	m.Disconnect(context.Background(), "sock-1")

	events := cb.sentEvents()
	assert.Contains(t, events, types.EventPlayerLeftRoom)

	// b went solo, so it also got a proximity reset.
	payload, ok := cb.lastPayload(types.EventProximityUpdate)
	require.True(t, ok)
	assert.Equal(t, protocol.ProximityPayload{ProximityID: types.ProximityNone}, payload)
}

func TestKick_TerminatesTargetAndTellsRoom(t *testing.T) {
	m := newTestManager()
	s := createSession(m, "realm-1")
	ca := newMockConn("sock-1")
	cb := newMockConn("sock-2")
	m.Join(s, ca, "user-a", "Alice", "default")
	m.Join(s, cb, "user-b", "Bob", "default")

	ok := m.Kick(context.Background(), "user-b", "You have logged in from another location.")
	require.True(t, ok)

	payload, got := cb.lastPayload(types.EventSessionTerminated)
	require.True(t, got)
	terminated := payload.(protocol.TerminatedPayload)
	assert.Equal(t, types.TerminationOwnerKicked, terminated.Code)
	assert.Equal(t, "You have logged in from another location.", terminated.Reason)
	assert.True(t, cb.isClosed())

	assert.Contains(t, ca.sentEvents(), types.EventPlayerLeftRoom)

	// The kicked user's old socket now maps to nothing.
	_, removed := m.Disconnect(context.Background(), "sock-2")
	assert.False(t, removed)

	_, ok = m.SessionOf("user-b")
	assert.False(t, ok)
}

func TestSwapConn_ReplacesSocketWithoutChurn(t *testing.T) {
	m := newTestManager()
	s := createSession(m, "realm-1")
	ca := newMockConn("sock-1")
	cb := newMockConn("sock-2")
	old := newMockConn("sock-old")
	m.Join(s, ca, "user-a", "Alice", "default")
	m.Join(s, old, "user-b", "Bob", "default")
	_, _, err := s.MovePlayer("user-b", 140, 100)
	require.NoError(t, err)

	player, ok := m.SwapConn(context.Background(), "user-b", cb, "You have logged in from another location.")
	require.True(t, ok)

	// State survives the swap: position, room, and group are intact.
	assert.Equal(t, 140.0, player.X)
	assert.Equal(t, "user-a", player.ProximityID)
	assert.Equal(t, types.SocketIDType("sock-2"), player.SocketID)

	// The displaced socket is terminated and unmapped; the room hears nothing.
	payload, got := old.lastPayload(types.EventSessionTerminated)
	require.True(t, got)
	assert.Equal(t, "You have logged in from another location.", payload.(protocol.TerminatedPayload).Reason)
	assert.True(t, old.isClosed())
	assert.NotContains(t, ca.sentEvents(), types.EventPlayerLeftRoom)
	assert.NotContains(t, ca.sentEvents(), types.EventPlayerJoinedRoom)

	_, removed := m.Disconnect(context.Background(), "sock-old")
	assert.False(t, removed, "the dead socket maps to nothing")
	_, ok = m.SessionOf("user-b")
	assert.True(t, ok)
}

func TestSwapConn_UnknownUser(t *testing.T) {
	m := newTestManager()
	_, ok := m.SwapConn(context.Background(), "ghost", newMockConn("sock-x"), "whatever")
	assert.False(t, ok)
}

func TestKick_UnknownUser(t *testing.T) {
	m := newTestManager()
	assert.False(t, m.Kick(context.Background(), "ghost", "whatever"))
}

func TestEvictRealm_TerminatesEveryone(t *testing.T) {
	m := newTestManager()
	s := createSession(m, "realm-1")
	ca := newMockConn("sock-1")
	cb := newMockConn("sock-2")
	m.Join(s, ca, "user-a", "Alice", "default")
	m.Join(s, cb, "user-b", "Bob", "default")

	m.EvictRealm(context.Background(), "realm-1", types.TerminationRealmDeleted, "This realm has been deleted.")

	for _, conn := range []*mockConn{ca, cb} {
		payload, ok := conn.lastPayload(types.EventSessionTerminated)
		require.True(t, ok)
		assert.Equal(t, types.TerminationRealmDeleted, payload.(protocol.TerminatedPayload).Code)
		assert.True(t, conn.isClosed())
	}

	_, ok := m.Session("realm-1")
	assert.False(t, ok)
	_, ok = m.SessionOf("user-a")
	assert.False(t, ok)
}

func TestEvictRealm_NoSessionIsNoop(t *testing.T) {
	m := newTestManager()
	m.EvictRealm(context.Background(), "realm-x", types.TerminationRealmUpdated, "")
}

func TestEvictAll(t *testing.T) {
	m := newTestManager()
	s1 := createSession(m, "realm-1")
	s2 := createSession(m, "realm-2")
	c1 := newMockConn("sock-1")
	c2 := newMockConn("sock-2")
	m.Join(s1, c1, "user-a", "Alice", "default")
	m.Join(s2, c2, "user-b", "Bob", "default")

	m.EvictAll(context.Background(), types.TerminationServerRestart, "Server restarting.")

	assert.Equal(t, 0, m.SessionCount())
	for _, conn := range []*mockConn{c1, c2} {
		payload, ok := conn.lastPayload(types.EventSessionTerminated)
		require.True(t, ok)
		assert.Equal(t, types.TerminationServerRestart, payload.(protocol.TerminatedPayload).Code)
	}
}

func TestUserRegistry(t *testing.T) {
	r := NewUserRegistry()

	r.Put("user-a", UserInfo{Principal: auth.Principal{UserID: "user-a", Username: "Alice"}, Skin: "default"})

	info, ok := r.Get("user-a")
	require.True(t, ok)
	assert.Equal(t, "Alice", info.Principal.Username)

	r.SetSkin("user-a", "pirate")
	info, _ = r.Get("user-a")
	assert.Equal(t, types.SkinType("pirate"), info.Skin)

	// SetSkin on an unknown user is a no-op.
	r.SetSkin("ghost", "pirate")
	assert.Equal(t, 1, r.Len())

	r.Delete("user-a")
	_, ok = r.Get("user-a")
	assert.False(t, ok)
}
