package session

import (
	"context"
	"sync"

	"github.com/marzo245/RoleDesk-B/internal/v1/logging"
	"github.com/marzo245/RoleDesk-B/internal/v1/metrics"
	"github.com/marzo245/RoleDesk-B/internal/v1/protocol"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"go.uber.org/zap"
)

// Manager owns every live session on this instance plus the reverse indexes
// that answer "which realm is this user in" and "which user does this socket
// belong to". Lock order is always manager then session.
type Manager struct {
	mu       sync.Mutex
	sessions map[types.RealmIDType]*Session
	byUser   map[types.UserIDType]types.RealmIDType
	bySocket map[types.SocketIDType]types.UserIDType
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[types.RealmIDType]*Session),
		byUser:   make(map[types.UserIDType]types.RealmIDType),
		bySocket: make(map[types.SocketIDType]types.UserIDType),
	}
}

// GetOrCreate returns the live session for a realm, creating one from the
// factory on first join. The factory runs under the manager lock so two
// concurrent first joins build exactly one session.
func (m *Manager) GetOrCreate(realmID types.RealmIDType, create func() *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[realmID]; ok {
		return s
	}
	s := create()
	m.sessions[realmID] = s
	metrics.ActiveSessions.Inc()
	return s
}

// Session returns the live session for a realm, if any.
func (m *Manager) Session(realmID types.RealmIDType) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[realmID]
	return s, ok
}

// SessionOf returns the session a user is currently in, if any.
func (m *Manager) SessionOf(userID types.UserIDType) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionOfLocked(userID)
}

func (m *Manager) sessionOfLocked(userID types.UserIDType) (*Session, bool) {
	realmID, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[realmID]
	return s, ok
}

// Join adds a player to a session and registers the reverse indexes. The
// caller has already resolved duplicate logins; a user joins at most one
// session at a time.
func (m *Manager) Join(s *Session, conn types.ClientConn, userID types.UserIDType, username string, skin types.SkinType) (types.Player, []types.ProximityChange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	player, changes := s.AddPlayer(conn, userID, username, skin)
	m.byUser[userID] = s.RealmID()
	m.bySocket[conn.SocketID()] = userID
	metrics.SessionPlayers.WithLabelValues(string(s.RealmID())).Set(float64(s.Size()))
	return player, changes
}

// Disconnect removes whatever player the socket belongs to, announces the
// departure to the room, and destroys the session when it empties. A socket
// that was already displaced by a duplicate login maps to nothing and is a
// no-op.
func (m *Manager) Disconnect(ctx context.Context, socketID types.SocketIDType) (types.UserIDType, bool) {
	m.mu.Lock()

	userID, ok := m.bySocket[socketID]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	s, ok := m.sessionOfLocked(userID)
	if !ok {
		delete(m.bySocket, socketID)
		m.mu.Unlock()
		return userID, false
	}

	player, changes, removed := s.RemovePlayer(userID)
	delete(m.bySocket, socketID)
	delete(m.byUser, userID)
	m.dropIfEmptyLocked(s)
	m.mu.Unlock()

	if removed {
		m.announceLeft(s, player, changes)
		logging.Info(ctx, "Player disconnected",
			zap.String("user_id", string(userID)),
			zap.String("realm_id", string(s.RealmID())))
	}
	return userID, removed
}

// SwapConn replaces the connection of a user who is already in a session,
// terminating the old one. The player's position, room, and proximity group
// are untouched and the room sees no departure or arrival, so a reconnect
// into the same realm is seamless.
func (m *Manager) SwapConn(ctx context.Context, userID types.UserIDType, conn types.ClientConn, reason string) (types.Player, bool) {
	m.mu.Lock()

	s, ok := m.sessionOfLocked(userID)
	if !ok {
		m.mu.Unlock()
		return types.Player{}, false
	}
	player, old, ok := s.ReplaceConn(userID, conn)
	if !ok {
		m.mu.Unlock()
		return types.Player{}, false
	}
	if old != nil {
		delete(m.bySocket, old.SocketID())
	}
	m.bySocket[conn.SocketID()] = userID
	m.mu.Unlock()

	if old != nil {
		old.Send(types.EventSessionTerminated, protocol.TerminatedPayload{
			Code:   types.TerminationOwnerKicked,
			Reason: reason,
		})
		old.Close()
	}

	logging.Info(ctx, "Connection swapped for reconnect",
		zap.String("user_id", string(userID)),
		zap.String("realm_id", string(s.RealmID())))
	return player, true
}

// Kick removes a user from whatever session they are in, tells the room,
// and sends them a terminal frame before closing their socket. Used both for
// owner kicks and duplicate-login displacement.
func (m *Manager) Kick(ctx context.Context, userID types.UserIDType, reason string) bool {
	m.mu.Lock()

	s, ok := m.sessionOfLocked(userID)
	if !ok {
		m.mu.Unlock()
		return false
	}

	conn, _ := s.ConnOf(userID)
	player, changes, removed := s.RemovePlayer(userID)
	if !removed {
		m.mu.Unlock()
		return false
	}
	if conn != nil {
		delete(m.bySocket, conn.SocketID())
	}
	delete(m.byUser, userID)
	m.dropIfEmptyLocked(s)
	m.mu.Unlock()

	m.announceLeft(s, player, changes)
	if conn != nil {
		conn.Send(types.EventSessionTerminated, protocol.TerminatedPayload{
			Code:   types.TerminationOwnerKicked,
			Reason: reason,
		})
		conn.Close()
	}

	logging.Info(ctx, "Player kicked",
		zap.String("user_id", string(userID)),
		zap.String("realm_id", string(s.RealmID())),
		zap.String("reason", reason))
	return true
}

// EvictRealm terminates every player of a realm with the given code and
// destroys the session. No-op when the realm has no live session here.
func (m *Manager) EvictRealm(ctx context.Context, realmID types.RealmIDType, code, reason string) {
	m.mu.Lock()

	s, ok := m.sessions[realmID]
	if !ok {
		m.mu.Unlock()
		return
	}

	players := s.Players()
	conns := s.AllConns()
	for _, p := range players {
		delete(m.byUser, p.UserID)
		delete(m.bySocket, p.SocketID)
	}
	delete(m.sessions, realmID)
	metrics.ActiveSessions.Dec()
	metrics.SessionPlayers.DeleteLabelValues(string(realmID))
	m.mu.Unlock()

	payload := protocol.TerminatedPayload{Code: code, Reason: reason}
	for _, conn := range conns {
		conn.Send(types.EventSessionTerminated, payload)
		conn.Close()
	}

	logging.Info(ctx, "Realm session evicted",
		zap.String("realm_id", string(realmID)),
		zap.String("code", code),
		zap.Int("players", len(conns)))
}

// EvictAll terminates every session on this instance. Used during graceful
// shutdown.
func (m *Manager) EvictAll(ctx context.Context, code, reason string) {
	m.mu.Lock()
	realmIDs := make([]types.RealmIDType, 0, len(m.sessions))
	for id := range m.sessions {
		realmIDs = append(realmIDs, id)
	}
	m.mu.Unlock()

	for _, id := range realmIDs {
		m.EvictRealm(ctx, id, code, reason)
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// announceLeft broadcasts a departure to the player's room and delivers the
// resulting proximity reassignments.
func (m *Manager) announceLeft(s *Session, player types.Player, changes []types.ProximityChange) {
	for _, conn := range s.ConnsInRoom(player.RoomIndex) {
		conn.Send(types.EventPlayerLeftRoom, protocol.LeftRoomPayload{UID: player.UserID})
	}
	DeliverProximity(s, changes)
}

// DeliverProximity sends each changed player their new group id.
func DeliverProximity(s *Session, changes []types.ProximityChange) {
	for _, c := range changes {
		if conn, ok := s.ConnOf(c.UserID); ok {
			conn.Send(types.EventProximityUpdate, protocol.ProximityPayload{ProximityID: c.ProximityID})
		}
	}
	if len(changes) > 0 {
		metrics.ProximityGroupChanges.Add(float64(len(changes)))
	}
}

func (m *Manager) dropIfEmptyLocked(s *Session) {
	if n := s.Size(); n > 0 {
		metrics.SessionPlayers.WithLabelValues(string(s.RealmID())).Set(float64(n))
		return
	}
	if _, ok := m.sessions[s.RealmID()]; !ok {
		return
	}
	delete(m.sessions, s.RealmID())
	metrics.ActiveSessions.Dec()
	metrics.SessionPlayers.DeleteLabelValues(string(s.RealmID()))
}
