// Package session holds the live state of every realm on this instance: the
// players inside each realm, their positions, and the proximity groups that
// drive peer audio pairing. All state is in-memory and rebuilt from joins;
// the persistent store only ever contributes the realm record at session
// creation.
package session

import (
	"errors"
	"sync"

	"github.com/marzo245/RoleDesk-B/internal/v1/proximity"
	"github.com/marzo245/RoleDesk-B/internal/v1/realmmap"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"
)

var (
	// ErrBadRoom is returned when an operation targets a room index the
	// realm's map does not define.
	ErrBadRoom = errors.New("room index out of range")

	// ErrUnknownPlayer is returned when an operation targets a user who is
	// not in the session.
	ErrUnknownPlayer = errors.New("player not in session")
)

type entry struct {
	player types.Player
	conn   types.ClientConn
}

// Session is the live state of one realm. All mutations go through the
// session mutex; proximity indexes are only touched while it is held.
type Session struct {
	realmID types.RealmIDType
	ownerID types.UserIDType
	realm   *realmmap.RealmMap

	mu      sync.Mutex
	players map[types.UserIDType]*entry
	rooms   map[int]*proximity.Index
}

// New creates an empty session for a parsed realm.
func New(realmID types.RealmIDType, ownerID types.UserIDType, realm *realmmap.RealmMap) *Session {
	return &Session{
		realmID: realmID,
		ownerID: ownerID,
		realm:   realm,
		players: make(map[types.UserIDType]*entry),
		rooms:   make(map[int]*proximity.Index),
	}
}

// RealmID returns the realm this session hosts.
func (s *Session) RealmID() types.RealmIDType { return s.realmID }

// OwnerID returns the realm owner's user id.
func (s *Session) OwnerID() types.UserIDType { return s.ownerID }

// RoomCount returns the number of rooms in the realm's map.
func (s *Session) RoomCount() int { return len(s.realm.Rooms) }

// roomIndex returns the proximity index for a room, creating it on first use.
func (s *Session) roomIndex(i int) *proximity.Index {
	ix, ok := s.rooms[i]
	if !ok {
		ix = proximity.NewIndex()
		s.rooms[i] = ix
	}
	return ix
}

// applyGroups copies a proximity change set into the player entries so that
// later snapshots carry current group ids.
func (s *Session) applyGroups(changes []types.ProximityChange) {
	for _, c := range changes {
		if e, ok := s.players[c.UserID]; ok {
			e.player.ProximityID = c.ProximityID
		}
	}
}

// AddPlayer places a new player at room 0's spawn point and recomputes
// proximity there. The returned player is the newcomer's state after group
// assignment; changes covers every player whose group moved, newcomer
// included.
func (s *Session) AddPlayer(conn types.ClientConn, userID types.UserIDType, username string, skin types.SkinType) (types.Player, []types.ProximityChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, y := s.realm.Spawn(0)
	e := &entry{
		player: types.Player{
			UserID:      userID,
			Username:    username,
			Skin:        skin,
			SocketID:    conn.SocketID(),
			RoomIndex:   0,
			X:           x,
			Y:           y,
			ProximityID: types.ProximityNone,
		},
		conn: conn,
	}
	s.players[userID] = e

	changes := s.roomIndex(0).Insert(userID, x, y)
	s.applyGroups(changes)

	return e.player, changes
}

// RemovePlayer drops a player and recomputes proximity for the room they
// left. The second return is the change set for the remaining players.
func (s *Session) RemovePlayer(userID types.UserIDType) (types.Player, []types.ProximityChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[userID]
	if !ok {
		return types.Player{}, nil, false
	}
	delete(s.players, userID)

	changes := s.roomIndex(e.player.RoomIndex).Remove(userID)
	s.applyGroups(changes)

	return e.player, changes, true
}

// MovePlayer updates a player's position within their current room.
func (s *Session) MovePlayer(userID types.UserIDType, x, y float64) (types.Player, []types.ProximityChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[userID]
	if !ok {
		return types.Player{}, nil, ErrUnknownPlayer
	}
	e.player.X = x
	e.player.Y = y

	changes := s.roomIndex(e.player.RoomIndex).Move(userID, x, y)
	s.applyGroups(changes)

	return e.player, changes, nil
}

// ChangeRoom moves a player to a position in another (or the same) room,
// recomputing proximity in both the room left and the room entered. The
// change set spans both rooms.
func (s *Session) ChangeRoom(userID types.UserIDType, roomIndex int, x, y float64) (types.Player, []types.ProximityChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[userID]
	if !ok {
		return types.Player{}, nil, ErrUnknownPlayer
	}
	if !s.realm.ValidRoom(roomIndex) {
		return types.Player{}, nil, ErrBadRoom
	}

	from := e.player.RoomIndex
	prevGroup := e.player.ProximityID
	e.player.RoomIndex = roomIndex
	e.player.X = x
	e.player.Y = y

	var changes []types.ProximityChange
	if from == roomIndex {
		changes = s.roomIndex(roomIndex).Move(userID, x, y)
	} else {
		changes = s.roomIndex(from).Remove(userID)
		changes = append(changes, s.roomIndex(roomIndex).Insert(userID, x, y)...)
		// The new room's index diffs against no prior assignment, so a
		// player who left a group behind and arrived solo is a change only
		// the session can see.
		if ng := s.roomIndex(roomIndex).GroupOf(userID); ng != prevGroup {
			var seen bool
			for _, c := range changes {
				if c.UserID == userID {
					seen = true
					break
				}
			}
			if !seen {
				changes = append(changes, types.ProximityChange{UserID: userID, ProximityID: ng})
			}
		}
	}
	s.applyGroups(changes)

	return e.player, changes, nil
}

// ReplaceConn swaps a player's live connection, keeping position, room, and
// proximity group intact. Returns the displaced connection.
func (s *Session) ReplaceConn(userID types.UserIDType, conn types.ClientConn) (types.Player, types.ClientConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[userID]
	if !ok {
		return types.Player{}, nil, false
	}
	old := e.conn
	e.conn = conn
	e.player.SocketID = conn.SocketID()
	return e.player, old, true
}

// SetSkin updates a player's avatar skin.
func (s *Session) SetSkin(userID types.UserIDType, skin types.SkinType) (types.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[userID]
	if !ok {
		return types.Player{}, ErrUnknownPlayer
	}
	e.player.Skin = skin
	return e.player, nil
}

// Player returns a snapshot of one player's state.
func (s *Session) Player(userID types.UserIDType) (types.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[userID]
	if !ok {
		return types.Player{}, false
	}
	return e.player, true
}

// ConnOf returns the live connection of a player.
func (s *Session) ConnOf(userID types.UserIDType) (types.ClientConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.players[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Players returns a snapshot of every player in the session.
func (s *Session) Players() []types.Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Player, 0, len(s.players))
	for _, e := range s.players {
		out = append(out, e.player)
	}
	return out
}

// PlayersInRoom returns a snapshot of every player in a room, excluding the
// listed users.
func (s *Session) PlayersInRoom(roomIndex int, exclude ...types.UserIDType) []types.Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := make(map[types.UserIDType]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var out []types.Player
	for id, e := range s.players {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if e.player.RoomIndex == roomIndex {
			out = append(out, e.player)
		}
	}
	return out
}

// ConnsInRoom returns the connections of every player in a room, excluding
// the listed users. Used for room-scoped broadcasts.
func (s *Session) ConnsInRoom(roomIndex int, exclude ...types.UserIDType) []types.ClientConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := make(map[types.UserIDType]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var out []types.ClientConn
	for id, e := range s.players {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if e.player.RoomIndex == roomIndex {
			out = append(out, e.conn)
		}
	}
	return out
}

// AllConns returns every live connection in the session.
func (s *Session) AllConns() []types.ClientConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ClientConn, 0, len(s.players))
	for _, e := range s.players {
		out = append(out, e.conn)
	}
	return out
}

// Size returns the number of players in the session.
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}
