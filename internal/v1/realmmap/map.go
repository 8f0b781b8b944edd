// Package realmmap parses the opaque map_data blob of a realm record into a
// structured, immutable form. Parsing is a pure transform; sessions hold the
// result for their whole lifetime.
package realmmap

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrBadRealm indicates the map_data blob is malformed or has no rooms.
// A session is never created from a realm that fails to parse.
var ErrBadRealm = errors.New("bad realm map data")

// Tile is an integer tile coordinate inside a room.
type Tile struct {
	X int
	Y int
}

// Teleport moves a player standing on (FromX, FromY) to a position in
// another room.
type Teleport struct {
	FromX       int
	FromY       int
	ToRoomIndex int
	ToX         float64
	ToY         float64
}

// Room is one subdivision of a realm. Players spawn at the spawn point and
// cannot occupy barrier tiles (enforced client-side; kept for the HTTP
// surface and future validation).
type Room struct {
	SpawnX    float64
	SpawnY    float64
	Barriers  map[Tile]struct{}
	Teleports []Teleport
}

// RealmMap is the parsed form of a realm's map_data. Room index 0 is the
// default spawn room.
type RealmMap struct {
	Rooms []Room
}

// Parse converts raw map_data into a RealmMap. It fails with ErrBadRealm if
// the blob is not a JSON object, has no rooms array, or any room is missing
// its spawn point.
func Parse(data []byte) (*RealmMap, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrBadRealm)
	}

	root := gjson.ParseBytes(data)
	rooms := root.Get("rooms")
	if !rooms.IsArray() {
		return nil, fmt.Errorf("%w: missing rooms array", ErrBadRealm)
	}

	parsed := make([]Room, 0, len(rooms.Array()))
	var parseErr error

	rooms.ForEach(func(_, raw gjson.Result) bool {
		spawn := raw.Get("spawn")
		if !spawn.Get("x").Exists() || !spawn.Get("y").Exists() {
			parseErr = fmt.Errorf("%w: room %d has no spawn point", ErrBadRealm, len(parsed))
			return false
		}

		room := Room{
			SpawnX:   spawn.Get("x").Float(),
			SpawnY:   spawn.Get("y").Float(),
			Barriers: make(map[Tile]struct{}),
		}

		raw.Get("tiles.barriers").ForEach(func(_, b gjson.Result) bool {
			room.Barriers[Tile{X: int(b.Get("x").Int()), Y: int(b.Get("y").Int())}] = struct{}{}
			return true
		})

		raw.Get("tiles.teleports").ForEach(func(_, tp gjson.Result) bool {
			room.Teleports = append(room.Teleports, Teleport{
				FromX:       int(tp.Get("x").Int()),
				FromY:       int(tp.Get("y").Int()),
				ToRoomIndex: int(tp.Get("toRoom").Int()),
				ToX:         tp.Get("toX").Float(),
				ToY:         tp.Get("toY").Float(),
			})
			return true
		})

		parsed = append(parsed, room)
		return true
	})

	if parseErr != nil {
		return nil, parseErr
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("%w: realm has zero rooms", ErrBadRealm)
	}

	// Teleport targets must land in a room that exists.
	for i, room := range parsed {
		for _, tp := range room.Teleports {
			if tp.ToRoomIndex < 0 || tp.ToRoomIndex >= len(parsed) {
				return nil, fmt.Errorf("%w: room %d teleport targets unknown room %d", ErrBadRealm, i, tp.ToRoomIndex)
			}
		}
	}

	return &RealmMap{Rooms: parsed}, nil
}

// ValidRoom reports whether i is a room index in this realm.
func (m *RealmMap) ValidRoom(i int) bool {
	return i >= 0 && i < len(m.Rooms)
}

// Spawn returns the spawn position of the given room.
func (m *RealmMap) Spawn(roomIndex int) (x, y float64) {
	room := m.Rooms[roomIndex]
	return room.SpawnX, room.SpawnY
}

// TeleportAt returns the teleport anchored at tile (x, y) in the given room,
// if any.
func (m *RealmMap) TeleportAt(roomIndex, x, y int) (Teleport, bool) {
	if !m.ValidRoom(roomIndex) {
		return Teleport{}, false
	}
	for _, tp := range m.Rooms[roomIndex].Teleports {
		if tp.FromX == x && tp.FromY == y {
			return tp, true
		}
	}
	return Teleport{}, false
}
