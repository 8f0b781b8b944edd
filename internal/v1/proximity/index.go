// Package proximity maintains the per-room partition of players into
// proximity groups. Two players share a group iff they are transitively
// within types.ProximityRadius of each other; a solo player has no group.
// Group ids are deterministic (lexicographically smallest member uid) so a
// client re-entering the same component sees the same id and can skip peer
// renegotiation.
package proximity

import (
	"sort"

	"github.com/marzo245/RoleDesk-B/internal/v1/types"
)

type position struct {
	x float64
	y float64
}

// Index tracks the players of one room and their group assignment.
// It is not safe for concurrent use; the owning session serializes access.
type Index struct {
	players map[types.UserIDType]position
	groups  map[types.UserIDType]string
}

// NewIndex creates an empty room index.
func NewIndex() *Index {
	return &Index{
		players: make(map[types.UserIDType]position),
		groups:  make(map[types.UserIDType]string),
	}
}

// Insert adds a player at (x, y) and returns every player whose group
// changed, including the newcomer when it lands inside an existing group.
func (ix *Index) Insert(id types.UserIDType, x, y float64) []types.ProximityChange {
	ix.players[id] = position{x: x, y: y}
	return ix.recompute()
}

// Remove deletes a player. The change set covers the remaining players; the
// removed player's own assignment is simply dropped.
func (ix *Index) Remove(id types.UserIDType) []types.ProximityChange {
	delete(ix.players, id)
	delete(ix.groups, id)
	return ix.recompute()
}

// Move updates a player's position and returns the resulting change set.
// Moving an unknown player is a no-op.
func (ix *Index) Move(id types.UserIDType, x, y float64) []types.ProximityChange {
	if _, ok := ix.players[id]; !ok {
		return nil
	}
	ix.players[id] = position{x: x, y: y}
	return ix.recompute()
}

// GroupOf returns the current group id for a player, or types.ProximityNone
// for solo or unknown players.
func (ix *Index) GroupOf(id types.UserIDType) string {
	if g, ok := ix.groups[id]; ok {
		return g
	}
	return types.ProximityNone
}

// Size returns the number of players tracked by this index.
func (ix *Index) Size() int {
	return len(ix.players)
}

// recompute rebuilds connected components and diffs against the previous
// assignment. Rooms hold tens of players, so the quadratic edge scan is the
// cheapest thing that is obviously correct.
func (ix *Index) recompute() []types.ProximityChange {
	ids := make([]types.UserIDType, 0, len(ix.players))
	for id := range ix.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parent := make(map[types.UserIDType]types.UserIDType, len(ids))
	for _, id := range ids {
		parent[id] = id
	}

	var find func(types.UserIDType) types.UserIDType
	find = func(id types.UserIDType) types.UserIDType {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b types.UserIDType) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// Keep the lexicographically smaller uid as root so the root doubles
		// as the stable group representative.
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	const radiusSq = types.ProximityRadius * types.ProximityRadius
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ix.players[ids[i]], ix.players[ids[j]]
			dx, dy := a.x-b.x, a.y-b.y
			if dx*dx+dy*dy <= radiusSq {
				union(ids[i], ids[j])
			}
		}
	}

	sizes := make(map[types.UserIDType]int, len(ids))
	for _, id := range ids {
		sizes[find(id)]++
	}

	next := make(map[types.UserIDType]string, len(ids))
	for _, id := range ids {
		root := find(id)
		if sizes[root] >= 2 {
			next[id] = string(root)
		} else {
			next[id] = types.ProximityNone
		}
	}

	var changes []types.ProximityChange
	for _, id := range ids {
		// A player with no prior assignment starts at "none", so a solo
		// insert emits no change.
		prev, ok := ix.groups[id]
		if !ok {
			prev = types.ProximityNone
		}
		if prev != next[id] {
			changes = append(changes, types.ProximityChange{UserID: id, ProximityID: next[id]})
		}
	}

	ix.groups = next
	return changes
}
