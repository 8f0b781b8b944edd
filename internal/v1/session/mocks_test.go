package session

import (
	"sync"

	"github.com/marzo245/RoleDesk-B/internal/v1/realmmap"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"
)

// mockConn records frames instead of writing to a socket.
type mockConn struct {
	mu     sync.Mutex
	id     types.SocketIDType
	frames []frame
	closed bool
}

type frame struct {
	event   types.EventType
	payload any
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: types.SocketIDType(id)}
}

func (c *mockConn) SocketID() types.SocketIDType { return c.id }

func (c *mockConn) Send(event types.EventType, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{event: event, payload: payload})
}

func (c *mockConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) sentEvents() []types.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.EventType, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.event)
	}
	return out
}

func (c *mockConn) lastPayload(event types.EventType) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].event == event {
			return c.frames[i].payload, true
		}
	}
	return nil, false
}

// twoRoomMap builds a realm with spawns at (100,100) and (5000,5000).
func twoRoomMap() *realmmap.RealmMap {
	m, err := realmmap.Parse([]byte(`{
		"rooms": [
			{"spawn": {"x": 100, "y": 100}},
			{"spawn": {"x": 5000, "y": 5000}}
		]
	}`))
	if err != nil {
		panic(err)
	}
	return m
}
