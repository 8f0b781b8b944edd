package transport

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/marzo245/RoleDesk-B/internal/v1/auth"
	"github.com/marzo245/RoleDesk-B/internal/v1/protocol"
	"github.com/marzo245/RoleDesk-B/internal/v1/session"
	"github.com/marzo245/RoleDesk-B/internal/v1/store"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/stretchr/testify/require"
)

// fakeSocket is an in-memory wsConnection. Reads block on a channel; writes
// are recorded.
type fakeSocket struct {
	mu       sync.Mutex
	inbound  chan []byte
	written  [][]byte
	msgTypes []int
	closed   bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 16)}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, errClosed
	}
	return 1, data, nil // websocket.TextMessage
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgTypes = append(f.msgTypes, messageType)
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeSocket) SetReadDeadline(time.Time) error  { return nil }

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "connection closed" }

// testRig wires a dispatcher against an in-memory store.
type testRig struct {
	dispatcher *Dispatcher
	manager    *session.Manager
	registry   *session.UserRegistry
	store      *store.MemoryStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	manager := session.NewManager()
	registry := session.NewUserRegistry()
	memStore := store.NewMemoryStore()
	return &testRig{
		dispatcher: NewDispatcher(manager, registry, memStore, nil),
		manager:    manager,
		registry:   registry,
		store:      memStore,
	}
}

// newTestClient builds a Client that queues frames without running pumps.
func (r *testRig) newTestClient(userID, socketID string) *Client {
	return &Client{
		conn:              newFakeSocket(),
		socketID:          types.SocketIDType(socketID),
		userID:            types.UserIDType(userID),
		dispatcher:        r.dispatcher,
		inactivityTimeout: time.Minute,
		send:              make(chan []byte, 256),
	}
}

// drainFrames decodes every frame queued on a client.
func drainFrames(t *testing.T, c *Client) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				// A kicked client's send channel is closed; everything
				// queued before the close has already been received.
				return out
			}
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func framesByEvent(frames []protocol.Envelope, event types.EventType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func encodeFrame(t *testing.T, event types.EventType, payload any) []byte {
	t.Helper()
	data, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	return data
}

// Well-known UUIDs for tests; validators require UUID ids.
const (
	realmUUID = "6f1c24f0-3b5a-4c87-9c8e-2d1a5b7e9f01"
	shareUUID = "7a2d35e1-4c6b-5d98-ad9f-3e2b6c8fa012"
	ownerUUID = "8b3e46f2-5d7c-6ea9-be0a-4f3c7d9ab123"
	guestUUID = "9c4f57a3-6e8d-7fba-cf1b-5a4d8eabc234"
	thirdUUID = "0d5a68b4-7f9e-8acb-da2c-6b5e9fbcd345"
)

func testUserInfo(userID, username string) session.UserInfo {
	return session.UserInfo{Principal: auth.Principal{UserID: userID, Username: username}}
}

// seedRealm stores a realm record with a two-room map plus a profile for
// each well-known user, since a join fails without one.
func (r *testRig) seedRealm(t *testing.T) {
	t.Helper()
	err := r.store.SaveRealm(t.Context(), &types.RealmRecord{
		ID:      realmUUID,
		OwnerID: ownerUUID,
		ShareID: shareUUID,
		MapData: json.RawMessage(`{"rooms":[{"spawn":{"x":100,"y":100}},{"spawn":{"x":5000,"y":5000}}]}`),
	})
	require.NoError(t, err)
	for _, uid := range []string{ownerUUID, guestUUID, thirdUUID} {
		require.NoError(t, r.store.SaveProfile(t.Context(), &types.ProfileRecord{
			UserID: types.UserIDType(uid),
			Skin:   "default",
		}))
	}
}

// join runs a successful join for a client and clears its queued frames.
func (r *testRig) join(t *testing.T, c *Client, shareID string) {
	t.Helper()
	r.dispatcher.HandleFrame(t.Context(), c, encodeFrame(t, types.EventJoinRealm,
		protocol.JoinRealmPayload{RealmID: realmUUID, ShareID: shareID}))
	frames := drainFrames(t, c)
	require.NotEmpty(t, framesByEvent(frames, types.EventJoinedRoom), "join should succeed, got %+v", frames)
}
