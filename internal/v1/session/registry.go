package session

import (
	"sync"

	"github.com/marzo245/RoleDesk-B/internal/v1/auth"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"
)

// UserInfo is the cached identity and profile of a connected user.
type UserInfo struct {
	Principal auth.Principal
	Skin      types.SkinType
}

// UserRegistry caches identity and profile data for every connected user so
// event handlers never hit the token validator or the profile store on the
// hot path. Entries live from connection accept to disconnect.
type UserRegistry struct {
	mu    sync.RWMutex
	users map[types.UserIDType]UserInfo
}

// NewUserRegistry creates an empty registry.
func NewUserRegistry() *UserRegistry {
	return &UserRegistry{users: make(map[types.UserIDType]UserInfo)}
}

// Put stores or replaces a user's cached info.
func (r *UserRegistry) Put(id types.UserIDType, info UserInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = info
}

// Get returns a user's cached info.
func (r *UserRegistry) Get(id types.UserIDType) (UserInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.users[id]
	return info, ok
}

// SetSkin updates the cached skin of a connected user, if present.
func (r *UserRegistry) SetSkin(id types.UserIDType, skin types.SkinType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.users[id]; ok {
		info.Skin = skin
		r.users[id] = info
	}
}

// Delete drops a user's cached info.
func (r *UserRegistry) Delete(id types.UserIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
}

// Len returns the number of cached users.
func (r *UserRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
