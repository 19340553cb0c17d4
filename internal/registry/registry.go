// Package registry maps live connections to claimed user identities.
// It is the single source of truth for presence.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/c-pro/geche"

	"parley/internal/content"
	"parley/internal/models"
)

// Claim is the outcome of a claim attempt. Prior holds the identity the
// connection had before, which is removed even when the claim fails.
type Claim struct {
	User     models.User
	Prior    models.User
	Replaced bool
}

type Registry struct {
	// Map of connection id -> claimed user
	users geche.Geche[string, models.User]
}

func New() *Registry {
	return &Registry{
		users: geche.NewMapCache[string, models.User](),
	}
}

// Claim registers raw as the display name of connID.
// A prior identity of the same connection is released before the name is
// validated and checked for collisions, so re-claiming one's own name never
// collides with itself. Errors wrap models.ErrInvalidUsername or
// models.ErrUsernameTaken.
func (r *Registry) Claim(connID, raw string) (Claim, error) {
	var claim Claim
	claim.Prior, claim.Replaced = r.Release(connID)

	username, err := content.NormalizeUsername(raw)
	if err != nil {
		return claim, err
	}

	for id, u := range r.users.Snapshot() {
		if id != connID && strings.EqualFold(u.Username, username) {
			return claim, fmt.Errorf("%w: %q", models.ErrUsernameTaken, username)
		}
	}

	claim.User = models.User{
		ID:       connID,
		Username: username,
		Room:     models.DefaultRoom,
	}
	r.users.Set(connID, claim.User)
	return claim, nil
}

// Release forgets the identity of connID. It is safe to call for unknown ids.
func (r *Registry) Release(connID string) (models.User, bool) {
	u, err := r.users.Get(connID)
	if err != nil {
		return models.User{}, false
	}
	_ = r.users.Del(connID)
	return u, true
}

func (r *Registry) Lookup(connID string) (models.User, bool) {
	u, err := r.users.Get(connID)
	if err != nil {
		return models.User{}, false
	}
	return u, true
}

// SetRoom records the current room of a claimed connection.
func (r *Registry) SetRoom(connID, room string) (models.User, bool) {
	u, ok := r.Lookup(connID)
	if !ok {
		return models.User{}, false
	}
	u.Room = room
	r.users.Set(connID, u)
	return u, true
}

// List returns the presence list ordered by username.
func (r *Registry) List() []models.User {
	snapshot := r.users.Snapshot()
	users := make([]models.User, 0, len(snapshot))
	for _, u := range snapshot {
		users = append(users, u)
	}

	sort.Slice(users, func(i, j int) bool {
		a, b := strings.ToLower(users[i].Username), strings.ToLower(users[j].Username)
		if a != b {
			return a < b
		}
		return users[i].ID < users[j].ID
	})
	return users
}

func (r *Registry) Len() int {
	return r.users.Len()
}
