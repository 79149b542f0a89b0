// Package access implements role membership checks for the ledger.
//
// Control is a plain capability service: callers ask it whether an identity
// holds a role before running a privileged operation. It never decides on its
// own which operations are privileged.
package access

import (
	"sort"
	"strings"
	"sync"
)

// Role is a named capability.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMinter Role = "MINTER"
	RoleBridge Role = "BRIDGE"
	RolePauser Role = "PAUSER"
	RoleMirror Role = "MIRROR"
)

// GenesisRoles are granted to the initializing identity.
func GenesisRoles() []Role {
	return []Role{RoleAdmin, RoleMinter, RoleBridge, RolePauser, RoleMirror}
}

// ParseRole normalises a role name. Unknown names are rejected.
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleAdmin, RoleMinter, RoleBridge, RolePauser, RoleMirror:
		return role, true
	}
	return "", false
}

// Grant is a single (role, identity) membership.
type Grant struct {
	Role     Role
	Identity string
}

// Control holds role memberships and per-role admin roles.
type Control struct {
	mu      sync.RWMutex
	members map[Role]map[string]struct{}
	admins  map[Role]Role
}

// New returns an empty Control.
func New() *Control {
	return &Control{
		members: make(map[Role]map[string]struct{}),
		admins:  make(map[Role]Role),
	}
}

// HasRole reports whether identity holds role.
func (c *Control) HasRole(role Role, identity string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[role][identity]
	return ok
}

// RoleAdmin returns the role allowed to grant and revoke role.
func (c *Control) RoleAdmin(role Role) Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roleAdminLocked(role)
}

func (c *Control) roleAdminLocked(role Role) Role {
	if admin, ok := c.admins[role]; ok {
		return admin
	}
	return RoleAdmin
}

// CanAdminister reports whether caller may grant or revoke role.
func (c *Control) CanAdminister(role Role, caller string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[c.roleAdminLocked(role)][caller]
	return ok
}

// Grant adds the membership. It reports false when it already existed.
func (c *Control) Grant(role Role, identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.members[role]
	if !ok {
		set = make(map[string]struct{})
		c.members[role] = set
	}
	if _, exists := set[identity]; exists {
		return false
	}
	set[identity] = struct{}{}
	return true
}

// Revoke removes the membership. It reports false when it did not exist.
func (c *Control) Revoke(role Role, identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.members[role]
	if _, exists := set[identity]; !exists {
		return false
	}
	delete(set, identity)
	return true
}

// SetRoleAdmin changes the admin role of role.
func (c *Control) SetRoleAdmin(role, admin Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if admin == RoleAdmin {
		delete(c.admins, role)
		return
	}
	c.admins[role] = admin
}

// Grants lists memberships ordered by role then identity.
func (c *Control) Grants() []Grant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Grant
	for role, set := range c.members {
		for id := range set {
			out = append(out, Grant{Role: role, Identity: id})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Admins returns the non-default role admin assignments.
func (c *Control) Admins() map[Role]Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Role]Role, len(c.admins))
	for k, v := range c.admins {
		out[k] = v
	}
	return out
}

// Restore replaces the whole state.
func (c *Control) Restore(grants []Grant, admins map[Role]Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = make(map[Role]map[string]struct{})
	c.admins = make(map[Role]Role)
	for _, g := range grants {
		set, ok := c.members[g.Role]
		if !ok {
			set = make(map[string]struct{})
			c.members[g.Role] = set
		}
		set[g.Identity] = struct{}{}
	}
	for role, admin := range admins {
		if admin != RoleAdmin {
			c.admins[role] = admin
		}
	}
}
