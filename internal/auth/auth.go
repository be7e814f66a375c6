// Package auth classifies actors into the three-tier role model:
// Maintainer > Admin > User. Maintainers come from static config; the admin
// set is mutable at runtime and backed by storage.
package auth

import (
	"context"
	"sort"
	"sync"

	logx "notifybot/pkg/logx"
)

type Role int

const (
	RoleUser Role = iota
	RoleAdmin
	RoleMaintainer
)

func (r Role) String() string {
	switch r {
	case RoleMaintainer:
		return "maintainer"
	case RoleAdmin:
		return "admin"
	default:
		return "user"
	}
}

// AdminSet is the mutable admin membership, persisted by the storage layer.
type AdminSet interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

type Gate struct {
	mu          sync.RWMutex
	maintainers map[int64]struct{}

	admins AdminSet
	log    logx.Logger
}

func NewGate(maintainers []int64, admins AdminSet, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gate{admins: admins, log: log}
	g.SetMaintainers(maintainers)
	return g
}

// SetMaintainers replaces the maintainer list. Safe during config hot-reload.
func (g *Gate) SetMaintainers(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	g.mu.Lock()
	g.maintainers = m
	g.mu.Unlock()
}

func (g *Gate) Maintainers() []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int64, 0, len(g.maintainers))
	for id := range g.maintainers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleOf computes the actor's effective role. Maintainers win over the
// mutable admin set. An admin lookup failure degrades to RoleUser: with
// storage down it is safer to deny than to guess.
func (g *Gate) RoleOf(ctx context.Context, userID int64) Role {
	g.mu.RLock()
	_, isMaint := g.maintainers[userID]
	g.mu.RUnlock()
	if isMaint {
		return RoleMaintainer
	}

	if g.admins != nil {
		ok, err := g.admins.IsAdmin(ctx, userID)
		if err != nil {
			g.log.Warn("admin lookup failed; treating as user", logx.Int64("user_id", userID), logx.Err(err))
			return RoleUser
		}
		if ok {
			return RoleAdmin
		}
	}
	return RoleUser
}

// Allow reports whether the actor's role satisfies the minimum role.
// Role capability sets are strictly nested: Maintainer ⊇ Admin ⊇ User.
func (g *Gate) Allow(ctx context.Context, userID int64, min Role) bool {
	return g.RoleOf(ctx, userID) >= min
}
