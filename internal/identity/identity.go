// Package identity carries the acting user through a single execution.
package identity

import (
	"context"
	"errors"
)

// Roles
const (
	RoleAdmin     = "admin"
	RoleTeamAdmin = "team_admin"
	RoleUser      = "user"
)

var (
	// ErrUnauthorized means there is no identity or it may not send the task.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAccessDenied means the identity may not view or modify the task.
	ErrAccessDenied = errors.New("access denied")
)

// Identity is the acting user for one request or one task firing.
type Identity struct {
	UserID int64
	TeamID *int64
	Role   string
}

// ForOwner builds the execution identity used when a task fires on its own.
func ForOwner(userID int64, teamID *int64) *Identity {
	return &Identity{UserID: userID, TeamID: teamID, Role: RoleUser}
}

func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

func (i *Identity) IsTeamAdmin() bool {
	return i != nil && i.Role == RoleTeamAdmin
}

// Owned is the ownership view of a task needed for access checks.
type Owned interface {
	OwnerID() int64
	OwnerTeamID() *int64
}

// CanSend applies the send rules: admins may send anything, owners their own
// tasks, team admins tasks of their team or tasks without a team.
func CanSend(id *Identity, task Owned) error {
	if id == nil {
		return ErrUnauthorized
	}
	if id.IsAdmin() || id.UserID == task.OwnerID() {
		return nil
	}
	if id.IsTeamAdmin() {
		team := task.OwnerTeamID()
		if team == nil || (id.TeamID != nil && *id.TeamID == *team) {
			return nil
		}
	}
	return ErrUnauthorized
}

// CanManage applies the read/modify rules for task management.
func CanManage(id *Identity, task Owned) error {
	if id == nil {
		return ErrUnauthorized
	}
	if id.IsAdmin() || id.UserID == task.OwnerID() {
		return nil
	}
	team := task.OwnerTeamID()
	if id.IsTeamAdmin() && team != nil && id.TeamID != nil && *id.TeamID == *team {
		return nil
	}
	return ErrAccessDenied
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored in ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}
