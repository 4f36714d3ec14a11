package identity

import (
	"context"
	"errors"
	"testing"
)

type task struct {
	owner int64
	team  *int64
}

func (t task) OwnerID() int64      { return t.owner }
func (t task) OwnerTeamID() *int64 { return t.team }

func ptr(v int64) *int64 { return &v }

func TestCanSend(t *testing.T) {
	tests := []struct {
		name    string
		id      *Identity
		task    task
		wantErr error
	}{
		{"no identity", nil, task{owner: 1}, ErrUnauthorized},
		{"admin", &Identity{UserID: 9, Role: RoleAdmin}, task{owner: 1, team: ptr(3)}, nil},
		{"owner", &Identity{UserID: 1, Role: RoleUser}, task{owner: 1}, nil},
		{"stranger", &Identity{UserID: 2, Role: RoleUser}, task{owner: 1}, ErrUnauthorized},
		{"team admin same team", &Identity{UserID: 2, TeamID: ptr(3), Role: RoleTeamAdmin}, task{owner: 1, team: ptr(3)}, nil},
		{"team admin teamless task", &Identity{UserID: 2, TeamID: ptr(3), Role: RoleTeamAdmin}, task{owner: 1}, nil},
		{"team admin other team", &Identity{UserID: 2, TeamID: ptr(4), Role: RoleTeamAdmin}, task{owner: 1, team: ptr(3)}, ErrUnauthorized},
		{"member of same team", &Identity{UserID: 2, TeamID: ptr(3), Role: RoleUser}, task{owner: 1, team: ptr(3)}, ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanSend(tt.id, tt.task)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CanSend() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCanManage(t *testing.T) {
	tests := []struct {
		name    string
		id      *Identity
		task    task
		wantErr error
	}{
		{"no identity", nil, task{owner: 1}, ErrUnauthorized},
		{"owner", &Identity{UserID: 1}, task{owner: 1}, nil},
		{"team admin same team", &Identity{UserID: 2, TeamID: ptr(3), Role: RoleTeamAdmin}, task{owner: 1, team: ptr(3)}, nil},
		{"team admin teamless task", &Identity{UserID: 2, TeamID: ptr(3), Role: RoleTeamAdmin}, task{owner: 1}, ErrAccessDenied},
		{"stranger", &Identity{UserID: 2}, task{owner: 1}, ErrAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CanManage(tt.id, tt.task); !errors.Is(err, tt.wantErr) {
				t.Errorf("CanManage() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != nil {
		t.Fatal("empty context should carry no identity")
	}

	id := ForOwner(7, ptr(2))
	got := FromContext(WithIdentity(ctx, id))
	if got != id {
		t.Fatalf("expected stored identity, got %+v", got)
	}
	if got.Role != RoleUser {
		t.Errorf("owner identity should have role user, got %q", got.Role)
	}
}
