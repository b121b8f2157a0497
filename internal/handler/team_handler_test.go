package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/team"
)

func TestTeamHandler_ListMembers(t *testing.T) {
	deps := newTestDeps(t)
	deps.TeamService = &mockTeamService{
		listMembersFn: func(ctx context.Context) ([]team.Member, error) {
			return []team.Member{
				{UserID: "u-admin", Email: "admin@example.com", Name: "Admin", Role: model.RoleAdmin},
				{UserID: "u-member", Email: "member@example.com", Name: "Member", Role: model.RoleMember, ActiveTasks: 2, CompletedTasks: 1},
			}, nil
		},
	}

	w := serve(t, deps, http.MethodGet, "/api/team/members", "member-token", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body []memberResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 2 || body[1].ActiveTasks != 2 || body[1].CompletedTasks != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestTeamHandler_AddMember(t *testing.T) {
	var got team.AddMemberInput
	deps := newTestDeps(t)
	deps.TeamService = &mockTeamService{
		addMemberFn: func(ctx context.Context, actor model.Actor, in team.AddMemberInput) (*team.Member, error) {
			got = in
			return &team.Member{UserID: "u-new", Email: in.Email, Name: in.Name, Role: in.Role}, nil
		},
	}

	w := serve(t, deps, http.MethodPost, "/api/team/members", "admin-token",
		`{"email":"new@example.com","password":"s3cret-pass","name":"New","role":"member"}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if got.Email != "new@example.com" || got.Password != "s3cret-pass" || got.Role != model.RoleMember {
		t.Errorf("input = %+v", got)
	}
}

func TestTeamHandler_AdminOnlyRoutes(t *testing.T) {
	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/api/team/members", `{"email":"x@example.com","password":"p","name":"X"}`},
		{http.MethodGet, "/api/team/overview", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			called := false
			deps := newTestDeps(t)
			deps.TeamService = &mockTeamService{
				addMemberFn: func(ctx context.Context, actor model.Actor, in team.AddMemberInput) (*team.Member, error) {
					called = true
					return nil, errNotMocked
				},
				overviewFn: func(ctx context.Context, actor model.Actor) (*team.Overview, error) {
					called = true
					return nil, errNotMocked
				},
			}

			w := serve(t, deps, tt.method, tt.path, "member-token", tt.body)

			if w.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", w.Code)
			}
			if called {
				t.Error("service should not be called for a member")
			}
		})
	}
}

func TestTeamHandler_Overview(t *testing.T) {
	deps := newTestDeps(t)
	deps.TeamService = &mockTeamService{
		overviewFn: func(ctx context.Context, actor model.Actor) (*team.Overview, error) {
			return &team.Overview{
				TotalTasks:     4,
				CompletedTasks: 1,
				MemberCount:    2,
				ByStatus:       map[model.TaskStatus]int{model.TaskStatusTodo: 3, model.TaskStatusCompleted: 1},
			}, nil
		},
	}

	w := serve(t, deps, http.MethodGet, "/api/team/overview", "admin-token", "")

	var body overviewResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TotalTasks != 4 || body.ByStatus[model.TaskStatusTodo] != 3 {
		t.Errorf("body = %+v", body)
	}
}
