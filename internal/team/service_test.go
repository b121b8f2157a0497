package team

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/taskboard/internal/auth"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/profile"
	"github.com/hitoshi/taskboard/internal/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin  = model.Actor{UserID: "admin-1", Name: "Admin", Role: model.RoleAdmin}
	member = model.Actor{UserID: "member-1", Name: "Member", Role: model.RoleMember}
)

func newFixture(t *testing.T) (*Service, *repotest.Store) {
	t.Helper()
	store := repotest.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	issuer, err := auth.NewTokenIssuer("secret", time.Hour)
	require.NoError(t, err)
	authSvc := auth.NewService(store.Accounts(), store.Sessions(), profile.NewService(store.Profiles(), logger), issuer, auth.ServiceConfig{SessionMaxAge: 3600}, logger)
	return NewService(store.Profiles(), store.Tasks(), authSvc, logger), store
}

func apiCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *model.APIError
	require.True(t, errors.As(err, &apiErr), "expected *model.APIError, got %v", err)
	return apiErr.Code
}

func TestListMembers_CountsPendingAsCompleted(t *testing.T) {
	svc, store := newFixture(t)
	store.PutProfile(&model.Profile{ID: "p1", UserID: "member-1", Name: "Aoi", Role: model.RoleMember})
	store.PutProfile(&model.Profile{ID: "p2", UserID: "member-2", Name: "Ren", Role: model.RoleMember})
	store.PutTask(&model.Task{ID: "t1", Assignees: []string{"member-1"}, Status: model.TaskStatusTodo})
	store.PutTask(&model.Task{ID: "t2", Assignees: []string{"member-1"}, Status: model.TaskStatusInProgress})
	store.PutTask(&model.Task{ID: "t3", Assignees: []string{"member-1", "member-2"}, Status: model.TaskStatusPendingApproval})
	store.PutTask(&model.Task{ID: "t4", Assignees: []string{"member-2"}, Status: model.TaskStatusCompleted})

	members, err := svc.ListMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 2)

	byID := map[string]Member{}
	for _, m := range members {
		byID[m.UserID] = m
	}
	assert.Equal(t, 2, byID["member-1"].ActiveTasks)
	assert.Equal(t, 1, byID["member-1"].CompletedTasks)
	assert.Equal(t, 0, byID["member-2"].ActiveTasks)
	assert.Equal(t, 2, byID["member-2"].CompletedTasks)
}

func TestListMembers_MemberWithoutTasks(t *testing.T) {
	svc, store := newFixture(t)
	store.PutProfile(&model.Profile{ID: "p1", UserID: "member-1", Name: "Aoi", Role: model.RoleMember})

	members, err := svc.ListMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Zero(t, members[0].ActiveTasks)
	assert.Zero(t, members[0].CompletedTasks)
}

func TestAddMember_CreatesAccountAndProfile(t *testing.T) {
	svc, store := newFixture(t)

	m, err := svc.AddMember(context.Background(), admin, AddMemberInput{
		Email:    "ren@example.com",
		Password: "password123",
		Name:     "Ren",
		Role:     model.RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, m.Role)

	p, err := store.Profiles().FindByUserID(context.Background(), m.UserID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Ren", p.Name)
	assert.Equal(t, model.RoleAdmin, p.Role)
	assert.False(t, p.CreatedAt.IsZero())
	assert.Equal(t, p.CreatedAt, p.UpdatedAt)

	account, err := store.Accounts().FindByEmail(context.Background(), "ren@example.com")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.True(t, account.Claims.IsAdmin())
}

func TestAddMember_RequiresAdminBeforeAnyWrite(t *testing.T) {
	svc, store := newFixture(t)
	store.FailOn("accounts.FindByEmail", repotest.ErrInjected)

	_, err := svc.AddMember(context.Background(), member, AddMemberInput{Email: "x@example.com", Password: "password123", Name: "X"})
	assert.Equal(t, model.ErrCodePermissionDenied, apiCode(t, err))
	assert.Zero(t, store.Writes())
}

func TestAddMember_Validation(t *testing.T) {
	svc, store := newFixture(t)
	_, err := svc.AddMember(context.Background(), admin, AddMemberInput{Email: "dup@example.com", Password: "password123", Name: "Dup"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    AddMemberInput
		wantCode string
	}{
		{"名前なし", AddMemberInput{Email: "a@example.com", Password: "password123"}, model.ErrCodeValidationFailed},
		{"メール重複", AddMemberInput{Email: "dup@example.com", Password: "password123", Name: "Dup2"}, model.ErrCodeEmailTaken},
		{"短いパスワード", AddMemberInput{Email: "b@example.com", Password: "1", Name: "B"}, model.ErrCodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := store.Writes()
			_, err := svc.AddMember(context.Background(), admin, tt.input)
			assert.Equal(t, tt.wantCode, apiCode(t, err))
			assert.Equal(t, before, store.Writes())
		})
	}
}

func TestOverview(t *testing.T) {
	svc, store := newFixture(t)
	store.PutProfile(&model.Profile{ID: "p1", UserID: "admin-1", Name: "Admin", Role: model.RoleAdmin})
	store.PutProfile(&model.Profile{ID: "p2", UserID: "member-1", Name: "Aoi", Role: model.RoleMember})
	store.PutTask(&model.Task{ID: "t1", Assignees: []string{"member-1"}, Status: model.TaskStatusTodo})
	store.PutTask(&model.Task{ID: "t2", Assignees: []string{"member-1"}, Status: model.TaskStatusPendingApproval})
	store.PutTask(&model.Task{ID: "t3", Assignees: []string{"member-1"}, Status: model.TaskStatusCompleted})

	o, err := svc.Overview(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, 3, o.TotalTasks)
	assert.Equal(t, 1, o.CompletedTasks)
	assert.Equal(t, 2, o.MemberCount)
	assert.Equal(t, 1, o.ByStatus[model.TaskStatusPendingApproval])
	assert.Equal(t, 0, o.ByStatus[model.TaskStatusInProgress])
}

func TestOverview_AdminOnly(t *testing.T) {
	svc, _ := newFixture(t)

	_, err := svc.Overview(context.Background(), member)
	assert.Equal(t, model.ErrCodePermissionDenied, apiCode(t, err))
}
