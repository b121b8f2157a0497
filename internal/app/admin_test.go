package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/taskboard/internal/auth"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAccounts はメモリ上でアカウントを管理する。
type fakeAccounts struct {
	byEmail map[string]*model.Account
	revoked []string
	calls   []string
}

func newFakeAccounts(accounts ...*model.Account) *fakeAccounts {
	f := &fakeAccounts{byEmail: make(map[string]*model.Account)}
	for _, a := range accounts {
		f.byEmail[a.Email] = a
	}
	return f
}

func (f *fakeAccounts) CreateUser(ctx context.Context, in auth.CreateUserInput) (*model.Account, error) {
	f.calls = append(f.calls, "create")
	if _, ok := f.byEmail[in.Email]; ok {
		return nil, model.NewEmailTakenError(in.Email)
	}
	a := &model.Account{ID: "u-" + in.Email, Email: in.Email, DisplayName: in.DisplayName, Claims: model.ClaimsForRole(in.Role)}
	f.byEmail[in.Email] = a
	return a, nil
}

func (f *fakeAccounts) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	if a, ok := f.byEmail[email]; ok {
		return a, nil
	}
	return nil, model.NewUserNotFoundError()
}

func (f *fakeAccounts) SetRole(ctx context.Context, accountID string, role model.Role) (*model.Account, error) {
	f.calls = append(f.calls, "set-role")
	for _, a := range f.byEmail {
		if a.ID == accountID {
			a.Claims = model.ClaimsForRole(role)
			return a, nil
		}
	}
	return nil, model.NewUserNotFoundError()
}

func (f *fakeAccounts) RevokeTokens(ctx context.Context, accountID string) error {
	f.calls = append(f.calls, "revoke")
	f.revoked = append(f.revoked, accountID)
	return nil
}

// fakeProfiles はReconcileとFindByUserIDをメモリ上で行う。
type fakeProfiles struct {
	byUser       map[string]*model.Profile
	reconcileErr error
}

func (f *fakeProfiles) Reconcile(ctx context.Context, id profile.Identity) (*model.Profile, error) {
	if f.reconcileErr != nil {
		return nil, f.reconcileErr
	}
	p := &model.Profile{ID: "p-" + id.UserID, UserID: id.UserID, Email: id.Email, Name: id.DisplayName, Role: id.Claims.EffectiveRole()}
	f.byUser[id.UserID] = p
	return p, nil
}

func (f *fakeProfiles) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	return f.byUser[userID], nil
}

func newTestAdmin(accounts *fakeAccounts, profiles *fakeProfiles) (*admin, *bytes.Buffer) {
	var out bytes.Buffer
	return &admin{accounts: accounts, profiles: profiles, lookup: profiles, out: &out}, &out
}

func TestAdmin_CreateUser_UpsertsProfile(t *testing.T) {
	accounts := newFakeAccounts()
	profiles := &fakeProfiles{byUser: map[string]*model.Profile{}}
	a, out := newTestAdmin(accounts, profiles)

	err := a.createUser(context.Background(), auth.CreateUserInput{
		Email: "admin@example.com", Password: "secret1", DisplayName: "Admin", Role: model.RoleAdmin,
	})

	require.NoError(t, err)
	p := profiles.byUser["u-admin@example.com"]
	require.NotNil(t, p)
	assert.Equal(t, model.RoleAdmin, p.Role)
	assert.Contains(t, out.String(), "role=admin")
}

func TestAdmin_CreateUser_EmailTaken(t *testing.T) {
	accounts := newFakeAccounts(&model.Account{ID: "u1", Email: "taken@example.com"})
	a, _ := newTestAdmin(accounts, &fakeProfiles{byUser: map[string]*model.Profile{}})

	err := a.createUser(context.Background(), auth.CreateUserInput{Email: "taken@example.com", Password: "secret1"})

	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrCodeEmailTaken, apiErr.Code)
}

func TestAdmin_CreateUser_ProfileFailureIsReported(t *testing.T) {
	accounts := newFakeAccounts()
	profiles := &fakeProfiles{byUser: map[string]*model.Profile{}, reconcileErr: errors.New("db down")}
	a, _ := newTestAdmin(accounts, profiles)

	err := a.createUser(context.Background(), auth.CreateUserInput{Email: "m@example.com", Password: "secret1"})

	assert.ErrorContains(t, err, "profile upsert failed")
}

func TestAdmin_SetRole_RevokesAndReconciles(t *testing.T) {
	accounts := newFakeAccounts(&model.Account{ID: "u1", Email: "m@example.com", Claims: model.ClaimsForRole(model.RoleMember)})
	profiles := &fakeProfiles{byUser: map[string]*model.Profile{
		"u1": {ID: "p1", UserID: "u1", Role: model.RoleMember},
	}}
	a, _ := newTestAdmin(accounts, profiles)

	require.NoError(t, a.setRole(context.Background(), "m@example.com", model.RoleAdmin))

	assert.Equal(t, []string{"set-role", "revoke"}, accounts.calls)
	assert.True(t, accounts.byEmail["m@example.com"].Claims.IsAdmin())
	assert.Equal(t, model.RoleAdmin, profiles.byUser["u1"].Role)
}

func TestAdmin_SetRole_UnknownUser(t *testing.T) {
	a, _ := newTestAdmin(newFakeAccounts(), &fakeProfiles{byUser: map[string]*model.Profile{}})

	err := a.setRole(context.Background(), "nobody@example.com", model.RoleAdmin)

	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrCodeUserNotFound, apiErr.Code)
}

func TestAdmin_RevokeTokens(t *testing.T) {
	accounts := newFakeAccounts(&model.Account{ID: "u1", Email: "m@example.com"})
	a, out := newTestAdmin(accounts, &fakeProfiles{byUser: map[string]*model.Profile{}})

	require.NoError(t, a.revokeTokens(context.Background(), "m@example.com"))

	assert.Equal(t, []string{"u1"}, accounts.revoked)
	assert.Contains(t, out.String(), "revoked tokens of m@example.com")
}

func TestAdmin_Verify(t *testing.T) {
	validAfter := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		claims      model.Claims
		profile     *model.Profile
		wantProfile bool
		wantInSync  bool
	}{
		{"in sync", model.Claims{Admin: true}, &model.Profile{ID: "p1", UserID: "u1", Role: model.RoleAdmin}, true, true},
		{"profile lags behind claims", model.Claims{Role: model.RoleAdmin}, &model.Profile{ID: "p1", UserID: "u1", Role: model.RoleMember}, true, false},
		{"no profile yet", model.Claims{}, nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := newFakeAccounts(&model.Account{ID: "u1", Email: "m@example.com", Claims: tt.claims, TokensValidAfter: validAfter})
			profiles := &fakeProfiles{byUser: map[string]*model.Profile{}}
			if tt.profile != nil {
				profiles.byUser["u1"] = tt.profile
			}
			a, out := newTestAdmin(accounts, profiles)

			require.NoError(t, a.verify(context.Background(), "m@example.com"))

			var got verifyOutput
			require.NoError(t, json.Unmarshal(out.Bytes(), &got))
			assert.Equal(t, "u1", got.UserID)
			assert.Equal(t, tt.claims.EffectiveRole(), got.EffectiveRole)
			assert.Equal(t, tt.wantProfile, got.Profile != nil)
			assert.Equal(t, tt.wantInSync, got.InSync)
			require.NotNil(t, got.TokensValidAfter)
			assert.True(t, got.TokensValidAfter.Equal(validAfter))
			// verifyは書き込みを行わない
			assert.Empty(t, accounts.calls)
		})
	}
}
