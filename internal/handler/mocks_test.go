package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/taskboard/internal/auth"
	"github.com/hitoshi/taskboard/internal/middleware"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/task"
	"github.com/hitoshi/taskboard/internal/team"
)

// --- モック定義 ---

type mockAuthService struct {
	signInFn       func(ctx context.Context, email, password string) (*auth.SignInResult, error)
	refreshTokenFn func(ctx context.Context, sessionID string) (string, time.Time, error)
	logoutFn       func(ctx context.Context, sessionID string) error
}

func (m *mockAuthService) SignIn(ctx context.Context, email, password string) (*auth.SignInResult, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, model.NewInvalidCredentialsError()
}

func (m *mockAuthService) RefreshToken(ctx context.Context, sessionID string) (string, time.Time, error) {
	if m.refreshTokenFn != nil {
		return m.refreshTokenFn(ctx, sessionID)
	}
	return "", time.Time{}, model.NewUnauthorizedError()
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

type mockTaskService struct {
	createFn        func(ctx context.Context, actor model.Actor, in task.CreateInput) (*model.Task, error)
	updateFn        func(ctx context.Context, actor model.Actor, taskID string, in task.UpdateInput) (*model.Task, error)
	getFn           func(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error)
	listFn          func(ctx context.Context, actor model.Actor, statuses []model.TaskStatus) ([]*model.Task, error)
	listPendingFn   func(ctx context.Context, actor model.Actor) ([]*model.Task, error)
	listCompletedFn func(ctx context.Context, actor model.Actor) ([]task.CompletedTask, error)
	changeStatusFn  func(ctx context.Context, actor model.Actor, taskID string, target model.TaskStatus, note string) (*model.Task, error)
	approveFn       func(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error)
	rejectFn        func(ctx context.Context, actor model.Actor, taskID, note string) (*model.Task, error)
	reopenFn        func(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error)
	requestUploadFn func(ctx context.Context, actor model.Actor, taskID, filename, contentType string) (*task.Attachment, error)
	downloadURLFn   func(ctx context.Context, actor model.Actor, taskID string) (string, error)
}

var errNotMocked = errors.New("not mocked")

func (m *mockTaskService) Create(ctx context.Context, actor model.Actor, in task.CreateInput) (*model.Task, error) {
	if m.createFn != nil {
		return m.createFn(ctx, actor, in)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) Update(ctx context.Context, actor model.Actor, taskID string, in task.UpdateInput) (*model.Task, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, actor, taskID, in)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) Get(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error) {
	if m.getFn != nil {
		return m.getFn(ctx, actor, taskID)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) List(ctx context.Context, actor model.Actor, statuses []model.TaskStatus) ([]*model.Task, error) {
	if m.listFn != nil {
		return m.listFn(ctx, actor, statuses)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) ListPending(ctx context.Context, actor model.Actor) ([]*model.Task, error) {
	if m.listPendingFn != nil {
		return m.listPendingFn(ctx, actor)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) ListCompleted(ctx context.Context, actor model.Actor) ([]task.CompletedTask, error) {
	if m.listCompletedFn != nil {
		return m.listCompletedFn(ctx, actor)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) ChangeStatus(ctx context.Context, actor model.Actor, taskID string, target model.TaskStatus, note string) (*model.Task, error) {
	if m.changeStatusFn != nil {
		return m.changeStatusFn(ctx, actor, taskID, target, note)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) Approve(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error) {
	if m.approveFn != nil {
		return m.approveFn(ctx, actor, taskID)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) Reject(ctx context.Context, actor model.Actor, taskID, note string) (*model.Task, error) {
	if m.rejectFn != nil {
		return m.rejectFn(ctx, actor, taskID, note)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) Reopen(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error) {
	if m.reopenFn != nil {
		return m.reopenFn(ctx, actor, taskID)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) RequestUpload(ctx context.Context, actor model.Actor, taskID, filename, contentType string) (*task.Attachment, error) {
	if m.requestUploadFn != nil {
		return m.requestUploadFn(ctx, actor, taskID, filename, contentType)
	}
	return nil, errNotMocked
}

func (m *mockTaskService) DownloadURL(ctx context.Context, actor model.Actor, taskID string) (string, error) {
	if m.downloadURLFn != nil {
		return m.downloadURLFn(ctx, actor, taskID)
	}
	return "", errNotMocked
}

type mockHistoryStreamer struct {
	listFn   func(ctx context.Context, actor model.Actor, taskID string) ([]*model.HistoryEntry, error)
	streamFn func(ctx context.Context, actor model.Actor, taskID string, emit func([]*model.HistoryEntry) error) error
}

func (m *mockHistoryStreamer) ListByTask(ctx context.Context, actor model.Actor, taskID string) ([]*model.HistoryEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, actor, taskID)
	}
	return nil, errNotMocked
}

func (m *mockHistoryStreamer) Stream(ctx context.Context, actor model.Actor, taskID string, emit func([]*model.HistoryEntry) error) error {
	if m.streamFn != nil {
		return m.streamFn(ctx, actor, taskID, emit)
	}
	return errNotMocked
}

type mockNotificationService struct {
	listFn        func(ctx context.Context, actor model.Actor, limit int) ([]*model.Notification, error)
	unreadCountFn func(ctx context.Context, actor model.Actor) (int, error)
	markReadFn    func(ctx context.Context, actor model.Actor, id string) (*model.Notification, error)
	markAllReadFn func(ctx context.Context, actor model.Actor) (int64, error)
}

func (m *mockNotificationService) List(ctx context.Context, actor model.Actor, limit int) ([]*model.Notification, error) {
	if m.listFn != nil {
		return m.listFn(ctx, actor, limit)
	}
	return nil, errNotMocked
}

func (m *mockNotificationService) UnreadCount(ctx context.Context, actor model.Actor) (int, error) {
	if m.unreadCountFn != nil {
		return m.unreadCountFn(ctx, actor)
	}
	return 0, nil
}

func (m *mockNotificationService) MarkRead(ctx context.Context, actor model.Actor, id string) (*model.Notification, error) {
	if m.markReadFn != nil {
		return m.markReadFn(ctx, actor, id)
	}
	return nil, errNotMocked
}

func (m *mockNotificationService) MarkAllRead(ctx context.Context, actor model.Actor) (int64, error) {
	if m.markAllReadFn != nil {
		return m.markAllReadFn(ctx, actor)
	}
	return 0, errNotMocked
}

type mockNotificationStreamer struct {
	streamFn func(ctx context.Context, actor model.Actor, limit int, emit func([]*model.Notification) error) error
}

func (m *mockNotificationStreamer) Stream(ctx context.Context, actor model.Actor, limit int, emit func([]*model.Notification) error) error {
	if m.streamFn != nil {
		return m.streamFn(ctx, actor, limit, emit)
	}
	return errNotMocked
}

type mockTeamService struct {
	listMembersFn func(ctx context.Context) ([]team.Member, error)
	addMemberFn   func(ctx context.Context, actor model.Actor, in team.AddMemberInput) (*team.Member, error)
	overviewFn    func(ctx context.Context, actor model.Actor) (*team.Overview, error)
}

func (m *mockTeamService) ListMembers(ctx context.Context) ([]team.Member, error) {
	if m.listMembersFn != nil {
		return m.listMembersFn(ctx)
	}
	return nil, errNotMocked
}

func (m *mockTeamService) AddMember(ctx context.Context, actor model.Actor, in team.AddMemberInput) (*team.Member, error) {
	if m.addMemberFn != nil {
		return m.addMemberFn(ctx, actor, in)
	}
	return nil, errNotMocked
}

func (m *mockTeamService) Overview(ctx context.Context, actor model.Actor) (*team.Overview, error) {
	if m.overviewFn != nil {
		return m.overviewFn(ctx, actor)
	}
	return nil, errNotMocked
}

// tokenResolver はBearerトークンをそのままアクターに対応付ける。
type tokenResolver map[string]model.Actor

func (t tokenResolver) ResolveSession(ctx context.Context, sessionID string) (model.Actor, error) {
	if a, ok := t[sessionID]; ok {
		return a, nil
	}
	return model.Actor{}, model.NewUnauthorizedError()
}

func (t tokenResolver) ResolveBearer(ctx context.Context, token string) (model.Actor, error) {
	return t.ResolveSession(ctx, token)
}

var (
	_ AuthServiceInterface         = (*mockAuthService)(nil)
	_ TaskServiceInterface         = (*mockTaskService)(nil)
	_ HistoryStreamer              = (*mockHistoryStreamer)(nil)
	_ NotificationServiceInterface = (*mockNotificationService)(nil)
	_ NotificationStreamer         = (*mockNotificationStreamer)(nil)
	_ TeamServiceInterface         = (*mockTeamService)(nil)
	_ middleware.ActorResolver     = tokenResolver(nil)
)

// --- テストヘルパー ---

var (
	memberActor = model.Actor{UserID: "u-member", Email: "member@example.com", Name: "Member", Role: model.RoleMember}
	adminActor  = model.Actor{UserID: "u-admin", Email: "admin@example.com", Name: "Admin", Role: model.RoleAdmin}
)

// newTestDeps は各サービスを空のモックにしたRouterDepsを返す。
// "member-token" と "admin-token" がBearerトークンとして使える。
func newTestDeps(t *testing.T) *RouterDeps {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.PerMinute(1000, 1000))
	t.Cleanup(rl.Stop)
	return &RouterDeps{
		ActorResolver: tokenResolver{
			"member-token": memberActor,
			"admin-token":  adminActor,
		},
		CORSAllowedOrigin:    "http://localhost:3000",
		RateLimiter:          rl,
		AuthService:          &mockAuthService{},
		AuthConfig:           AuthHandlerConfig{SessionMaxAge: 3600},
		TaskService:          &mockTaskService{},
		HistoryService:       &mockHistoryStreamer{},
		NotificationService:  &mockNotificationService{},
		NotificationStreamer: &mockNotificationStreamer{},
		TeamService:          &mockTeamService{},
	}
}

// serve はルーターにリクエストを送り、レスポンスを返す。tokenが空なら認証なし。
func serve(t *testing.T, deps *RouterDeps, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, req)
	return w
}

func sampleTask(id string, status model.TaskStatus) *model.Task {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &model.Task{
		ID:        id,
		Title:     "書類を提出する",
		Assignees: []string{memberActor.UserID},
		Status:    status,
		DueDate:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		CreatedBy: adminActor.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
