// Package repotest はテスト用のインメモリリポジトリを提供する。
//
// Store は repository パッケージの全インターフェースと TxRunner を満たし、
// RunInTx で fn がエラーを返した場合はスナップショットに戻す。
package repotest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/repository"
)

// Store はインメモリのデータストア。
type Store struct {
	mu sync.Mutex

	accounts      map[string]*model.Account
	profiles      map[string]*model.Profile // user_id -> profile
	sessions      map[string]*model.Session
	tasks         map[string]*model.Task
	history       []*model.HistoryEntry
	notifications []*model.Notification

	writes int
	// 操作名（"history.Append" など）ごとに返すエラー。
	fail map[string]error
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*model.Account),
		profiles: make(map[string]*model.Profile),
		sessions: make(map[string]*model.Session),
		tasks:    make(map[string]*model.Task),
		fail:     make(map[string]error),
	}
}

// FailOn は指定操作が呼ばれたときにerrを返すようにする。
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

// Writes は成功した書き込み操作の回数を返す。
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// History は追記された全履歴を追記順で返す。
func (s *Store) History() []*model.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Notifications は全通知を作成順で返す。
func (s *Store) Notifications() []*model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		c := *n
		out = append(out, &c)
	}
	return out
}

// PutTask はタスクを直接登録する。書き込み回数には数えない。
func (s *Store) PutTask(t *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(t)
}

// PutProfile はプロフィールを直接登録する。書き込み回数には数えない。
func (s *Store) PutProfile(p *model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.profiles[p.UserID] = &c
}

// PutAccount はアカウントを直接登録する。書き込み回数には数えない。
func (s *Store) PutAccount(a *model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.accounts[a.ID] = &c
}

// Repos はStoreに束縛されたリポジトリ群を返す。
func (s *Store) Repos() repository.TxRepos {
	return repository.TxRepos{
		Tasks:         s.Tasks(),
		History:       s.HistoryRepo(),
		Profiles:      s.Profiles(),
		Notifications: s.NotificationRepo(),
	}
}

// RunInTx はfnを実行し、エラーの場合はfn実行前の状態に戻す。
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repos repository.TxRepos) error) error {
	if err := s.check("tx.Begin"); err != nil {
		return err
	}
	snap := s.snapshot()
	if err := fn(ctx, s.Repos()); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	accounts      map[string]*model.Account
	profiles      map[string]*model.Profile
	sessions      map[string]*model.Session
	tasks         map[string]*model.Task
	history       []*model.HistoryEntry
	notifications []*model.Notification
	writes        int
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		accounts:      make(map[string]*model.Account, len(s.accounts)),
		profiles:      make(map[string]*model.Profile, len(s.profiles)),
		sessions:      maps.Clone(s.sessions),
		tasks:         make(map[string]*model.Task, len(s.tasks)),
		history:       slices.Clone(s.history),
		notifications: make([]*model.Notification, 0, len(s.notifications)),
		writes:        s.writes,
	}
	for k, a := range s.accounts {
		c := *a
		snap.accounts[k] = &c
	}
	for k, p := range s.profiles {
		c := *p
		snap.profiles[k] = &c
	}
	for k, t := range s.tasks {
		snap.tasks[k] = cloneTask(t)
	}
	for _, n := range s.notifications {
		c := *n
		snap.notifications = append(snap.notifications, &c)
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = snap.accounts
	s.profiles = snap.profiles
	s.sessions = snap.sessions
	s.tasks = snap.tasks
	s.history = snap.history
	s.notifications = snap.notifications
	s.writes = snap.writes
}

// check は注入されたエラーを返す。呼び出し側はロックを取らないこと。
func (s *Store) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail[op]
}

func cloneTask(t *model.Task) *model.Task {
	c := *t
	c.Assignees = slices.Clone(t.Assignees)
	if c.Assignees == nil {
		c.Assignees = []string{}
	}
	if t.ApprovedAt != nil {
		at := *t.ApprovedAt
		c.ApprovedAt = &at
	}
	return &c
}

// --- Accounts ---

// AccountRepo はインメモリのAccountRepository。
type AccountRepo struct{ s *Store }

// Accounts はAccountRepositoryを返す。
func (s *Store) Accounts() *AccountRepo { return &AccountRepo{s} }

func (r *AccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	if err := r.s.check("accounts.FindByID"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	if err := r.s.check("accounts.FindByEmail"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if strings.EqualFold(a.Email, email) {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

func (r *AccountRepo) Create(ctx context.Context, account *model.Account) error {
	if err := r.s.check("accounts.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if strings.EqualFold(a.Email, account.Email) {
			return fmt.Errorf("duplicate email %s", account.Email)
		}
	}
	c := *account
	r.s.accounts[account.ID] = &c
	r.s.writes++
	return nil
}

func (r *AccountRepo) UpdateClaims(ctx context.Context, id string, claims model.Claims) error {
	if err := r.s.check("accounts.UpdateClaims"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: %s", id)
	}
	a.Claims = claims
	r.s.writes++
	return nil
}

func (r *AccountRepo) SetTokensValidAfter(ctx context.Context, id string, at time.Time) error {
	if err := r.s.check("accounts.SetTokensValidAfter"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: %s", id)
	}
	a.TokensValidAfter = at
	r.s.writes++
	return nil
}

// --- Profiles ---

// ProfileRepo はインメモリのProfileRepository。
type ProfileRepo struct{ s *Store }

// Profiles はProfileRepositoryを返す。
func (s *Store) Profiles() *ProfileRepo { return &ProfileRepo{s} }

func (r *ProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	if err := r.s.check("profiles.FindByUserID"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[userID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (r *ProfileRepo) FindByUserIDs(ctx context.Context, userIDs []string) ([]*model.Profile, error) {
	if err := r.s.check("profiles.FindByUserIDs"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Profile{}
	for _, id := range userIDs {
		if p, ok := r.s.profiles[id]; ok {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *ProfileRepo) Create(ctx context.Context, profile *model.Profile) error {
	if err := r.s.check("profiles.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.profiles[profile.UserID]; ok {
		return nil
	}
	c := *profile
	r.s.profiles[profile.UserID] = &c
	r.s.writes++
	return nil
}

func (r *ProfileRepo) Upsert(ctx context.Context, profile *model.Profile) error {
	if err := r.s.check("profiles.Upsert"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.profiles[profile.UserID]; ok {
		existing.Name = profile.Name
		existing.Email = profile.Email
		existing.Role = profile.Role
		existing.UpdatedAt = profile.UpdatedAt
	} else {
		c := *profile
		r.s.profiles[profile.UserID] = &c
	}
	r.s.writes++
	return nil
}

func (r *ProfileRepo) UpdateRole(ctx context.Context, userID string, role model.Role) error {
	if err := r.s.check("profiles.UpdateRole"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[userID]
	if !ok {
		return fmt.Errorf("profile not found: %s", userID)
	}
	p.Role = role
	r.s.writes++
	return nil
}

func (r *ProfileRepo) UpdateName(ctx context.Context, userID, name string) error {
	if err := r.s.check("profiles.UpdateName"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[userID]
	if !ok {
		return fmt.Errorf("profile not found: %s", userID)
	}
	p.Name = name
	r.s.writes++
	return nil
}

func (r *ProfileRepo) List(ctx context.Context) ([]*model.Profile, error) {
	return r.list("", "profiles.List")
}

func (r *ProfileRepo) ListByRole(ctx context.Context, role model.Role) ([]*model.Profile, error) {
	return r.list(role, "profiles.ListByRole")
}

func (r *ProfileRepo) list(role model.Role, op string) ([]*model.Profile, error) {
	if err := r.s.check(op); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Profile{}
	for _, p := range r.s.profiles {
		if role != "" && p.Role != role {
			continue
		}
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *ProfileRepo) Count(ctx context.Context) (int, error) {
	if err := r.s.check("profiles.Count"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.profiles), nil
}

// --- Sessions ---

// SessionRepo はインメモリのSessionRepository。
type SessionRepo struct{ s *Store }

// Sessions はSessionRepositoryを返す。
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s} }

func (r *SessionRepo) Create(ctx context.Context, session *model.Session) error {
	if err := r.s.check("sessions.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *session
	r.s.sessions[session.ID] = &c
	r.s.writes++
	return nil
}

func (r *SessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if err := r.s.check("sessions.FindByID"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok || !sess.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	c := *sess
	return &c, nil
}

func (r *SessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.s.check("sessions.DeleteByID"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	r.s.writes++
	return nil
}

func (r *SessionRepo) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	if err := r.s.check("sessions.DeleteByUserID"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.sessions {
		if sess.UserID == userID {
			delete(r.s.sessions, id)
			n++
		}
	}
	r.s.writes++
	return n, nil
}

// --- Tasks ---

// TaskRepo はインメモリのTaskRepository。
type TaskRepo struct{ s *Store }

// Tasks はTaskRepositoryを返す。
func (s *Store) Tasks() *TaskRepo { return &TaskRepo{s} }

func (r *TaskRepo) FindByID(ctx context.Context, id string) (*model.Task, error) {
	if err := r.s.check("tasks.FindByID"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (r *TaskRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Task, error) {
	if err := r.s.check("tasks.FindByIDForUpdate"); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r *TaskRepo) Create(ctx context.Context, task *model.Task) error {
	if err := r.s.check("tasks.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tasks[task.ID]; ok {
		return fmt.Errorf("duplicate task %s", task.ID)
	}
	r.s.tasks[task.ID] = cloneTask(task)
	r.s.writes++
	return nil
}

func (r *TaskRepo) Update(ctx context.Context, task *model.Task) error {
	if err := r.s.check("tasks.Update"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tasks[task.ID]; !ok {
		return fmt.Errorf("task not found: %s", task.ID)
	}
	r.s.tasks[task.ID] = cloneTask(task)
	r.s.writes++
	return nil
}

func (r *TaskRepo) List(ctx context.Context, filter repository.TaskFilter) ([]*model.Task, error) {
	if err := r.s.check("tasks.List"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Task{}
	for _, t := range r.s.tasks {
		if filter.Assignee != "" && !t.IsAssignee(filter.Assignee) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, t.Status) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sortTasks(out)
	return out, nil
}

func (r *TaskRepo) ListOverdue(ctx context.Context, today time.Time) ([]*model.Task, error) {
	if err := r.s.check("tasks.ListOverdue"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Task{}
	for _, t := range r.s.tasks {
		if t.Status != model.TaskStatusCompleted && t.DueDate.Before(today) {
			out = append(out, cloneTask(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (r *TaskRepo) CountsByAssignee(ctx context.Context) (map[string]model.MemberTaskCounts, error) {
	if err := r.s.check("tasks.CountsByAssignee"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]model.MemberTaskCounts)
	for _, t := range r.s.tasks {
		for _, id := range t.Assignees {
			c := out[id]
			if t.Status == model.TaskStatusCompleted || t.Status == model.TaskStatusPendingApproval {
				c.Completed++
			} else {
				c.Active++
			}
			out[id] = c
		}
	}
	return out, nil
}

func (r *TaskRepo) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	if err := r.s.check("tasks.CountByStatus"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[model.TaskStatus]int)
	for _, t := range r.s.tasks {
		out[t.Status]++
	}
	return out, nil
}

func sortTasks(tasks []*model.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].DueDate.Equal(tasks[j].DueDate) {
			return tasks[i].DueDate.Before(tasks[j].DueDate)
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// --- History ---

// HistoryRepo はインメモリのHistoryRepository。
type HistoryRepo struct{ s *Store }

// HistoryRepo はHistoryRepositoryを返す。
func (s *Store) HistoryRepo() *HistoryRepo { return &HistoryRepo{s} }

func (r *HistoryRepo) Append(ctx context.Context, entry *model.HistoryEntry) error {
	if err := r.s.check("history.Append"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *entry
	r.s.history = append(r.s.history, &c)
	r.s.writes++
	return nil
}

func (r *HistoryRepo) ListByTask(ctx context.Context, taskID string) ([]*model.HistoryEntry, error) {
	if err := r.s.check("history.ListByTask"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.HistoryEntry{}
	for i := len(r.s.history) - 1; i >= 0; i-- {
		if r.s.history[i].TaskID == taskID {
			c := *r.s.history[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- Notifications ---

// NotificationRepo はインメモリのNotificationRepository。
// task_assigned と task_overdue は (user_id, task_id, type) で一意。
type NotificationRepo struct{ s *Store }

// NotificationRepo はNotificationRepositoryを返す。
func (s *Store) NotificationRepo() *NotificationRepo { return &NotificationRepo{s} }

func (r *NotificationRepo) Create(ctx context.Context, n *model.Notification) (bool, error) {
	if err := r.s.check("notifications.Create"); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if n.Type == model.NotificationTaskAssigned || n.Type == model.NotificationTaskOverdue {
		for _, existing := range r.s.notifications {
			if existing.UserID == n.UserID && existing.TaskID == n.TaskID && existing.Type == n.Type {
				return false, nil
			}
		}
	}
	c := *n
	r.s.notifications = append(r.s.notifications, &c)
	r.s.writes++
	return true, nil
}

func (r *NotificationRepo) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	if err := r.s.check("notifications.FindByID"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, n := range r.s.notifications {
		if n.ID == id {
			c := *n
			return &c, nil
		}
	}
	return nil, nil
}

func (r *NotificationRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	if err := r.s.check("notifications.ListByUser"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Notification{}
	for _, n := range r.s.notifications {
		if n.UserID == userID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return !out[i].Read && out[j].Read
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *NotificationRepo) MarkRead(ctx context.Context, id, userID string, at time.Time) (*model.Notification, error) {
	if err := r.s.check("notifications.MarkRead"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, n := range r.s.notifications {
		if n.ID == id && n.UserID == userID {
			if !n.Read {
				n.Read = true
				readAt := at
				n.ReadAt = &readAt
				n.UpdatedAt = at
				r.s.writes++
			}
			c := *n
			return &c, nil
		}
	}
	return nil, nil
}

func (r *NotificationRepo) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	if err := r.s.check("notifications.MarkAllRead"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var count int64
	for _, n := range r.s.notifications {
		if n.UserID == userID && !n.Read {
			n.Read = true
			readAt := at
			n.ReadAt = &readAt
			n.UpdatedAt = at
			count++
		}
	}
	r.s.writes++
	return count, nil
}

func (r *NotificationRepo) ExistsSince(ctx context.Context, userID, taskID string, typ model.NotificationType, since time.Time) (bool, error) {
	if err := r.s.check("notifications.ExistsSince"); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, n := range r.s.notifications {
		if n.UserID == userID && n.TaskID == taskID && n.Type == typ && !n.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (r *NotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	if err := r.s.check("notifications.CountUnread"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, n := range r.s.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

// ErrInjected はテストで注入するエラーの既定値。
var ErrInjected = errors.New("injected failure")

var (
	_ repository.AccountRepository      = (*AccountRepo)(nil)
	_ repository.ProfileRepository      = (*ProfileRepo)(nil)
	_ repository.SessionRepository      = (*SessionRepo)(nil)
	_ repository.TaskRepository         = (*TaskRepo)(nil)
	_ repository.HistoryRepository      = (*HistoryRepo)(nil)
	_ repository.NotificationRepository = (*NotificationRepo)(nil)
	_ repository.TxRunner               = (*Store)(nil)
)
