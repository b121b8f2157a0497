// Package team はチームメンバーの一覧・追加とダッシュボード集計を提供する。
package team

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taskboard/internal/auth"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/repository"
)

// AccountCreator はアカウントを作成する。
type AccountCreator interface {
	CreateUser(ctx context.Context, in auth.CreateUserInput) (*model.Account, error)
}

// Member はプロフィールとタスク件数。
type Member struct {
	UserID         string
	Email          string
	Name           string
	Role           model.Role
	ActiveTasks    int
	CompletedTasks int
}

// Overview はダッシュボードの集計値。
type Overview struct {
	TotalTasks     int
	CompletedTasks int
	MemberCount    int
	ByStatus       map[model.TaskStatus]int
}

// AddMemberInput はメンバー追加の入力。
type AddMemberInput struct {
	Email    string
	Password string
	Name     string
	Role     model.Role
}

// Service はチーム管理を提供する。
type Service struct {
	profiles repository.ProfileRepository
	tasks    repository.TaskRepository
	accounts AccountCreator
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(profiles repository.ProfileRepository, tasks repository.TaskRepository, accounts AccountCreator, logger *slog.Logger) *Service {
	return &Service{profiles: profiles, tasks: tasks, accounts: accounts, logger: logger, now: time.Now}
}

// ListMembers は全メンバーを名前順で返す。
// 承認待ちのタスクは完了側に数える。
func (s *Service) ListMembers(ctx context.Context) ([]Member, error) {
	profiles, err := s.profiles.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	counts, err := s.tasks.CountsByAssignee(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	members := make([]Member, 0, len(profiles))
	for _, p := range profiles {
		c := counts[p.UserID]
		members = append(members, Member{
			UserID:         p.UserID,
			Email:          p.Email,
			Name:           p.Name,
			Role:           p.Role,
			ActiveTasks:    c.Active,
			CompletedTasks: c.Completed,
		})
	}
	return members, nil
}

// AddMember はアカウントとプロフィールを作成する。管理者のみ実行できる。
func (s *Service) AddMember(ctx context.Context, actor model.Actor, in AddMemberInput) (*Member, error) {
	if !actor.IsAdmin() {
		return nil, model.NewPermissionDeniedError("メンバーの追加")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, model.NewValidationError("名前は必須です", "name")
	}
	if in.Role == "" {
		in.Role = model.RoleMember
	}

	account, err := s.accounts.CreateUser(ctx, auth.CreateUserInput{
		Email:       in.Email,
		Password:    in.Password,
		DisplayName: name,
		Role:        in.Role,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &model.Profile{
		ID:        uuid.New().String(),
		UserID:    account.ID,
		Email:     account.Email,
		Name:      name,
		Role:      account.Claims.EffectiveRole(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.profiles.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	s.logger.Info("メンバーを追加しました",
		slog.String("user_id", account.ID),
		slog.String("role", string(p.Role)),
		slog.String("actor_id", actor.UserID),
	)
	return &Member{UserID: p.UserID, Email: p.Email, Name: p.Name, Role: p.Role}, nil
}

// Overview はタスク総数、完了数、メンバー数を返す。管理者のみ参照できる。
func (s *Service) Overview(ctx context.Context, actor model.Actor) (*Overview, error) {
	if !actor.IsAdmin() {
		return nil, model.NewPermissionDeniedError("チーム概要の参照")
	}
	byStatus, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	members, err := s.profiles.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count profiles: %w", err)
	}

	o := &Overview{MemberCount: members, ByStatus: make(map[model.TaskStatus]int, len(model.TaskStatuses()))}
	for _, st := range model.TaskStatuses() {
		n := byStatus[st]
		o.ByStatus[st] = n
		o.TotalTasks += n
	}
	o.CompletedTasks = byStatus[model.TaskStatusCompleted]
	return o, nil
}
