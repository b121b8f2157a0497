// Package profile はクレームとアプリケーション側プロフィールの整合を保つ。
//
// ロールの正はIDトークンのクレームにあり、プロフィールはそれに追従する。
// Reconcile はサインイン時と認証済みリクエストごとに呼ばれるため冪等でなければならない。
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/repository"
)

// DefaultName は表示名がないユーザーのプロフィール名。
const DefaultName = "New User"

// Identity は認証済みユーザーの識別情報とクレーム。
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
	Claims      model.Claims
}

// Service はプロフィールの整合処理を提供する。
type Service struct {
	profiles repository.ProfileRepository
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(profiles repository.ProfileRepository, logger *slog.Logger) *Service {
	return &Service{profiles: profiles, logger: logger, now: time.Now}
}

// Reconcile はプロフィールをクレームに合わせる。
// プロフィールがなければ作成し、ロールが異なれば更新する。一致していれば書き込まない。
func (s *Service) Reconcile(ctx context.Context, id Identity) (*model.Profile, error) {
	if id.UserID == "" {
		return nil, fmt.Errorf("identity has no user ID")
	}
	role := id.Claims.EffectiveRole()

	p, err := s.profiles.FindByUserID(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}

	if p == nil {
		p = FallbackProfile(id, s.now())
		if err := s.profiles.Create(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to create profile: %w", err)
		}
		// 同時サインインで先に作られていた場合はそちらを正とする
		persisted, err := s.profiles.FindByUserID(ctx, id.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload profile: %w", err)
		}
		if persisted != nil {
			p = persisted
		}
		s.logger.Info("プロフィールを作成しました",
			slog.String("user_id", id.UserID),
			slog.String("role", string(p.Role)),
		)
	}

	if p.Role != role {
		if err := s.profiles.UpdateRole(ctx, id.UserID, role); err != nil {
			return nil, fmt.Errorf("failed to update profile role: %w", err)
		}
		s.logger.Info("プロフィールのロールをクレームに合わせて更新しました",
			slog.String("user_id", id.UserID),
			slog.String("from", string(p.Role)),
			slog.String("to", string(role)),
		)
		p.Role = role
	}
	return p, nil
}

// ActorFor はReconcileの結果からアクターを組み立てる。
// Reconcileに失敗した場合は保存されないフォールバックプロフィールを使う。
// ロールは常にクレームから決める。
func (s *Service) ActorFor(ctx context.Context, id Identity) model.Actor {
	p, err := s.Reconcile(ctx, id)
	if err != nil {
		s.logger.Warn("プロフィールの整合に失敗したためクレームから導いた値を使います",
			slog.String("user_id", id.UserID),
			slog.String("error", err.Error()),
		)
		p = FallbackProfile(id, s.now())
	}
	return model.Actor{
		UserID: id.UserID,
		Email:  id.Email,
		Name:   p.Name,
		Role:   id.Claims.EffectiveRole(),
	}
}

// FallbackProfile は識別情報から保存前のプロフィールを組み立てる。作成・更新時刻はnowになる。
func FallbackProfile(id Identity, now time.Time) *model.Profile {
	name := strings.TrimSpace(id.DisplayName)
	if name == "" {
		name = DefaultName
	}
	return &model.Profile{
		ID:        uuid.New().String(),
		UserID:    id.UserID,
		Email:     id.Email,
		Name:      name,
		Role:      id.Claims.EffectiveRole(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
